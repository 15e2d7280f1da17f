package chat

import "time"

// DefaultCapacity is how many messages a room keeps before dropping the
// oldest.
const DefaultCapacity = 100

// Message is a single chat line. Messages are never edited.
type Message struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sentAt"`
}

// Log is an append-only, capped chat history.
type Log struct {
	capacity int
	messages []Message
}

// NewLog returns an empty log holding at most capacity messages. A
// non-positive capacity falls back to DefaultCapacity.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{capacity: capacity}
}

// Append adds m to the end of the log and reports how many messages were
// trimmed from the head to stay within capacity.
func (l *Log) Append(m Message) int {
	l.messages = append(l.messages, m)
	over := len(l.messages) - l.capacity
	if over <= 0 {
		return 0
	}
	kept := make([]Message, l.capacity)
	copy(kept, l.messages[over:])
	l.messages = kept
	return over
}

// Contains reports whether a message with the given id is in the log.
func (l *Log) Contains(id string) bool {
	for i := range l.messages {
		if l.messages[i].ID == id {
			return true
		}
	}
	return false
}

// Messages returns a copy of the history, oldest first.
func (l *Log) Messages() []Message {
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

func (l *Log) Len() int {
	return len(l.messages)
}

func (l *Log) Capacity() int {
	return l.capacity
}
