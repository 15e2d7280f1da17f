// Package protocoltest provides an in-memory Outbox for tests.
package protocoltest

import (
	"encoding/json"
	"sync"

	"collabtext/internal/protocol"
)

// Recorder is an Outbox that remembers every frame per connection.
type Recorder struct {
	mu         sync.Mutex
	frames     map[string][]protocol.Envelope
	terminated map[string]int
}

var _ protocol.Outbox = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{
		frames:     make(map[string][]protocol.Envelope),
		terminated: make(map[string]int),
	}
}

func (r *Recorder) Send(connectionID string, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		panic("protocoltest: undecodable frame: " + err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames[connectionID] = append(r.frames[connectionID], env)
}

func (r *Recorder) Terminate(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminated[connectionID]++
}

// Frames returns what connectionID has received so far.
func (r *Recorder) Frames(connectionID string) []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Envelope, len(r.frames[connectionID]))
	copy(out, r.frames[connectionID])
	return out
}

// Types returns the event types connectionID has received, in order.
func (r *Recorder) Types(connectionID string) []protocol.EventType {
	var out []protocol.EventType
	for _, env := range r.Frames(connectionID) {
		out = append(out, env.Type)
	}
	return out
}

// Count returns how many events of type t connectionID has received.
func (r *Recorder) Count(connectionID string, t protocol.EventType) int {
	n := 0
	for _, env := range r.Frames(connectionID) {
		if env.Type == t {
			n++
		}
	}
	return n
}

// Last decodes the payload of the most recent event of type t sent to
// connectionID into v and reports whether one was found.
func (r *Recorder) Last(connectionID string, t protocol.EventType, v any) bool {
	frames := r.Frames(connectionID)
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Type == t {
			return json.Unmarshal(frames[i].Payload, v) == nil
		}
	}
	return false
}

// Terminated reports how many times connectionID was terminated.
func (r *Recorder) Terminated(connectionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminated[connectionID]
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = make(map[string][]protocol.Envelope)
	r.terminated = make(map[string]int)
}
