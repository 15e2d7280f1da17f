package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"collabtext/internal/chat"
	"collabtext/internal/protocol"
	"collabtext/internal/tree"

	bolt "go.etcd.io/bbolt"
)

var roomsBucket = []byte("rooms")

// Snapshot is the last state an agent projected for a room.
type Snapshot struct {
	RoomID  string                `json:"roomId"`
	Tree    *tree.Node            `json:"tree"`
	Chat    []chat.Message        `json:"chat"`
	Members []protocol.MemberInfo `json:"members"`
	SavedAt time.Time             `json:"savedAt"`
}

// Snapshots keeps one snapshot per room in a bbolt file so the agent's
// mirror survives restarts.
type Snapshots struct {
	db *bolt.DB
}

func OpenSnapshots(path string) (*Snapshots, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(roomsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init snapshot db: %w", err)
	}
	return &Snapshots{db: db}, nil
}

func (s *Snapshots) Save(snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.RoomID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(roomsBucket).Put([]byte(snap.RoomID), data)
	})
}

// Load returns the snapshot saved for roomID, if any.
func (s *Snapshots) Load(roomID string) (Snapshot, bool, error) {
	var (
		snap  Snapshot
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(roomsBucket).Get([]byte(roomID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load snapshot %s: %w", roomID, err)
	}
	return snap, found, nil
}

// Rooms lists the rooms with a saved snapshot.
func (s *Snapshots) Rooms() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(roomsBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (s *Snapshots) Close() error {
	return s.db.Close()
}
