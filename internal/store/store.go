// Package store holds the external collaborators of the sync engine: the
// content sinks that feed file contents to downstream consumers and the
// directory that says whether a room exists. Nothing here is read back
// for consistency.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrSinkClosed = errors.New("store: sink closed")

// Document is the latest known state of one file in one room.
type Document struct {
	RoomID       string    `json:"roomId"`
	NodeID       string    `json:"nodeId"`
	Name         string    `json:"name"`
	Language     string    `json:"language,omitempty"`
	Content      string    `json:"content"`
	AuthorUserID string    `json:"authorUserId,omitempty"`
	Deleted      bool      `json:"deleted,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Sink persists documents.
type Sink interface {
	Persist(ctx context.Context, doc Document) error
}

// Multi persists every document to each of its sinks and joins the
// errors.
type Multi []Sink

func (m Multi) Persist(ctx context.Context, doc Document) error {
	var errs []error
	for _, s := range m {
		if err := s.Persist(ctx, doc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops everything.
type Discard struct{}

func (Discard) Persist(context.Context, Document) error { return nil }
