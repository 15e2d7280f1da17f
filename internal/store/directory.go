package store

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Directory answers whether a room was registered by the room creation
// service. It is consulted before a join reaches the hub.
type Directory interface {
	Exists(ctx context.Context, roomID string) (bool, error)
}

// OpenDirectory treats every room id as registered.
type OpenDirectory struct{}

func (OpenDirectory) Exists(context.Context, string) (bool, error) { return true, nil }

// HTTPDirectory asks the room service with GET {base}/{roomID}: any 2xx
// means the room exists, 404 means it does not.
type HTTPDirectory struct {
	base   string
	client *http.Client
}

func NewHTTPDirectory(base string, timeout time.Duration) *HTTPDirectory {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDirectory{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDirectory) Exists(ctx context.Context, roomID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.base+"/"+url.PathEscape(roomID), nil)
	if err != nil {
		return false, fmt.Errorf("build room lookup: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("room lookup %s: %w", roomID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("room lookup %s: unexpected status %d", roomID, resp.StatusCode)
	}
}
