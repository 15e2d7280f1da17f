package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRoomsKey is the Redis set listing every room id that exists.
const DefaultRoomsKey = "collabtext:rooms"

// RedisSink mirrors documents into hashes and announces every change on
// a per-room channel, so consumers can either poll or subscribe.
type RedisSink struct {
	client *redis.Client
	prefix string
}

func NewRedisSink(client *redis.Client, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "collabtext"
	}
	return &RedisSink{client: client, prefix: prefix}
}

// DocumentKey is the hash holding one file.
func (s *RedisSink) DocumentKey(roomID, nodeID string) string {
	return fmt.Sprintf("%s:room:%s:doc:%s", s.prefix, roomID, nodeID)
}

// Channel is where changes to a room's files are published.
func (s *RedisSink) Channel(roomID string) string {
	return fmt.Sprintf("%s:room:%s:documents", s.prefix, roomID)
}

func (s *RedisSink) Persist(ctx context.Context, doc Document) error {
	msg, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	key := s.DocumentKey(doc.RoomID, doc.NodeID)

	pipe := s.client.TxPipeline()
	if doc.Deleted {
		pipe.Del(ctx, key)
	} else {
		pipe.HSet(ctx, key,
			"name", doc.Name,
			"language", doc.Language,
			"content", doc.Content,
			"author_user_id", doc.AuthorUserID,
			"updated_at", doc.UpdatedAt.UnixMilli())
	}
	pipe.Publish(ctx, s.Channel(doc.RoomID), msg)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis persist %s: %w", key, err)
	}
	return nil
}

// RedisDirectory answers room lookups from a Redis set maintained by the
// room creation service.
type RedisDirectory struct {
	client *redis.Client
	key    string
}

func NewRedisDirectory(client *redis.Client, key string) *RedisDirectory {
	if key == "" {
		key = DefaultRoomsKey
	}
	return &RedisDirectory{client: client, key: key}
}

func (d *RedisDirectory) Exists(ctx context.Context, roomID string) (bool, error) {
	ok, err := d.client.SIsMember(ctx, d.key, roomID).Result()
	if err != nil {
		return false, fmt.Errorf("redis room lookup %s: %w", roomID, err)
	}
	return ok, nil
}
