// Package staging holds uploaded input images in Redis for a bounded time so
// a remote provider can fetch them over a public URL.
package staging

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 30 * time.Minute

var (
	ErrNotFound     = errors.New("staged artifact not found")
	ErrEmptyPayload = errors.New("staged artifact is empty")
	ErrInvalidKind  = errors.New("unsupported artifact kind")
)

var allowedKinds = map[string]bool{
	"png":  true,
	"jpg":  true,
	"jpeg": true,
	"webp": true,
	"gif":  true,
}

// Artifact is a staged upload as stored in Redis.
type Artifact struct {
	ID    string
	Owner string
	Kind  string
	Data  []byte
}

// Cache stores artifacts under image:<id> hashes that expire on their own.
// Ids are random UUIDs; anyone holding one may read the artifact.
type Cache struct {
	client  redis.Cmdable
	baseURL string
}

// NewCache creates a Cache. baseURL is the externally routable address of
// this service, e.g. https://covers.example.com.
func NewCache(client redis.Cmdable, baseURL string) *Cache {
	return &Cache{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func artifactKey(id string) string {
	return "image:" + id
}

// NormalizeKind lowercases kind and checks it against the supported image types.
func NormalizeKind(kind string) (string, error) {
	k := strings.ToLower(strings.TrimPrefix(kind, "."))
	if !allowedKinds[k] {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	return k, nil
}

// Put stores data and returns its id, "<uuid>.<kind>". A non-positive ttl
// falls back to DefaultTTL. ownerID may be empty for anonymous uploads.
func (c *Cache) Put(ctx context.Context, ownerID string, data []byte, kind string, ttl time.Duration) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyPayload
	}
	k, err := NormalizeKind(kind)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	id := uuid.New().String() + "." + k
	key := artifactKey(id)

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"data":  data,
		"owner": ownerID,
		"kind":  k,
	})
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("staging artifact %s: %w", id, err)
	}
	return id, nil
}

// URLFor maps an id to the address served by Handler.
func (c *Cache) URLFor(id string) string {
	return c.baseURL + "/api/image/" + id
}

func (c *Cache) Get(ctx context.Context, id string) (*Artifact, error) {
	vals, err := c.client.HGetAll(ctx, artifactKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s: %w", id, err)
	}
	data, ok := vals["data"]
	if !ok {
		return nil, ErrNotFound
	}
	return &Artifact{
		ID:    id,
		Owner: vals["owner"],
		Kind:  vals["kind"],
		Data:  []byte(data),
	}, nil
}

// Remove deletes the artifact. Missing ids are not an error.
func (c *Cache) Remove(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, artifactKey(id)).Err(); err != nil {
		return fmt.Errorf("removing artifact %s: %w", id, err)
	}
	return nil
}

// ContentType infers the MIME type from the id suffix.
func ContentType(id string) string {
	switch strings.ToLower(path.Ext(id)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/png"
	}
}
