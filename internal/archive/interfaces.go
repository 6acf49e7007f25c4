package archive

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// BlobStore writes downloaded artifacts under a key and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// PageCache keeps raw index payloads keyed by request URL.
type PageCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte) error
}

// Limiter paces outbound requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Publisher pushes run completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Hasher digests downloaded content.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator mints run identifiers.
type IDGenerator interface {
	NewRunID() (uuid.UUID, error)
}
