package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "example.com/page.html", "text/html", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://example.com/page.html" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	stored, ok := store.Get("example.com/page.html")
	if !ok || string(stored) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
	if keys := store.Keys(); len(keys) != 1 || keys[0] != "example.com/page.html" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestBlobStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := NewBlobStore().PutObject(context.Background(), " ", "", bytes.NewReader(nil)); err == nil {
		t.Fatal("expected error for empty path")
	}
}
