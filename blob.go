package agentstart

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BlobInfo describes one stored upload.
type BlobInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"type"`
	Size        int64     `json:"size"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// BlobStore persists uploaded attachments. Implementations must be safe
// for concurrent use.
type BlobStore interface {
	Put(ctx context.Context, name, contentType string, data []byte) (BlobInfo, error)
	Get(ctx context.Context, id string) (BlobInfo, []byte, error)
}

// MemoryBlob is an in-process BlobStore for embedding and tests.
type MemoryBlob struct {
	mu    sync.RWMutex
	blobs map[string]memoryBlobEntry
}

type memoryBlobEntry struct {
	info BlobInfo
	data []byte
}

// NewMemoryBlob creates an empty in-process blob store.
func NewMemoryBlob() *MemoryBlob {
	return &MemoryBlob{blobs: make(map[string]memoryBlobEntry)}
}

func (s *MemoryBlob) Put(_ context.Context, name, contentType string, data []byte) (BlobInfo, error) {
	info := BlobInfo{
		ID:          NewID(),
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		CreatedAt:   Now(),
	}
	info.URL = "/blob/" + info.ID
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	s.blobs[info.ID] = memoryBlobEntry{info: info, data: cp}
	s.mu.Unlock()
	return info, nil
}

func (s *MemoryBlob) Get(_ context.Context, id string) (BlobInfo, []byte, error) {
	s.mu.RLock()
	entry, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return BlobInfo{}, nil, fmt.Errorf("blob %s: %w", id, ErrNotFound)
	}
	return entry.info, entry.data, nil
}
