package storage

import (
	"sort"
	"sync"

	"github.com/netflixpp/meshnode/pkg/chunk"
)

type memoryEntry struct {
	manifest chunk.Manifest
	chunks   []chunk.Chunk
}

// MemoryStore keeps chunks in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) Put(m chunk.Manifest, chunks []chunk.Chunk) error {
	if err := validate(m, chunks); err != nil {
		return err
	}
	e := &memoryEntry{manifest: copyManifest(m), chunks: make([]chunk.Chunk, len(chunks))}
	for _, c := range chunks {
		c.Payload = append([]byte(nil), c.Payload...)
		e.chunks[c.Index] = c
	}

	s.mu.Lock()
	s.entries[m.ContentID] = e
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Chunk(contentID string, index int) (chunk.Chunk, error) {
	s.mu.RLock()
	e, ok := s.entries[contentID]
	s.mu.RUnlock()
	if !ok || index < 0 || index >= len(e.chunks) {
		return chunk.Chunk{}, notFound(contentID, index)
	}
	c := e.chunks[index]
	c.Payload = append([]byte(nil), c.Payload...)
	if err := chunk.Verify(c); err != nil {
		return chunk.Chunk{}, err
	}
	return c, nil
}

func (s *MemoryStore) Manifest(contentID string) (chunk.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[contentID]
	if !ok {
		return chunk.Manifest{}, notFound(contentID, -1)
	}
	return copyManifest(e.manifest), nil
}

func (s *MemoryStore) Contents() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (s *MemoryStore) Delete(contentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[contentID]; !ok {
		return notFound(contentID, -1)
	}
	delete(s.entries, contentID)
	return nil
}

func copyManifest(m chunk.Manifest) chunk.Manifest {
	m.Checksums = append([]string(nil), m.Checksums...)
	return m
}
