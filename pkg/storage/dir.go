package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/netflixpp/meshnode/pkg/chunk"
	"github.com/netflixpp/meshnode/pkg/core"
	"github.com/netflixpp/meshnode/pkg/logger"
)

const manifestFile = "manifest.json"

// DirStore keeps each content under <root>/<contentId>/ as chunk_<n>.chunk
// files next to a manifest.json.
type DirStore struct {
	root string
	mu   sync.RWMutex
}

// NewDirStore creates root if needed.
func NewDirStore(root string) (*DirStore, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: storage directory is empty", core.ErrConfiguration)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create storage directory %s: %v", core.ErrConfiguration, root, err)
	}
	return &DirStore{root: root}, nil
}

func (s *DirStore) Root() string {
	return s.root
}

func chunkName(index int) string {
	return fmt.Sprintf("chunk_%d.chunk", index)
}

func (s *DirStore) Put(m chunk.Manifest, chunks []chunk.Chunk) error {
	if err := validate(m, chunks); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Build the new copy beside the old one so readers never see a mix.
	final := filepath.Join(s.root, m.ContentID)
	staging, err := os.MkdirTemp(s.root, "."+m.ContentID+"-*")
	if err != nil {
		return fmt.Errorf("create staging directory for %s: %w", m.ContentID, err)
	}
	defer os.RemoveAll(staging)

	for _, c := range chunks {
		if err := os.WriteFile(filepath.Join(staging, chunkName(c.Index)), c.Payload, 0o644); err != nil {
			return fmt.Errorf("write %s chunk %d: %w", m.ContentID, c.Index, err)
		}
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest for %s: %w", m.ContentID, err)
	}
	if err := os.WriteFile(filepath.Join(staging, manifestFile), raw, 0o644); err != nil {
		return fmt.Errorf("write manifest for %s: %w", m.ContentID, err)
	}

	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("replace %s: %w", m.ContentID, err)
	}
	if err := os.Rename(staging, final); err != nil {
		return fmt.Errorf("commit %s: %w", m.ContentID, err)
	}
	logger.Sugar.Debugf("[Storage] stored content: id=%s chunks=%d dir=%s", m.ContentID, len(chunks), final)
	return nil
}

func (s *DirStore) Chunk(contentID string, index int) (chunk.Chunk, error) {
	if err := validID(contentID); err != nil {
		return chunk.Chunk{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := s.readManifest(contentID)
	if err != nil {
		return chunk.Chunk{}, err
	}
	total := m.TotalChunks()
	if index < 0 || index >= total {
		return chunk.Chunk{}, notFound(contentID, index)
	}
	payload, err := os.ReadFile(filepath.Join(s.root, contentID, chunkName(index)))
	if errors.Is(err, fs.ErrNotExist) {
		return chunk.Chunk{}, notFound(contentID, index)
	}
	if err != nil {
		return chunk.Chunk{}, fmt.Errorf("read %s chunk %d: %w", contentID, index, err)
	}

	c := chunk.Chunk{
		ContentID: contentID,
		Index:     index,
		Total:     total,
		Size:      chunk.SizeAt(m.TotalBytes, m.ChunkSize, index),
		Checksum:  m.Checksums[index],
		Payload:   payload,
	}
	if err := chunk.Verify(c); err != nil {
		return chunk.Chunk{}, err
	}
	return c, nil
}

func (s *DirStore) Manifest(contentID string) (chunk.Manifest, error) {
	if err := validID(contentID); err != nil {
		return chunk.Manifest{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readManifest(contentID)
}

func (s *DirStore) readManifest(contentID string) (chunk.Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(s.root, contentID, manifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return chunk.Manifest{}, notFound(contentID, -1)
	}
	if err != nil {
		return chunk.Manifest{}, fmt.Errorf("read manifest for %s: %w", contentID, err)
	}
	var m chunk.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return chunk.Manifest{}, fmt.Errorf("%w: manifest for %s: %v", core.ErrChunkIntegrity, contentID, err)
	}
	if m.ChunkSize <= 0 || len(m.Checksums) != m.TotalChunks() {
		return chunk.Manifest{}, fmt.Errorf("%w: manifest for %s is inconsistent", core.ErrChunkIntegrity, contentID)
	}
	return m, nil
}

func (s *DirStore) Contents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		logger.Sugar.Warnf("[Storage] list contents failed: dir=%s err=%v", s.root, err)
		return nil
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || validID(e.Name()) != nil || e.Name()[0] == '.' {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), manifestFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *DirStore) Delete(contentID string) error {
	if err := validID(contentID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, contentID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return notFound(contentID, -1)
	}
	return os.RemoveAll(dir)
}
