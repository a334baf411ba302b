// Package storage keeps published content as verified chunks so the mesh can
// serve REQUEST_CHUNK without touching the original file.
package storage

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/netflixpp/meshnode/pkg/chunk"
	"github.com/netflixpp/meshnode/pkg/core"
	"github.com/netflixpp/meshnode/pkg/protocol"
)

// Store serves chunk payloads by content id and index. Implementations verify
// checksums on read and are safe for concurrent use.
type Store interface {
	// Put stores a complete chunk set described by m, replacing any previous
	// copy of the same content.
	Put(m chunk.Manifest, chunks []chunk.Chunk) error
	Chunk(contentID string, index int) (chunk.Chunk, error)
	Manifest(contentID string) (chunk.Manifest, error)
	// Contents lists stored content ids in lexical order.
	Contents() []string
	Delete(contentID string) error
}

// validate checks that chunks are exactly the set m describes.
func validate(m chunk.Manifest, chunks []chunk.Chunk) error {
	if err := validID(m.ContentID); err != nil {
		return err
	}
	if m.ChunkSize <= 0 {
		return fmt.Errorf("%w: content=%s chunk size must be positive", core.ErrConfiguration, m.ContentID)
	}
	total := m.TotalChunks()
	if len(chunks) != total || len(m.Checksums) != total {
		return fmt.Errorf("%w: content=%s manifest lists %d chunks, got %d",
			core.ErrChunkIntegrity, m.ContentID, len(m.Checksums), len(chunks))
	}
	seen := make([]bool, total)
	for _, c := range chunks {
		if c.ContentID != m.ContentID {
			return fmt.Errorf("%w: chunk %d belongs to %s, not %s",
				core.ErrChunkIntegrity, c.Index, c.ContentID, m.ContentID)
		}
		if err := m.Check(c); err != nil {
			return err
		}
		if seen[c.Index] {
			return fmt.Errorf("%w: content=%s duplicate chunk %d", core.ErrChunkIntegrity, m.ContentID, c.Index)
		}
		seen[c.Index] = true
	}
	return nil
}

// validID rejects ids that cannot travel on the wire or would escape a
// store directory.
func validID(id string) error {
	if err := protocol.ValidContentID(id); err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfiguration, err)
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) || filepath.Base(id) != id {
		return fmt.Errorf("%w: content id %q is not a valid path element", core.ErrConfiguration, id)
	}
	return nil
}

func notFound(contentID string, index int) error {
	if index < 0 {
		return fmt.Errorf("%w: content %s", core.ErrNotFound, contentID)
	}
	return fmt.Errorf("%w: content %s chunk %d", core.ErrNotFound, contentID, index)
}
