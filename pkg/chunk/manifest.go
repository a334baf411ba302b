package chunk

import (
	"fmt"

	"github.com/netflixpp/meshnode/pkg/core"
)

// Manifest describes a content's chunk layout without carrying payloads.
type Manifest struct {
	ContentID  string   `json:"content_id" yaml:"content_id"`
	TotalBytes int64    `json:"total_bytes" yaml:"total_bytes"`
	ChunkSize  int      `json:"chunk_size" yaml:"chunk_size"`
	Checksums  []string `json:"checksums" yaml:"checksums"`
}

// NewManifest builds a manifest from a complete, ordered chunk set.
func NewManifest(contentID string, chunkSize int, chunks []Chunk) Manifest {
	m := Manifest{
		ContentID: contentID,
		ChunkSize: chunkSize,
		Checksums: make([]string, len(chunks)),
	}
	for _, c := range chunks {
		m.TotalBytes += int64(c.Size)
		if c.Index >= 0 && c.Index < len(chunks) {
			m.Checksums[c.Index] = c.Checksum
		}
	}
	return m
}

// TotalChunks is the number of chunks the manifest describes.
func (m Manifest) TotalChunks() int {
	return Count(m.TotalBytes, m.ChunkSize)
}

// Check verifies c against the checksum recorded for its index.
func (m Manifest) Check(c Chunk) error {
	if c.Index < 0 || c.Index >= len(m.Checksums) {
		return fmt.Errorf("%w: content=%s chunk index %d out of range [0,%d)",
			core.ErrChunkIntegrity, m.ContentID, c.Index, len(m.Checksums))
	}
	if want := m.Checksums[c.Index]; want != "" && want != c.Checksum {
		return fmt.Errorf("%w: content=%s chunk=%d checksum %s does not match manifest %s",
			core.ErrChunkIntegrity, m.ContentID, c.Index, c.Checksum, want)
	}
	return Verify(c)
}
