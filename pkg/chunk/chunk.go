// Package chunk splits content into fixed-size, content-addressed chunks and
// reassembles them with integrity checks.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/netflixpp/meshnode/pkg/core"
)

// DefaultSize is the chunk size used when none is configured.
const DefaultSize = 10 * 1024 * 1024

// Chunk is one addressable slice of a content file. Payload is only present
// while the chunk is in flight.
type Chunk struct {
	ContentID string
	Index     int
	Total     int
	Size      int
	Checksum  string
	Payload   []byte
}

// Hash returns the lowercase hex SHA-256 of payload.
func Hash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the checksum of c's payload and compares it with c.Checksum.
func Verify(c Chunk) error {
	if len(c.Payload) != c.Size {
		return fmt.Errorf("%w: content=%s chunk=%d size mismatch: declared %d, got %d",
			core.ErrChunkIntegrity, c.ContentID, c.Index, c.Size, len(c.Payload))
	}
	if got := Hash(c.Payload); got != c.Checksum {
		return fmt.Errorf("%w: content=%s chunk=%d checksum mismatch: expected %s, got %s",
			core.ErrChunkIntegrity, c.ContentID, c.Index, c.Checksum, got)
	}
	return nil
}

// Count returns the number of chunks needed for totalBytes.
func Count(totalBytes int64, chunkSize int) int {
	if totalBytes <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((totalBytes + int64(chunkSize) - 1) / int64(chunkSize))
}

// SizeAt returns the expected size of the chunk at index.
func SizeAt(totalBytes int64, chunkSize int, index int) int {
	n := Count(totalBytes, chunkSize)
	if index < 0 || index >= n {
		return 0
	}
	if index < n-1 {
		return chunkSize
	}
	if rem := int(totalBytes % int64(chunkSize)); rem > 0 {
		return rem
	}
	return chunkSize
}

// Split cuts data into chunks of chunkSize bytes. The final chunk holds the
// remainder. Empty input yields no chunks.
func Split(contentID string, data []byte, chunkSize int) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", core.ErrConfiguration, chunkSize)
	}
	if len(data) == 0 {
		return nil, nil
	}

	total := Count(int64(len(data)), chunkSize)
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		payload := make([]byte, end-start)
		copy(payload, data[start:end])
		chunks = append(chunks, Chunk{
			ContentID: contentID,
			Index:     i,
			Total:     total,
			Size:      len(payload),
			Checksum:  Hash(payload),
			Payload:   payload,
		})
	}
	return chunks, nil
}

// Merge reassembles chunks into the original bytes. Every index in
// [0, Total) must be present exactly once and every checksum must match.
func Merge(chunks []Chunk) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	total := sorted[0].Total
	if len(sorted) != total {
		return nil, fmt.Errorf("%w: content=%s expected %d chunks, got %d",
			core.ErrChunkIntegrity, sorted[0].ContentID, total, len(sorted))
	}

	size := 0
	for i, c := range sorted {
		if c.Total != total || c.ContentID != sorted[0].ContentID {
			return nil, fmt.Errorf("%w: chunk %d does not belong to content %s",
				core.ErrChunkIntegrity, c.Index, sorted[0].ContentID)
		}
		if c.Index != i {
			return nil, fmt.Errorf("%w: content=%s missing chunk %d", core.ErrChunkIntegrity, c.ContentID, i)
		}
		if err := Verify(c); err != nil {
			return nil, err
		}
		size += c.Size
	}

	out := make([]byte, 0, size)
	for _, c := range sorted {
		out = append(out, c.Payload...)
	}
	return out, nil
}
