package chunk

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netflixpp/meshnode/pkg/core"
)

func randomBytes(t *testing.T, n int, seed int64) []byte {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	r.Read(b)
	return b
}

func TestSplitMergeRoundTrip(t *testing.T) {
	sizes := []int{1, 7, 64, 100, 1000}
	lengths := []int{1, 5, 63, 64, 65, 999, 1000, 4096}

	for _, size := range sizes {
		for _, n := range lengths {
			data := randomBytes(t, n, int64(size*n))
			chunks, err := Split("c", data, size)
			require.NoError(t, err)
			require.Len(t, chunks, Count(int64(n), size))

			out, err := Merge(chunks)
			require.NoError(t, err)
			if !bytes.Equal(data, out) {
				t.Fatalf("round trip mismatch for size=%d len=%d", size, n)
			}
		}
	}
}

func TestSplitEmptyInput(t *testing.T) {
	chunks, err := Split("empty", nil, 16)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	out, err := Merge(chunks)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSplitRejectsNonPositiveSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		_, err := Split("c", []byte("abc"), size)
		require.ErrorIs(t, err, core.ErrConfiguration)
	}
}

func TestSplitLastChunkSize(t *testing.T) {
	chunks, err := Split("c", make([]byte, 25), 10)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, 10, chunks[0].Size)
	assert.Equal(t, 5, chunks[2].Size)
	assert.Equal(t, 5, SizeAt(25, 10, 2))

	chunks, err = Split("c", make([]byte, 30), 10)
	require.NoError(t, err)
	assert.Equal(t, 10, chunks[2].Size)
	assert.Equal(t, 10, SizeAt(30, 10, 2))
}

func TestIdenticalBytesHashIdentically(t *testing.T) {
	a, err := Split("a", []byte("same payload"), 4)
	require.NoError(t, err)
	b, err := Split("b", []byte("same payload"), 4)
	require.NoError(t, err)
	for i := range a {
		assert.Equal(t, a[i].Checksum, b[i].Checksum)
	}
}

func TestMergeMissingIndexFails(t *testing.T) {
	data := randomBytes(t, 50, 1)
	chunks, err := Split("c", data, 10)
	require.NoError(t, err)

	for missing := range chunks {
		partial := append(append([]Chunk{}, chunks[:missing]...), chunks[missing+1:]...)
		out, err := Merge(partial)
		require.ErrorIs(t, err, core.ErrChunkIntegrity, "missing index %d", missing)
		assert.Nil(t, out)
	}
}

func TestMergeDuplicateIndexFails(t *testing.T) {
	chunks, err := Split("c", randomBytes(t, 30, 2), 10)
	require.NoError(t, err)
	chunks[2] = chunks[1]

	_, err = Merge(chunks)
	require.ErrorIs(t, err, core.ErrChunkIntegrity)
}

func TestMergeDetectsEveryByteFlip(t *testing.T) {
	data := randomBytes(t, 40, 3)
	chunks, err := Split("c", data, 8)
	require.NoError(t, err)

	for ci := range chunks {
		for bi := range chunks[ci].Payload {
			tampered := make([]Chunk, len(chunks))
			copy(tampered, chunks)
			payload := append([]byte(nil), chunks[ci].Payload...)
			payload[bi] ^= 0x01
			tampered[ci].Payload = payload

			out, err := Merge(tampered)
			require.ErrorIs(t, err, core.ErrChunkIntegrity)
			require.Nil(t, out)
		}
	}
}

func TestMergeAcceptsShuffledOrder(t *testing.T) {
	data := randomBytes(t, 33, 4)
	chunks, err := Split("c", data, 10)
	require.NoError(t, err)
	chunks[0], chunks[3] = chunks[3], chunks[0]

	out, err := Merge(chunks)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestManifestCheck(t *testing.T) {
	chunks, err := Split("movie", []byte("0123456789abcdef"), 5)
	require.NoError(t, err)
	m := NewManifest("movie", 5, chunks)

	assert.Equal(t, int64(16), m.TotalBytes)
	assert.Equal(t, 4, m.TotalChunks())
	require.NoError(t, m.Check(chunks[1]))

	forged := chunks[1]
	forged.Payload = []byte("XXXXX")
	forged.Checksum = Hash(forged.Payload)
	require.ErrorIs(t, m.Check(forged), core.ErrChunkIntegrity)

	outOfRange := chunks[0]
	outOfRange.Index = 9
	require.ErrorIs(t, m.Check(outOfRange), core.ErrChunkIntegrity)
}
