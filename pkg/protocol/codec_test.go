package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netflixpp/meshnode/pkg/chunk"
	"github.com/netflixpp/meshnode/pkg/core"
)

func TestEncodeBaseGrammar(t *testing.T) {
	tests := []struct {
		msg  Message
		want string
	}{
		{Hello{Identity{DeviceName: "Living Room TV"}}, "HELLO|Living Room TV"},
		{Welcome{Identity{DeviceName: "phone"}}, "WELCOME|phone"},
		{Announce{ContentIDs: []string{"movie-42", "", "show-7"}}, "ANNOUNCE|movie-42,show-7"},
		{RequestChunk{ContentID: "movie-42", Index: 2}, "REQUEST_CHUNK|movie-42|2"},
		{ChunkData{ContentID: "m", Index: 0, Payload: []byte("hi")}, "CHUNK_DATA|m|0|aGk="},
		{Goodbye{}, "GOODBYE"},
		{Ping{Nonce: "n1"}, "PING|n1"},
		{Pong{Nonce: "n1"}, "PONG|n1"},
	}
	for _, tt := range tests {
		t.Run(string(tt.msg.Type()), func(t *testing.T) {
			got, err := Encode(tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandshakeExtensionFields(t *testing.T) {
	hello := Hello{Identity{DeviceName: "laptop", NodeID: "abc", DeviceClass: "desktop", ListenPort: 8088}}
	line, err := Encode(hello)
	require.NoError(t, err)
	assert.Equal(t, "HELLO|laptop|abc|desktop|8088", line)

	msg, err := Parse(line + "\n")
	require.NoError(t, err)
	assert.Equal(t, hello, msg)

	_, err = Parse("HELLO|laptop|abc")
	assert.ErrorIs(t, err, core.ErrProtocolParse)
	_, err = Parse("WELCOME|tv|id|tv|99999")
	assert.ErrorIs(t, err, core.ErrProtocolParse)
}

func TestParseBaseGrammar(t *testing.T) {
	msg, err := Parse("ANNOUNCE|a, b,,c\r\n")
	require.NoError(t, err)
	assert.Equal(t, Announce{ContentIDs: []string{"a", "b", "c"}}, msg)

	msg, err = Parse("REQUEST_CHUNK|movie-42|1")
	require.NoError(t, err)
	assert.Equal(t, RequestChunk{ContentID: "movie-42", Index: 1}, msg)

	msg, err = Parse("GOODBYE")
	require.NoError(t, err)
	assert.Equal(t, Goodbye{}, msg)
}

func TestChunkDataCarriesChecksum(t *testing.T) {
	payload := []byte{0, 1, 2, 255, '|', '\n'}
	in := ChunkData{ContentID: "m", Index: 3, Payload: payload, Checksum: chunk.Hash(payload)}
	line, err := Encode(in)
	require.NoError(t, err)

	out, err := Parse(line)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// The checksum field is optional.
	out, err = Parse("CHUNK_DATA|m|3|AAEC")
	require.NoError(t, err)
	assert.Empty(t, out.(ChunkData).Checksum)
	assert.Equal(t, []byte{0, 1, 2}, out.(ChunkData).Payload)
}

func TestParseRejectsMalformedLines(t *testing.T) {
	for _, line := range []string{
		"",
		"HELLO",
		"ANNOUNCE",
		"REQUEST_CHUNK|m",
		"REQUEST_CHUNK|m|-1",
		"REQUEST_CHUNK|m|one",
		"REQUEST_CHUNK||1",
		"CHUNK_DATA|m|0",
		"CHUNK_DATA|m|0|not base64!",
		"CHUNK_DATA|m|0|AAEC|nothex",
		"PING",
		"PONG|",
	} {
		t.Run(line, func(t *testing.T) {
			_, err := Parse(line)
			require.ErrorIs(t, err, core.ErrProtocolParse)
			assert.False(t, IsUnknown(err))
		})
	}
}

func TestParseUnknownType(t *testing.T) {
	_, err := Parse("SUBSCRIBE|movie-42")
	require.ErrorIs(t, err, ErrUnknownMessage)
	assert.ErrorIs(t, err, core.ErrProtocolParse)
	assert.True(t, IsUnknown(err))
}

func TestEncodeRejectsReservedCharacters(t *testing.T) {
	_, err := Encode(Hello{Identity{DeviceName: "a|b"}})
	assert.ErrorIs(t, err, core.ErrProtocolParse)
	_, err = Encode(RequestChunk{ContentID: "x\ny"})
	assert.ErrorIs(t, err, core.ErrProtocolParse)
}
