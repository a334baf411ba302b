// Package protocol implements the line-oriented mesh wire format.
//
// Every message is one UTF-8 line of pipe separated fields terminated by
// '\n'. The leading field names the message type.
package protocol

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/netflixpp/meshnode/pkg/core"
)

const (
	fieldSep = "|"
	listSep  = ","
)

// ErrUnknownMessage is returned by Parse for an unrecognised leading token.
var ErrUnknownMessage = fmt.Errorf("%w: unknown message type", core.ErrProtocolParse)

// IsUnknown reports whether err came from an unrecognised message type.
func IsUnknown(err error) bool {
	return errors.Is(err, ErrUnknownMessage)
}

// ValidContentID rejects content ids that cannot travel in ANNOUNCE,
// REQUEST_CHUNK or CHUNK_DATA fields.
func ValidContentID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty content id", core.ErrProtocolParse)
	}
	if strings.ContainsAny(id, "|,\r\n") {
		return fmt.Errorf("%w: content id %q contains a reserved character", core.ErrProtocolParse, id)
	}
	return nil
}

// Encode renders msg as a wire line without the trailing newline.
func Encode(msg Message) (string, error) {
	var fields []string
	switch m := msg.(type) {
	case Hello:
		fields = identityFields(TypeHello, m.Identity)
	case *Hello:
		fields = identityFields(TypeHello, m.Identity)
	case Welcome:
		fields = identityFields(TypeWelcome, m.Identity)
	case *Welcome:
		fields = identityFields(TypeWelcome, m.Identity)
	case Announce:
		return encodeAnnounce(m)
	case *Announce:
		return encodeAnnounce(*m)
	case RequestChunk:
		fields = []string{string(TypeRequestChunk), m.ContentID, strconv.Itoa(m.Index)}
	case *RequestChunk:
		fields = []string{string(TypeRequestChunk), m.ContentID, strconv.Itoa(m.Index)}
	case ChunkData:
		fields = chunkDataFields(m)
	case *ChunkData:
		fields = chunkDataFields(*m)
	case Goodbye, *Goodbye:
		fields = []string{string(TypeGoodbye)}
	case Ping:
		fields = []string{string(TypePing), m.Nonce}
	case *Ping:
		fields = []string{string(TypePing), m.Nonce}
	case Pong:
		fields = []string{string(TypePong), m.Nonce}
	case *Pong:
		fields = []string{string(TypePong), m.Nonce}
	default:
		return "", fmt.Errorf("%w: cannot encode %T", core.ErrProtocolParse, msg)
	}

	for _, f := range fields[1:] {
		if strings.ContainsAny(f, "|\r\n") {
			return "", fmt.Errorf("%w: %s field %q contains a reserved character",
				core.ErrProtocolParse, fields[0], f)
		}
	}
	return strings.Join(fields, fieldSep), nil
}

func identityFields(t MessageType, id Identity) []string {
	fields := []string{string(t), id.DeviceName}
	if id.NodeID == "" && id.DeviceClass == "" && id.ListenPort == 0 {
		return fields
	}
	return append(fields, id.NodeID, id.DeviceClass, strconv.Itoa(id.ListenPort))
}

func encodeAnnounce(m Announce) (string, error) {
	ids := make([]string, 0, len(m.ContentIDs))
	for _, id := range m.ContentIDs {
		if id == "" {
			continue
		}
		if err := ValidContentID(id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	return string(TypeAnnounce) + fieldSep + strings.Join(ids, listSep), nil
}

func chunkDataFields(m ChunkData) []string {
	fields := []string{
		string(TypeChunkData),
		m.ContentID,
		strconv.Itoa(m.Index),
		base64.StdEncoding.EncodeToString(m.Payload),
	}
	if m.Checksum != "" {
		fields = append(fields, m.Checksum)
	}
	return fields
}

// Parse decodes one wire line. A trailing "\n" or "\r\n" is tolerated.
// Every error wraps core.ErrProtocolParse.
func Parse(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, fmt.Errorf("%w: empty line", core.ErrProtocolParse)
	}
	fields := strings.Split(line, fieldSep)

	switch MessageType(fields[0]) {
	case TypeHello:
		id, err := parseIdentity(fields)
		if err != nil {
			return nil, err
		}
		return Hello{Identity: id}, nil
	case TypeWelcome:
		id, err := parseIdentity(fields)
		if err != nil {
			return nil, err
		}
		return Welcome{Identity: id}, nil
	case TypeAnnounce:
		if len(fields) < 2 {
			return nil, malformed(fields[0], "missing content list")
		}
		var ids []string
		for _, id := range strings.Split(fields[1], listSep) {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		return Announce{ContentIDs: ids}, nil
	case TypeRequestChunk:
		if len(fields) < 3 {
			return nil, malformed(fields[0], "want content id and chunk index")
		}
		if fields[1] == "" {
			return nil, malformed(fields[0], "empty content id")
		}
		idx, err := parseIndex(fields[0], fields[2])
		if err != nil {
			return nil, err
		}
		return RequestChunk{ContentID: fields[1], Index: idx}, nil
	case TypeChunkData:
		return parseChunkData(fields)
	case TypeGoodbye:
		return Goodbye{}, nil
	case TypePing, TypePong:
		if len(fields) < 2 || fields[1] == "" {
			return nil, malformed(fields[0], "missing nonce")
		}
		if fields[0] == string(TypePing) {
			return Ping{Nonce: fields[1]}, nil
		}
		return Pong{Nonce: fields[1]}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, truncate(fields[0], 32))
	}
}

func parseIdentity(fields []string) (Identity, error) {
	if len(fields) < 2 {
		return Identity{}, malformed(fields[0], "missing device name")
	}
	id := Identity{DeviceName: fields[1]}
	if len(fields) == 2 {
		return id, nil
	}
	if len(fields) < 5 {
		return Identity{}, malformed(fields[0], "want node id, device class and listen port")
	}
	id.NodeID = fields[2]
	id.DeviceClass = fields[3]
	if fields[4] != "" {
		port, err := strconv.Atoi(fields[4])
		if err != nil || port < 0 || port > 65535 {
			return Identity{}, malformed(fields[0], "bad listen port "+fields[4])
		}
		id.ListenPort = port
	}
	return id, nil
}

func parseChunkData(fields []string) (Message, error) {
	if len(fields) < 4 {
		return nil, malformed(fields[0], "want content id, chunk index and payload")
	}
	if fields[1] == "" {
		return nil, malformed(fields[0], "empty content id")
	}
	idx, err := parseIndex(fields[0], fields[2])
	if err != nil {
		return nil, err
	}
	payload, err := base64.StdEncoding.DecodeString(fields[3])
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", core.ErrProtocolParse, fields[0], err)
	}
	msg := ChunkData{ContentID: fields[1], Index: idx, Payload: payload}
	if len(fields) > 4 && fields[4] != "" {
		sum := strings.ToLower(fields[4])
		if b, err := hex.DecodeString(sum); err != nil || len(b) != 32 {
			return nil, malformed(fields[0], "bad checksum")
		}
		msg.Checksum = sum
	}
	return msg, nil
}

func parseIndex(t, s string) (int, error) {
	idx, err := strconv.Atoi(s)
	if err != nil || idx < 0 {
		return 0, malformed(t, "bad chunk index "+truncate(s, 16))
	}
	return idx, nil
}

func malformed(t, detail string) error {
	return fmt.Errorf("%w: malformed %s: %s", core.ErrProtocolParse, t, detail)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
