package protocol

// MessageType is the leading token of a wire line.
type MessageType string

const (
	TypeHello        MessageType = "HELLO"
	TypeWelcome      MessageType = "WELCOME"
	TypeAnnounce     MessageType = "ANNOUNCE"
	TypeRequestChunk MessageType = "REQUEST_CHUNK"
	TypeChunkData    MessageType = "CHUNK_DATA"
	TypeGoodbye      MessageType = "GOODBYE"
	TypePing         MessageType = "PING"
	TypePong         MessageType = "PONG"
)

// Message is implemented only by the types in this package.
type Message interface {
	Type() MessageType
	isMessage()
}

// Identity is the handshake payload shared by HELLO and WELCOME. Everything
// except DeviceName is optional on the wire.
type Identity struct {
	DeviceName  string
	NodeID      string
	DeviceClass string
	ListenPort  int
}

// Hello opens a handshake from the dialing side.
type Hello struct {
	Identity
}

// Welcome answers a Hello.
type Welcome struct {
	Identity
}

// Announce advertises the content ids a node can serve.
type Announce struct {
	ContentIDs []string
}

type RequestChunk struct {
	ContentID string
	Index     int
}

// ChunkData carries one chunk payload. Checksum is the optional SHA-256 hex
// digest of Payload.
type ChunkData struct {
	ContentID string
	Index     int
	Payload   []byte
	Checksum  string
}

type Goodbye struct{}

// Ping and Pong measure round-trip latency. The nonce is echoed back.
type Ping struct {
	Nonce string
}

type Pong struct {
	Nonce string
}

func (Hello) Type() MessageType        { return TypeHello }
func (Welcome) Type() MessageType      { return TypeWelcome }
func (Announce) Type() MessageType     { return TypeAnnounce }
func (RequestChunk) Type() MessageType { return TypeRequestChunk }
func (ChunkData) Type() MessageType    { return TypeChunkData }
func (Goodbye) Type() MessageType      { return TypeGoodbye }
func (Ping) Type() MessageType         { return TypePing }
func (Pong) Type() MessageType         { return TypePong }

func (Hello) isMessage()        {}
func (Welcome) isMessage()      {}
func (Announce) isMessage()     {}
func (RequestChunk) isMessage() {}
func (ChunkData) isMessage()    {}
func (Goodbye) isMessage()      {}
func (Ping) isMessage()         {}
func (Pong) isMessage()         {}
