package core

import "errors"

// Error taxonomy shared by every mesh component. Callers wrap these with
// fmt.Errorf("%w: ...") and match them with errors.Is.
var (
	ErrProtocolParse    = errors.New("protocol parse error")
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrChunkIntegrity   = errors.New("chunk integrity check failed")
	ErrTransport        = errors.New("transport error")
	ErrInvalidState     = errors.New("invalid state")
	ErrConfiguration    = errors.New("invalid configuration")

	ErrNotFound         = errors.New("not found")
	ErrNodeNotRunning   = errors.New("mesh node is not running")
	ErrPeerLimit        = errors.New("peer connection limit reached")
	ErrChunkTimeout     = errors.New("chunk request timed out")
	ErrConnectionClosed = errors.New("connection closed")
)
