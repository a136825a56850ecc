package packet

const (
	TypePing = 0x05
	TypePong = 0x06
)

// Ping is the heartbeat datagram exchanged between sessions.
type Ping struct {
	Type      uint8
	Sequence  uint32
	Timestamp int64
}
