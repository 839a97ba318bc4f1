package overlay

import "fmt"

// Frame types carried on the stream DataChannel. The datagram channel carries
// raw payloads with no framing.
const (
	frameData byte = 0x01 // stream payload bytes
	frameEOF  byte = 0x02 // half-close: no more data in this direction
)

// maxFramePayload bounds the payload of one stream frame. Kept well under
// typical SCTP message limits.
const maxFramePayload = 16 * 1024

// encodeFrame serializes a frame: Type(1) + payload.
func encodeFrame(typ byte, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = typ
	copy(buf[1:], payload)
	return buf
}

// decodeFrame splits a received frame into type and payload. The payload
// aliases data; callers copy if they retain it.
func decodeFrame(data []byte) (byte, []byte, error) {
	if len(data) < 1 {
		return 0, nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	return data[0], data[1:], nil
}
