package gateway

import (
	"bytes"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zlib"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// decodeFrame turns one websocket message into a payload. Binary messages
// are zlib-compressed JSON.
func decodeFrame(messageType int, message []byte) (*Payload, error) {
	var reader io.Reader = bytes.NewReader(message)

	if messageType == websocket.BinaryMessage {
		z, err := zlib.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("inflate frame: %w", err)
		}
		defer z.Close()
		reader = z
	}

	var p Payload
	if err := json.NewDecoder(reader).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &p, nil
}

func encodeFrame(op Opcode, data any) ([]byte, error) {
	b, err := json.Marshal(outbound{Op: op, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode op %d: %w", op, err)
	}
	return b, nil
}

// heartbeatFrame carries the last seen sequence, or null before the first
// dispatch.
func heartbeatFrame(seq int64) []byte {
	if seq <= 0 {
		return []byte(`{"op":1,"d":null}`)
	}
	b, _ := encodeFrame(OpHeartbeat, seq)
	return b
}
