package gateway

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/emberchat/relay/internal/domain"
)

var (
	// ErrNotData reports a frame that carries no chat payload (ping, pong,
	// close, or an unrecognized opcode).
	ErrNotData = errors.New("frame carries no message payload")

	// ErrShortFrame reports a binary frame too small for its length prefix.
	ErrShortFrame = errors.New("binary frame shorter than declared payload")
)

// FrameKind classifies one transport frame.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
	FramePing
	FramePong
	FrameClose
	FrameUnknown
)

// Frame is a raw transport frame before payload decoding.
type Frame struct {
	Kind FrameKind
	Data []byte
}

func kindOf(messageType int) FrameKind {
	switch messageType {
	case websocket.TextMessage:
		return FrameText
	case websocket.BinaryMessage:
		return FrameBinary
	case websocket.PingMessage:
		return FramePing
	case websocket.PongMessage:
		return FramePong
	case websocket.CloseMessage:
		return FrameClose
	default:
		return FrameUnknown
	}
}

// DecodeMessage extracts the chat message from a text or binary frame.
// Text frames carry bare JSON; binary frames carry a 4-byte big-endian
// payload length followed by the JSON bytes, with any trailing bytes
// ignored. Non-data frames return ErrNotData.
func DecodeMessage(f Frame) (domain.ChatMessage, error) {
	var payload []byte
	switch f.Kind {
	case FrameText:
		payload = f.Data
	case FrameBinary:
		var err error
		payload, err = unwrapBinary(f.Data)
		if err != nil {
			return domain.ChatMessage{}, err
		}
	default:
		return domain.ChatMessage{}, ErrNotData
	}

	var msg domain.ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("parsing message: %w", err)
	}
	return msg, nil
}

// EncodeText serializes a message for a text frame.
func EncodeText(msg domain.ChatMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// EncodeBinary serializes a message with the length-prefixed binary framing.
func EncodeBinary(msg domain.ChatMessage) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

func unwrapBinary(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrShortFrame
	}
	n := binary.BigEndian.Uint32(data)
	if uint32(len(data)-4) < n {
		return nil, ErrShortFrame
	}
	return data[4 : 4+n], nil
}
