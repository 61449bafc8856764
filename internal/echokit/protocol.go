// Package echokit implements the EchoKit Client Pool (spec.md §4.3): one
// WebSocket association per active session, a text/binary tagged-event
// codec, and the client state machine that drives session lifecycle.
package echokit

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/rapidaai/bridge/internal/bridgeerr"
	"github.com/vmihailenco/msgpack/v5"
)

// Tag identifies a binary-frame event per spec.md §6. Bare-string tags
// carry no payload; the rest are single-key maps.
type Tag string

const (
	TagHelloStart        Tag = "HelloStart"
	TagHelloEnd          Tag = "HelloEnd"
	TagStartAudio        Tag = "StartAudio"
	TagEndAudio          Tag = "EndAudio"
	TagEndResponse       Tag = "EndResponse"
	TagASRStart          Tag = "ASRStart"
	TagASREnd            Tag = "ASREnd"
	TagResponseTextStart Tag = "ResponseTextStart"
	TagResponseTextEnd   Tag = "ResponseTextEnd"

	TagHelloChunk        Tag = "HelloChunk"
	TagAudioChunk        Tag = "AudioChunk"
	TagASRChunk          Tag = "ASRChunk"
	TagResponseTextChunk Tag = "ResponseTextChunk"
)

var bareTags = map[Tag]bool{
	TagHelloStart:        true,
	TagHelloEnd:          true,
	TagStartAudio:        true,
	TagEndAudio:          true,
	TagEndResponse:       true,
	TagASRStart:          true,
	TagASREnd:            true,
	TagResponseTextStart: true,
	TagResponseTextEnd:   true,
}

// ASRResult is one element of an ASRChunk event's payload.
type ASRResult struct {
	Text       string  `msgpack:"text"`
	Confidence float64 `msgpack:"confidence"`
	IsFinal    bool    `msgpack:"is_final"`
}

// ResponseText is the payload of a ResponseTextChunk event.
type ResponseText struct {
	Text  string `msgpack:"text"`
	Delta string `msgpack:"delta"`
}

// Event is the tagged event enumeration produced by DecodeBinary and
// consumed by EncodeBinary. Inbound text frames are not decoded into an
// Event; the client ignores them. Only the field matching Tag is populated.
type Event struct {
	Tag          Tag
	HelloChunk   []byte
	AudioChunk   []byte
	ASRResults   []ASRResult
	ResponseText *ResponseText
}

// EncodeBinary serializes e as a MessagePack binary frame. Encode/Decode
// form a bijection on the recognized tag set (spec.md §8 round-trip law).
func EncodeBinary(e Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if bareTags[e.Tag] {
		if err := enc.EncodeString(string(e.Tag)); err != nil {
			return nil, fmt.Errorf("echokit: encode %s: %w", e.Tag, err)
		}
		return buf.Bytes(), nil
	}

	switch e.Tag {
	case TagHelloChunk:
		if err := encodeSingleKeyBytes(enc, e.Tag, e.HelloChunk); err != nil {
			return nil, err
		}
	case TagAudioChunk:
		if err := encodeSingleKeyBytes(enc, e.Tag, e.AudioChunk); err != nil {
			return nil, err
		}
	case TagASRChunk:
		if err := enc.EncodeMapLen(1); err != nil {
			return nil, err
		}
		if err := enc.EncodeString(string(e.Tag)); err != nil {
			return nil, err
		}
		if err := enc.Encode(e.ASRResults); err != nil {
			return nil, fmt.Errorf("echokit: encode %s: %w", e.Tag, err)
		}
	case TagResponseTextChunk:
		if err := enc.EncodeMapLen(1); err != nil {
			return nil, err
		}
		if err := enc.EncodeString(string(e.Tag)); err != nil {
			return nil, err
		}
		if err := enc.Encode(e.ResponseText); err != nil {
			return nil, fmt.Errorf("echokit: encode %s: %w", e.Tag, err)
		}
	default:
		return nil, fmt.Errorf("echokit: encode: unknown tag %q", e.Tag)
	}

	return buf.Bytes(), nil
}

func encodeSingleKeyBytes(enc *msgpack.Encoder, tag Tag, payload []byte) error {
	if err := enc.EncodeMapLen(1); err != nil {
		return err
	}
	if err := enc.EncodeString(string(tag)); err != nil {
		return err
	}
	if err := enc.EncodeBytes(payload); err != nil {
		return fmt.Errorf("echokit: encode %s: %w", tag, err)
	}
	return nil
}

// DecodeBinary parses a MessagePack binary frame into an Event. Unrecognized
// tags and malformed payloads return ErrProtocolViolation — the caller drops
// the frame and continues the session (spec.md §7).
func DecodeBinary(data []byte) (Event, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	v, err := dec.DecodeInterface()
	if err != nil {
		return Event{}, fmt.Errorf("echokit: %w: decode binary event: %v", bridgeerr.ErrProtocolViolation, err)
	}

	switch t := v.(type) {
	case string:
		tag := Tag(t)
		if !bareTags[tag] {
			return Event{}, fmt.Errorf("echokit: %w: unrecognized bare tag %q", bridgeerr.ErrProtocolViolation, tag)
		}
		return Event{Tag: tag}, nil

	case map[string]interface{}:
		if len(t) != 1 {
			return Event{}, fmt.Errorf("echokit: %w: expected single-key tagged event, got %d keys", bridgeerr.ErrProtocolViolation, len(t))
		}
		for key, val := range t {
			return decodeKeyedEvent(Tag(key), val)
		}
		return Event{}, fmt.Errorf("echokit: %w: empty tagged event", bridgeerr.ErrProtocolViolation)

	default:
		return Event{}, fmt.Errorf("echokit: %w: unexpected top-level type %T", bridgeerr.ErrProtocolViolation, v)
	}
}

func decodeKeyedEvent(tag Tag, val interface{}) (Event, error) {
	switch tag {
	case TagHelloChunk, TagAudioChunk:
		b, ok := val.([]byte)
		if !ok {
			return Event{}, fmt.Errorf("echokit: %w: %s payload is not bytes", bridgeerr.ErrProtocolViolation, tag)
		}
		if tag == TagHelloChunk {
			return Event{Tag: tag, HelloChunk: b}, nil
		}
		return Event{Tag: tag, AudioChunk: b}, nil

	case TagASRChunk:
		var results []ASRResult
		if err := reencode(val, &results); err != nil {
			return Event{}, fmt.Errorf("echokit: %w: decode ASRChunk: %v", bridgeerr.ErrProtocolViolation, err)
		}
		return Event{Tag: tag, ASRResults: results}, nil

	case TagResponseTextChunk:
		var rt ResponseText
		if err := reencode(val, &rt); err != nil {
			return Event{}, fmt.Errorf("echokit: %w: decode ResponseTextChunk: %v", bridgeerr.ErrProtocolViolation, err)
		}
		return Event{Tag: tag, ResponseText: &rt}, nil

	default:
		return Event{}, fmt.Errorf("echokit: %w: unrecognized keyed tag %q", bridgeerr.ErrProtocolViolation, tag)
	}
}

// reencode round-trips a generically-decoded value through MessagePack into
// a concrete Go type, since DecodeInterface has no static target type to
// decode directly into.
func reencode(val interface{}, target interface{}) error {
	raw, err := msgpack.Marshal(val)
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(raw, target)
}

// AudioFormat advertises PCM parameters during the handshake (spec.md
// §4.3: "16 kHz / 16-bit signed PCM / mono").
type AudioFormat struct {
	SampleRate int    `json:"sample_rate"`
	BitDepth   int    `json:"bit_depth"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
}

// DefaultAudioFormat is the fixed frame format of spec.md §3.
var DefaultAudioFormat = AudioFormat{SampleRate: 16000, BitDepth: 16, Channels: 1, Encoding: "pcm_s16le"}

// SessionUpdate is the JSON control message that opens a session with the
// AI service, per spec.md §6 ({"type":"session.update", …}).
type SessionUpdate struct {
	Type        string      `json:"type"`
	SessionID   string      `json:"session_id"`
	AudioFormat AudioFormat `json:"audio_format"`
}

// NewSessionUpdate builds the handshake control message for sessionID.
func NewSessionUpdate(sessionID string) SessionUpdate {
	return SessionUpdate{Type: "session.update", SessionID: sessionID, AudioFormat: DefaultAudioFormat}
}

// InputAudioBufferCommit signals the end of a contiguous audio segment
// ({"type":"input_audio_buffer.commit"}).
type InputAudioBufferCommit struct {
	Type string `json:"type"`
}

// NewInputAudioBufferCommit builds the commit control message.
func NewInputAudioBufferCommit() InputAudioBufferCommit {
	return InputAudioBufferCommit{Type: "input_audio_buffer.commit"}
}

// ResponseCreate requests that the AI service begin producing a response
// ({"type":"response.create"}).
type ResponseCreate struct {
	Type string `json:"type"`
}

// NewResponseCreate builds the response-create control message.
func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: "response.create"}
}

// EncodeText marshals a JSON control message for the text-frame side of the
// channel. The Bridge does not interpret schema beyond the tag it sends
// (spec.md §6).
func EncodeText(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("echokit: encode text control message: %w", err)
	}
	return b, nil
}
