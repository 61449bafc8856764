package echokit

import (
	"testing"

	"github.com/rapidaai/bridge/internal/bridgeerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func encodeRawString(s string) ([]byte, error) {
	return msgpack.Marshal(s)
}

func encodeRawMultiKeyMap() ([]byte, error) {
	return msgpack.Marshal(map[string]interface{}{
		"HelloChunk": []byte{1, 2},
		"AudioChunk": []byte{3, 4},
	})
}

func TestBinaryEvent_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
	}{
		{"hello start", Event{Tag: TagHelloStart}},
		{"hello end", Event{Tag: TagHelloEnd}},
		{"start audio", Event{Tag: TagStartAudio}},
		{"end audio", Event{Tag: TagEndAudio}},
		{"end response", Event{Tag: TagEndResponse}},
		{"asr start", Event{Tag: TagASRStart}},
		{"asr end", Event{Tag: TagASREnd}},
		{"response text start", Event{Tag: TagResponseTextStart}},
		{"response text end", Event{Tag: TagResponseTextEnd}},
		{"hello chunk", Event{Tag: TagHelloChunk, HelloChunk: []byte{1, 2, 3, 4}}},
		{"audio chunk", Event{Tag: TagAudioChunk, AudioChunk: []byte{5, 6, 7, 8, 9}}},
		{"empty audio chunk", Event{Tag: TagAudioChunk, AudioChunk: []byte{}}},
		{"asr chunk", Event{Tag: TagASRChunk, ASRResults: []ASRResult{
			{Text: "hello", Confidence: 0.92, IsFinal: false},
			{Text: "hello world", Confidence: 0.98, IsFinal: true},
		}}},
		{"response text chunk", Event{Tag: TagResponseTextChunk, ResponseText: &ResponseText{Text: "hi there", Delta: "there"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeBinary(tt.ev)
			require.NoError(t, err)

			decoded, err := DecodeBinary(encoded)
			require.NoError(t, err)

			assert.Equal(t, tt.ev.Tag, decoded.Tag)
			assert.Equal(t, tt.ev.HelloChunk, decoded.HelloChunk)
			assert.Equal(t, tt.ev.AudioChunk, decoded.AudioChunk)
			assert.Equal(t, tt.ev.ASRResults, decoded.ASRResults)
			assert.Equal(t, tt.ev.ResponseText, decoded.ResponseText)
		})
	}
}

func TestDecodeBinary_UnrecognizedBareTagIsProtocolViolation(t *testing.T) {
	encoded, err := EncodeBinary(Event{Tag: TagHelloStart})
	require.NoError(t, err)
	_ = encoded

	raw, err := encodeRawString("SomeUnknownTag")
	require.NoError(t, err)

	_, err = DecodeBinary(raw)
	require.Error(t, err)
	assert.ErrorIs(t, err, bridgeerr.ErrProtocolViolation)
}

func TestDecodeBinary_MultiKeyMapIsProtocolViolation(t *testing.T) {
	raw, err := encodeRawMultiKeyMap()
	require.NoError(t, err)

	_, err = DecodeBinary(raw)
	require.Error(t, err)
	assert.ErrorIs(t, err, bridgeerr.ErrProtocolViolation)
}

func TestDecodeBinary_TruncatedFrameIsProtocolViolation(t *testing.T) {
	_, err := DecodeBinary([]byte{0xc1}) // msgpack "never used" byte
	require.Error(t, err)
	assert.ErrorIs(t, err, bridgeerr.ErrProtocolViolation)
}

func TestEncodeText_ControlMessages(t *testing.T) {
	data, err := EncodeText(NewSessionUpdate("sess-123"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"session.update"`)
	assert.Contains(t, string(data), `"session_id":"sess-123"`)

	data, err = EncodeText(NewInputAudioBufferCommit())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"input_audio_buffer.commit"}`, string(data))

	data, err = EncodeText(NewResponseCreate())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"response.create"}`, string(data))
}
