package mqttctl

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rapidaai/bridge/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceIDFromTopic(t *testing.T) {
	tests := []struct {
		topic    string
		wantID   string
		wantOK   bool
	}{
		{"device/dev-001/wake", "dev-001", true},
		{"device/dev-001/config/ack", "dev-001", true},
		{"device//wake", "", false},
		{"not-a-device-topic", "", false},
		{"device/dev-001", "", false},
	}

	for _, tt := range tests {
		id, ok := deviceIDFromTopic(tt.topic)
		assert.Equal(t, tt.wantOK, ok, tt.topic)
		if tt.wantOK {
			assert.Equal(t, tt.wantID, id, tt.topic)
		}
	}
}

func TestDeviceTopic(t *testing.T) {
	assert.Equal(t, "device/dev-001/wake/ack", deviceTopic("dev-001", wakeAckSuffix))
	assert.Equal(t, "device/dev-001/transcript", deviceTopic("dev-001", transcriptSuffix))
}

func TestConfigAckTracker_TrackThenClear(t *testing.T) {
	v := clock.NewVirtual(time.Unix(0, 0))
	tracker := newConfigAckTracker(v, time.Minute)

	assert.False(t, tracker.Pending("dev-1"))

	tracker.Track("dev-1", ConfigPayload{})
	assert.True(t, tracker.Pending("dev-1"))

	assert.True(t, tracker.Clear("dev-1"))
	assert.False(t, tracker.Pending("dev-1"))
}

func TestConfigAckTracker_ExpiresAfterTTL(t *testing.T) {
	v := clock.NewVirtual(time.Unix(0, 0))
	tracker := newConfigAckTracker(v, 10*time.Millisecond)

	tracker.Track("dev-1", ConfigPayload{})
	assert.True(t, tracker.Pending("dev-1"))

	v.Advance(20 * time.Millisecond)
	assert.False(t, tracker.Pending("dev-1"))
}

func TestConfigAckTracker_ClearWithoutTrackReturnsFalse(t *testing.T) {
	v := clock.NewVirtual(time.Unix(0, 0))
	tracker := newConfigAckTracker(v, time.Minute)

	assert.False(t, tracker.Clear("never-tracked"))
}

func TestWakePayload_ParsesOptionsAndProtocolVersion(t *testing.T) {
	raw := []byte(`{"wake_reason":"voice_wake","protocol_version":3,"options":{"record":true}}`)

	var payload WakePayload
	require.NoError(t, json.Unmarshal(raw, &payload))

	assert.Equal(t, "voice_wake", payload.WakeReason)
	assert.Equal(t, 3, payload.ProtocolVersion)
	assert.True(t, payload.Options.Record)
}

func TestWakePayload_DefaultsRecordFalseWhenOptionsOmitted(t *testing.T) {
	raw := []byte(`{"wake_reason":"voice_wake"}`)

	var payload WakePayload
	require.NoError(t, json.Unmarshal(raw, &payload))

	assert.False(t, payload.Options.Record)
	assert.Equal(t, 0, payload.ProtocolVersion)
}
