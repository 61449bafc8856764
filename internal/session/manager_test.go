package session

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rapidaai/bridge/internal/bridgeerr"
	"github.com/rapidaai/bridge/internal/device"
	"github.com/rapidaai/bridge/internal/echokit"
	"github.com/rapidaai/bridge/internal/jitter"
	"github.com/rapidaai/bridge/internal/udpio"
	"github.com/rapidaai/bridge/pkg/clock"
	"github.com/rapidaai/bridge/pkg/commons"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEchoKitServer answers the session.update handshake with
// HelloStart/HelloEnd and nothing else, enough to drive Manager.OpenSession
// through a real *echokit.Client without a live EchoKit service.
type fakeEchoKitServer struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	conns    []*websocket.Conn
}

func newFakeEchoKitServer() *httptest.Server {
	f := &fakeEchoKitServer{}
	srv := httptest.NewServer(http.HandlerFunc(f.handle))
	return srv
}

func (f *fakeEchoKitServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	go func() {
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		helloStart, _ := echokit.EncodeBinary(echokit.Event{Tag: echokit.TagHelloStart})
		helloEnd, _ := echokit.EncodeBinary(echokit.Event{Tag: echokit.TagHelloEnd})
		if err := conn.WriteMessage(websocket.BinaryMessage, helloStart); err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, helloEnd); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func testManagerConfig() Config {
	return Config{
		MaxSessions: 4,
		Jitter: jitter.Config{
			WindowFrames: 8,
			ReleaseDelay: 20 * time.Millisecond,
			IdleTimeout:  time.Hour,
		},
		EchoKit: echokit.Config{
			EgressRingDepth:  16,
			HandshakeTimeout: time.Second,
		},
		CooldownWindow: time.Minute,
		DrainTimeout:   10 * time.Millisecond,
	}
}

type fakePublisher struct {
	mu          sync.Mutex
	wakeAcks    []string
	transcripts []string
	sessionEnds []string
}

func (p *fakePublisher) PublishWakeAck(deviceID, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wakeAcks = append(p.wakeAcks, deviceID)
	return nil
}

func (p *fakePublisher) PublishTranscript(deviceID, text string, isFinal bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transcripts = append(p.transcripts, text)
	return nil
}

func (p *fakePublisher) PublishSessionEnd(deviceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionEnds = append(p.sessionEnds, deviceID)
	return nil
}

type fakeEgress struct {
	mu   sync.Mutex
	sent []udpio.OutboundFrame
	err  error
}

func (e *fakeEgress) Send(f udpio.OutboundFrame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.sent = append(e.sent, f)
	return nil
}

func newTestManager(t *testing.T, srv *httptest.Server) (*Manager, *fakePublisher, *fakeEgress) {
	t.Helper()
	cfg := testManagerConfig()
	cfg.EchoKit.URL = wsURL(srv.URL)

	pub := &fakePublisher{}
	egress := &fakeEgress{}
	devices := device.NewRegistry()
	clk := clock.NewReal()

	m := NewManager(cfg, devices, egress, pub, commons.NewNopLogger(), clk)
	return m, pub, egress
}

func TestManager_OpenSessionPublishesWakeAck(t *testing.T) {
	srv := newFakeEchoKitServer()
	defer srv.Close()

	m, pub, _ := newTestManager(t, srv)

	sess, err := m.OpenSession(context.Background(), "device-1", CauseWake, false)
	require.NoError(t, err)
	require.NotNil(t, sess)

	assert.Equal(t, StateActive, sess.State())
	pub.mu.Lock()
	assert.Equal(t, []string{"device-1"}, pub.wakeAcks)
	pub.mu.Unlock()
	assert.Equal(t, 1, m.Count())
}

func TestManager_OpenSessionConcurrentOpensCollapseToFirst(t *testing.T) {
	srv := newFakeEchoKitServer()
	defer srv.Close()

	m, _, _ := newTestManager(t, srv)

	first, err := m.OpenSession(context.Background(), "device-2", CauseFirstFrame, false)
	require.NoError(t, err)

	second, err := m.OpenSession(context.Background(), "device-2", CauseFirstFrame, false)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, m.Count())
}

func TestManager_OpenSessionRejectsOverMaxSessions(t *testing.T) {
	srv := newFakeEchoKitServer()
	defer srv.Close()

	m, _, _ := newTestManager(t, srv)
	m.cfg.MaxSessions = 1

	_, err := m.OpenSession(context.Background(), "device-a", CauseWake, false)
	require.NoError(t, err)

	_, err = m.OpenSession(context.Background(), "device-b", CauseWake, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, bridgeerr.ErrResourceExhausted)
}

func TestManager_OpenSessionRejectsUnprovisionedDevice(t *testing.T) {
	srv := newFakeEchoKitServer()
	defer srv.Close()

	m, _, _ := newTestManager(t, srv)
	m.devices.SetProvisionList([]string{"device-allowed"})

	_, err := m.OpenSession(context.Background(), "device-unknown", CauseWake, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, bridgeerr.ErrProtocolViolation)
	assert.Equal(t, 0, m.Count())

	sess, err := m.OpenSession(context.Background(), "device-allowed", CauseWake, false)
	require.NoError(t, err)
	require.NotNil(t, sess)
}

func TestManager_IngressFrameUpdatesDeviceEndpoint(t *testing.T) {
	srv := newFakeEchoKitServer()
	defer srv.Close()

	m, _, egress := newTestManager(t, srv)

	sess, err := m.OpenSession(context.Background(), "device-3", CauseWake, false)
	require.NoError(t, err)

	rawID, err := udpio.SessionIDFromString(sess.ID)
	require.NoError(t, err)

	endpoint := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9999}
	m.IngressFrame(context.Background(), sess.ID, udpio.Frame{
		SessionID: rawID,
		Sequence:  0,
		Payload:   []byte{1, 2, 3, 4},
	}, endpoint)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		dev, ok := m.devices.Get("device-3")
		if ok && dev.Endpoint != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	dev, ok := m.devices.Get("device-3")
	require.True(t, ok)
	assert.Equal(t, endpoint.String(), dev.Endpoint.String())
	_ = egress
}

func TestManager_IngressFrameUnknownSessionIsDropped(t *testing.T) {
	srv := newFakeEchoKitServer()
	defer srv.Close()

	m, _, _ := newTestManager(t, srv)

	var raw [udpio.SessionIDSize]byte
	m.IngressFrame(context.Background(), "does-not-exist", udpio.Frame{SessionID: raw}, &net.UDPAddr{})

	assert.Equal(t, 0, m.Count())
}

func TestManager_CloseSessionIsIdempotent(t *testing.T) {
	srv := newFakeEchoKitServer()
	defer srv.Close()

	m, _, _ := newTestManager(t, srv)

	sess, err := m.OpenSession(context.Background(), "device-4", CauseWake, false)
	require.NoError(t, err)

	require.NoError(t, m.CloseSession(sess.ID, CloseReasonDeviceRequest))
	require.NoError(t, m.CloseSession(sess.ID, CloseReasonDeviceRequest))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !m.Empty() {
		time.Sleep(time.Millisecond)
	}
	assert.True(t, m.Empty())
}

func TestManager_OnSessionFatalClosesAndMarksCooldown(t *testing.T) {
	srv := newFakeEchoKitServer()
	defer srv.Close()

	m, pub, _ := newTestManager(t, srv)

	sess, err := m.OpenSession(context.Background(), "device-5", CauseWake, false)
	require.NoError(t, err)

	m.OnSessionFatal(sess.ID, bridgeerr.ReasonUpstreamUnavailable)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !m.Empty() {
		time.Sleep(time.Millisecond)
	}
	assert.True(t, m.Empty())
	assert.True(t, m.pool.CooledDown("device-5"))

	pub.mu.Lock()
	assert.Contains(t, pub.sessionEnds, "device-5")
	pub.mu.Unlock()
}

func TestManager_OnTranscriptPublishesThroughToDevice(t *testing.T) {
	srv := newFakeEchoKitServer()
	defer srv.Close()

	m, pub, _ := newTestManager(t, srv)

	sess, err := m.OpenSession(context.Background(), "device-6", CauseWake, false)
	require.NoError(t, err)

	m.OnTranscript(sess.ID, echokit.ASRResult{Text: "hello world", IsFinal: true})

	pub.mu.Lock()
	assert.Contains(t, pub.transcripts, "hello world")
	pub.mu.Unlock()
}

func TestManager_OnAudioFrameSendsEgressWithIncrementingSequence(t *testing.T) {
	srv := newFakeEchoKitServer()
	defer srv.Close()

	m, _, egress := newTestManager(t, srv)

	sess, err := m.OpenSession(context.Background(), "device-7", CauseWake, false)
	require.NoError(t, err)
	m.devices.Touch("device-7", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4000}, time.Now())

	m.OnAudioFrame(sess.ID, []byte{9, 9})
	m.OnAudioFrame(sess.ID, []byte{8, 8})

	egress.mu.Lock()
	defer egress.mu.Unlock()
	require.Len(t, egress.sent, 2)
	assert.Equal(t, uint32(0), egress.sent[0].Sequence)
	assert.Equal(t, uint32(1), egress.sent[1].Sequence)
	assert.Equal(t, "device-7", egress.sent[0].DeviceID)
}
