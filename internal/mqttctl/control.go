package mqttctl

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rapidaai/bridge/internal/bridgeerr"
	"github.com/rapidaai/bridge/internal/device"
	"github.com/rapidaai/bridge/internal/session"
	"github.com/rapidaai/bridge/pkg/clock"
	"github.com/rapidaai/bridge/pkg/commons"
	"go.uber.org/atomic"
)

// Config holds the MQTT control plane's tunables, sourced from
// config.AppConfig.
type Config struct {
	BrokerURL    string
	ClientID     string
	QoS          byte
	ConfigAckTTL time.Duration

	// MinProtocolVersion is the lowest device firmware/protocol version a
	// wake is accepted from (spec.md §3 Device, supplemented field); 0
	// disables the floor check.
	MinProtocolVersion int
}

// Controller is the MQTT Control Plane (spec.md §4.5): subscribes to the
// device-originated topics, dispatches them into the Session Manager, and
// publishes Bridge-originated acks, transcripts, and session events.
type Controller struct {
	cfg     Config
	manager *session.Manager
	devices *device.Registry
	logger  commons.Logger
	clk     clock.Clock
	acks    *configAckTracker

	client    mqtt.Client
	connected atomic.Bool

	statusMu sync.RWMutex
	status   map[string]StatusPayload
}

// NewController constructs a Controller bound to manager and devices. It
// does not connect to the broker until Connect is called.
func NewController(cfg Config, manager *session.Manager, devices *device.Registry, logger commons.Logger, clk clock.Clock) *Controller {
	return &Controller{
		cfg:     cfg,
		manager: manager,
		devices: devices,
		logger:  logger,
		clk:     clk,
		acks:    newConfigAckTracker(clk, cfg.ConfigAckTTL),
		status:  make(map[string]StatusPayload),
	}
}

// Connected reports whether the broker connection is currently up. The
// Supervisor's health check does not consult it; see Aggregator.Healthy.
func (c *Controller) Connected() bool {
	return c.connected.Load()
}

// Connect dials the broker and subscribes to the device-originated topic
// set at QoS 1. Reconnection uses paho's built-in exponential backoff
// capped at 30s (spec.md §4.5: "1s, 2s, 4s, ... capped at 30s"); while
// disconnected, Connected() reports false. Wakes arrive only over MQTT, so
// no new session is opened until the connection returns; nothing else
// checks Connected() before opening one.
func (c *Controller) Connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetKeepAlive(30 * time.Second).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	c.client = mqtt.NewClient(opts)
	token := c.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqttctl: connect to %s: %w", c.cfg.BrokerURL, err)
	}
	return nil
}

func (c *Controller) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	qos := byte(1)

	subs := map[string]mqtt.MessageHandler{
		topicWake:       c.handleWake,
		topicStatus:     c.handleStatus,
		topicSessionEnd: c.handleSessionEnd,
		topicConfigAck:  c.handleConfigAck,
	}
	for topic, handler := range subs {
		if token := client.Subscribe(topic, qos, handler); token.Wait() && token.Error() != nil {
			c.logger.Errorw("mqtt subscribe failed", "topic", topic, "error", token.Error())
		}
	}
	c.logger.Infow("mqtt control plane connected", "broker", c.cfg.BrokerURL)
}

func (c *Controller) onConnectionLost(client mqtt.Client, err error) {
	c.connected.Store(false)
	c.logger.Warnw("mqtt connection lost, entering degraded mode", "error", err)
}

// Disconnect stops the MQTT client, the first step of the Supervisor's
// graceful shutdown sequence (spec.md §4.6).
func (c *Controller) Disconnect(quiesce uint) {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(quiesce)
	}
	c.connected.Store(false)
}

func (c *Controller) handleWake(_ mqtt.Client, msg mqtt.Message) {
	deviceID, ok := deviceIDFromTopic(msg.Topic())
	if !ok {
		return
	}

	var payload WakePayload
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		c.logger.Debugf("mqttctl: malformed wake payload from %s: %v", deviceID, err)
		return
	}

	if !c.devices.Known(deviceID) {
		c.logger.Infow("wake from previously unseen device", "device", deviceID)
	}

	if payload.ProtocolVersion > 0 {
		c.devices.SetProtocolVersion(deviceID, payload.ProtocolVersion)
		if payload.ProtocolVersion < c.cfg.MinProtocolVersion {
			c.publishWakeRefusal(deviceID, bridgeerr.ReasonUnsupportedVersion)
			return
		}
	}

	sess, err := c.manager.OpenSession(context.Background(), deviceID, session.CauseWake, payload.Options.Record)
	if err != nil {
		reason := bridgeerr.ReasonUpstreamUnavailable
		switch {
		case bridgeerr.Is(err, bridgeerr.ErrResourceExhausted):
			reason = bridgeerr.ReasonResourceExhausted
		case bridgeerr.Is(err, bridgeerr.ErrProtocolViolation):
			reason = bridgeerr.ReasonDeviceNotProvisioned
		}
		c.publishWakeRefusal(deviceID, reason)
		return
	}
	_ = sess
}

func (c *Controller) handleStatus(_ mqtt.Client, msg mqtt.Message) {
	deviceID, ok := deviceIDFromTopic(msg.Topic())
	if !ok {
		return
	}

	var payload StatusPayload
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		c.logger.Debugf("mqttctl: malformed status payload from %s: %v", deviceID, err)
		return
	}

	c.statusMu.Lock()
	prev, existed := c.status[deviceID]
	changed := !existed || prev != payload
	c.status[deviceID] = payload
	c.statusMu.Unlock()

	if changed {
		c.logger.Infow("device status updated", "device", deviceID, "battery", payload.Battery, "volume", payload.Volume)
	}
}

// LatestStatus returns the most recently observed status payload for a
// device, consulted by the management channel (spec.md §4.5).
func (c *Controller) LatestStatus(deviceID string) (StatusPayload, bool) {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	s, ok := c.status[deviceID]
	return s, ok
}

func (c *Controller) handleSessionEnd(_ mqtt.Client, msg mqtt.Message) {
	deviceID, ok := deviceIDFromTopic(msg.Topic())
	if !ok {
		return
	}
	if err := c.manager.CloseSessionForDevice(deviceID, session.CloseReasonDeviceRequest); err != nil {
		c.logger.Warnw("close session on device session_end failed", "device", deviceID, "error", err)
	}
}

func (c *Controller) handleConfigAck(_ mqtt.Client, msg mqtt.Message) {
	deviceID, ok := deviceIDFromTopic(msg.Topic())
	if !ok {
		return
	}
	c.acks.Clear(deviceID)
	c.logger.Debugf("mqttctl: config ack received from %s", deviceID)
}

// PublishConfig pushes a configuration change to a device and tracks it
// pending a config/ack.
func (c *Controller) PublishConfig(deviceID string, payload ConfigPayload) error {
	c.acks.Track(deviceID, payload)
	return c.publish(deviceTopic(deviceID, configSuffix), payload)
}

// PublishWakeAck implements session.Publisher.
func (c *Controller) PublishWakeAck(deviceID, sessionID string) error {
	return c.publish(deviceTopic(deviceID, wakeAckSuffix), WakeAckPayload{SessionID: sessionID, Accepted: true})
}

func (c *Controller) publishWakeRefusal(deviceID string, reason bridgeerr.Reason) {
	err := c.publish(deviceTopic(deviceID, wakeAckSuffix), WakeAckPayload{Accepted: false, Reason: string(reason)})
	if err != nil {
		c.logger.Warnw("publish wake refusal failed", "device", deviceID, "error", err)
	}
}

// PublishTranscript implements session.Publisher.
func (c *Controller) PublishTranscript(deviceID, text string, isFinal bool) error {
	return c.publish(deviceTopic(deviceID, transcriptSuffix), TranscriptPayload{Text: text, IsFinal: isFinal})
}

// PublishSessionEnd implements session.Publisher.
func (c *Controller) PublishSessionEnd(deviceID string) error {
	return c.publish(deviceTopic(deviceID, "session_end"), SessionEndPayload{Reason: "bridge"})
}

func (c *Controller) publish(topic string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("mqttctl: marshal payload for %s: %w", topic, err)
	}
	if c.client == nil || !c.client.IsConnected() {
		return fmt.Errorf("mqttctl: %w: not connected to broker", bridgeerr.ErrTransient)
	}
	token := c.client.Publish(topic, 1, false, data)
	token.Wait()
	return token.Error()
}
