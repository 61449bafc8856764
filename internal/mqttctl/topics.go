// Package mqttctl implements the MQTT Control Plane (spec.md §4.5): the
// subscribe/publish topic set a device and the Bridge exchange wake,
// config, status, and session-end events over, backed by
// github.com/eclipse/paho.mqtt.golang.
package mqttctl

import "fmt"

const (
	topicWake        = "device/+/wake"
	topicStatus      = "device/+/status"
	topicSessionEnd  = "device/+/session_end"
	topicConfigAck   = "device/+/config/ack"
	wakeAckSuffix    = "wake/ack"
	configSuffix     = "config"
	transcriptSuffix = "transcript"
)

// deviceTopic builds a concrete publish topic for one device, e.g.
// deviceTopic("dev-001", wakeAckSuffix) -> "device/dev-001/wake/ack".
func deviceTopic(deviceID, suffix string) string {
	return fmt.Sprintf("device/%s/%s", deviceID, suffix)
}

// deviceIDFromTopic extracts the device id from a topic matching
// "device/<id>/<...>", returning false if the topic doesn't have that shape.
func deviceIDFromTopic(topic string) (string, bool) {
	const prefix = "device/"
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return "", false
	}
	rest := topic[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			if i == 0 {
				return "", false
			}
			return rest[:i], true
		}
	}
	return "", false
}
