package mqttctl

// WakePayload is the JSON body of a device/<id>/wake publish (spec.md §6).
type WakePayload struct {
	SessionID       string      `json:"session_id,omitempty"`
	WakeReason      string      `json:"wake_reason"`
	ProtocolVersion int         `json:"protocol_version,omitempty"`
	Options         WakeOptions `json:"options,omitempty"`
}

// WakeOptions is the wake payload's "options" map (spec.md §9 Open Question
// 1): per-wake parameters that do not belong in the data model's fixed
// fields.
type WakeOptions struct {
	Record bool `json:"record,omitempty"`
}

// WakeAckPayload is the JSON body of a device/<id>/wake/ack publish.
type WakeAckPayload struct {
	SessionID string `json:"session_id"`
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
}

// StatusPayload is the JSON body of a device/<id>/status publish (spec.md
// §6): "{"online": true, "battery": 85, "volume": 80, "temperature": 35}".
type StatusPayload struct {
	Online      bool    `json:"online"`
	Battery     int     `json:"battery"`
	Volume      int     `json:"volume"`
	Temperature float64 `json:"temperature"`
}

// ConfigPayload is the JSON body of a device/<id>/config publish: the
// management plane setting device parameters.
type ConfigPayload struct {
	Volume     *int  `json:"volume,omitempty"`
	WakeWordOn *bool `json:"wake_word_on,omitempty"`
}

// ConfigAckPayload is the JSON body of a device/<id>/config/ack publish: the
// device confirming application of a previously published config.
type ConfigAckPayload struct {
	Applied bool `json:"applied"`
}

// TranscriptPayload is the JSON body of a device/<id>/transcript publish.
type TranscriptPayload struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// SessionEndPayload is the JSON body of a device/<id>/session_end publish,
// in either direction (device-originated or Bridge-originated).
type SessionEndPayload struct {
	Reason string `json:"reason,omitempty"`
}
