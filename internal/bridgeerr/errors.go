// Package bridgeerr implements the error taxonomy of the Bridge's error
// handling design: transient I/O, protocol violation, session-fatal,
// resource-exhausted, and process-fatal. Components wrap the relevant
// sentinel with fmt.Errorf("...: %w", ...) at the point of detection;
// callers branch on kind with errors.Is, never by matching message text.
package bridgeerr

import "errors"

// Sentinel kinds. Each satisfies the standard error interface and is meant
// to be wrapped, not returned bare, so that context travels with it.
var (
	// ErrTransient marks a locally-retried I/O failure: socket would-block,
	// upstream reset, broker disconnect. Not surfaced to the device unless
	// it persists past the local retry budget.
	ErrTransient = errors.New("bridge: transient I/O error")

	// ErrProtocolViolation marks a malformed frame, unexpected tag, or
	// schema mismatch. The offending message is dropped and counted; the
	// session continues.
	ErrProtocolViolation = errors.New("bridge: protocol violation")

	// ErrSessionFatal marks a failure that forces the owning session into
	// Draining: upstream handshake failing twice, inactivity timeout,
	// explicit end.
	ErrSessionFatal = errors.New("bridge: session fatal error")

	// ErrResourceExhausted marks a refusal due to a resource ceiling:
	// session cap reached, jitter buffer overflow beyond recovery.
	ErrResourceExhausted = errors.New("bridge: resource exhausted")

	// ErrProcessFatal marks a condition that bypasses graceful shutdown and
	// terminates the process immediately: UDP bind failure at startup,
	// invalid configuration.
	ErrProcessFatal = errors.New("bridge: process fatal error")
)

// Reason is a short machine-readable refusal code surfaced to devices over
// MQTT (the wake ack). Distinct from the Go error kinds
// above: a Reason is wire-visible, an error kind is internal.
type Reason string

const (
	ReasonResourceExhausted    Reason = "resource_exhausted"
	ReasonUnsupportedVersion   Reason = "unsupported_version"
	ReasonDeviceNotProvisioned Reason = "device_not_provisioned"
	ReasonUpstreamUnavailable  Reason = "upstream_unavailable"
)

// Is reports whether err ultimately wraps target, re-exporting errors.Is so
// callers only need to import this package.
func Is(err, target error) bool { return errors.Is(err, target) }
