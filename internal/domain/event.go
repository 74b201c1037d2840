package domain

import "time"

type EventKind string

// Call transition events, one per CallState entered.
const (
	EventMediaRequested   EventKind = "media_requested"
	EventCredentialReady  EventKind = "credential_ready"
	EventPlacing          EventKind = "placing"
	EventCallRinging      EventKind = "call_ringing"
	EventLegConnected     EventKind = "leg_connected"
	EventAudioConnected   EventKind = "audio_connected"
	EventCallEnding       EventKind = "call_ending"
	EventCallDisconnected EventKind = "call_disconnected"
	EventConnectionError  EventKind = "connection_error"
)

// Telemetry and device events.
const (
	EventAudioLevel       EventKind = "audio_level"
	EventTokenExpiring    EventKind = "token_expiring"
	EventTokenRenewed     EventKind = "token_renewed"
	EventDeviceRegistered EventKind = "device_registered"
	EventDeviceOffline    EventKind = "device_offline"
	EventDeviceDegraded   EventKind = "device_degraded"
)

var transitionKinds = map[CallState]EventKind{
	CallMediaRequested:  EventMediaRequested,
	CallCredentialReady: EventCredentialReady,
	CallPlacing:         EventPlacing,
	CallRinging:         EventCallRinging,
	CallConnecting:      EventLegConnected,
	CallConnected:       EventAudioConnected,
	CallEnding:          EventCallEnding,
	CallEnded:           EventCallDisconnected,
	CallFailed:          EventConnectionError,
}

// TransitionKind returns the event kind published when a call enters s.
func TransitionKind(s CallState) EventKind {
	return transitionKinds[s]
}

// AudioSample is the payload of EventAudioLevel.
type AudioSample struct {
	Level int  `json:"level"`
	Muted bool `json:"muted"`
}

// Event is immutable once published.
type Event struct {
	Kind    EventKind    `json:"kind"`
	CallID  CallID       `json:"call_id,omitempty"`
	State   CallState    `json:"state,omitempty"`
	Message string       `json:"message,omitempty"`
	Failure *Failure     `json:"failure,omitempty"`
	Audio   *AudioSample `json:"audio,omitempty"`
	At      time.Time    `json:"at"`
}

// IsTransition reports whether e records a call state change.
func (e Event) IsTransition() bool { return e.State != "" }
