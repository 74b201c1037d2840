package core

import "context"

// Leg is a backend-originated signaling leg carrying the call media.
// It is referenced, never owned, by a call session.
type Leg interface {
	ID() string
	From() string
	// Accept answers the leg and blocks until media is flowing or ctx ends.
	Accept(ctx context.Context) error
	Reject()
	// Attach starts sending src on the leg.
	Attach(src AudioSource) error
	// Disconnect hangs up; safe to call more than once.
	Disconnect()
	// OnDisconnect is invoked once when the remote side ends the leg.
	OnDisconnect(fn func())
	// OnError is invoked when the leg fails.
	OnError(fn func(err error))
}

// LegHandler receives backend-initiated legs.
type LegHandler func(leg Leg)

// DeviceListener receives asynchronous notifications from a softphone device.
type DeviceListener interface {
	OnIncoming(leg Leg)
	OnOffline(err error)
	OnTokenWillExpire()
}

// SoftphoneDevice is the standing connection to the signaling backend.
type SoftphoneDevice interface {
	// Register blocks until the backend accepts or rejects token.
	Register(ctx context.Context, token string) error
	UpdateToken(token string) error
	// Connected reports whether the registration connection is live.
	Connected() bool
	SetListener(l DeviceListener)
	Close() error
}
