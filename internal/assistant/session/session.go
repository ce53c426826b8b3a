// Package session defines the immutable per-request context threaded through
// the assistant pipeline.
package session

import "time"

// Channel identifies the surface a request arrived on.
type Channel string

const (
	ChannelChat Channel = "chat"
	ChannelCLI  Channel = "cli"
	ChannelAPI  Channel = "api"
)

// Context carries the identity and environment of one operator request.
// It is created by the caller, never mutated by the pipeline, and passed by
// value all the way down to tool handlers.
type Context struct {
	// ActorID identifies the operator who sent the message
	// (e.g. a Matrix user ID such as "@alice:example.com").
	ActorID string

	// ActorRole is the operator's role as asserted by the caller
	// (e.g. "operator", "admin"). The orchestrator records it in audit
	// entries but does not interpret it.
	ActorRole string

	// TenantID scopes the request to one tenant. Confirmation tokens are
	// bound to it: a token issued under one tenant never authorises an
	// action in another.
	TenantID string

	// Now is the request timestamp as observed by the caller.
	// Zero means "use wall-clock time".
	Now time.Time

	// Locale is a BCP 47 language tag used for locale-aware tokenization.
	Locale string

	// Timezone is the IANA timezone name of the operator.
	Timezone string

	// Channel is the surface the request arrived on.
	Channel Channel
}

// Timestamp returns ctx.Now, falling back to wall-clock time when unset.
func (c Context) Timestamp() time.Time {
	if c.Now.IsZero() {
		return time.Now()
	}
	return c.Now
}
