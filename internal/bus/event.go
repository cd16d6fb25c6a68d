package bus

import "time"

// Event is a domain event published on the bus. Kind uses dotted
// namespaces so subscribers can filter by prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the core. The "delivery." namespace carries
// every inbound mutation source (push, poll, send confirmations) and is
// consumed by exactly one reconciliation engine; the "message." namespace
// is what renderers watch.
const (
	// Inbound delivery events, consumed by sync.Engine.
	KindPushInsert    = "delivery.push_insert"
	KindPollResult    = "delivery.poll_result"
	KindSendConfirmed = "delivery.send_confirmed"
	KindSendFailed    = "delivery.send_failed"

	// Store mutations, consumed by the renderer.
	KindMessageUpserted = "message.upserted"
	KindMessageSwapped  = "message.swapped"
	KindMessageFailed   = "message.failed"

	// Roster and conversation state.
	KindRosterChanged = "roster.changed"
	KindUnreadChanged = "convo.unread_changed"

	// Auth session lifecycle.
	KindSignedIn           = "session.signed_in"
	KindSignedOut          = "session.signed_out"
	KindTokenRefreshed     = "session.token_refreshed"
	KindTokenRefreshFailed = "session.token_refresh_failed"
	KindStatusChanged      = "session.status_changed"

	// Link quality and realtime channel health.
	KindQualityChanged = "presence.quality_changed"
	KindChannelStatus  = "channel.status"

	// App visibility transitions.
	KindHidden  = "lifecycle.hidden"
	KindVisible = "lifecycle.visible"
)

// E builds an event stamped with the current time.
func E(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
