package convo

import (
	"sync"
	"time"

	"github.com/tallychat/tally/internal/backend"
	"github.com/tallychat/tally/internal/bus"
)

// UnreadChange is the payload of convo.unread_changed events.
type UnreadChange struct {
	UserID string
	Count  int
}

// Context tracks which conversation is open, per-partner unread counts,
// and the typing debounce. Exactly one partner is open at a time;
// switching partners runs any registered teardowns first so stale
// subscriptions and timers never leak into the next conversation.
type Context struct {
	mu        sync.Mutex
	selfID    string
	partner   *backend.Profile
	unread    map[string]int
	teardowns []func()

	bus            *bus.Bus
	typingTimer    *time.Timer
	typingActive   bool
	typingDebounce time.Duration
	setTyping      func(bool)
}

// New creates a context for the signed-in user. setTyping is invoked
// with true on the first keystroke and false after the debounce expires;
// it may be nil when typing indication is disabled.
func New(selfID string, b *bus.Bus, debounce time.Duration, setTyping func(bool)) *Context {
	return &Context{
		selfID:         selfID,
		unread:         make(map[string]int),
		bus:            b,
		typingDebounce: debounce,
		setTyping:      setTyping,
	}
}

// SelfID returns the signed-in user's id.
func (c *Context) SelfID() string {
	return c.selfID
}

// Partner returns the currently open partner profile, or nil.
func (c *Context) Partner() *backend.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partner
}

// PartnerID returns the open partner's id, or "" when no conversation
// is open.
func (c *Context) PartnerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.partner == nil {
		return ""
	}
	return c.partner.ID
}

// Select opens a conversation with p, tearing down whatever the previous
// conversation registered. Opening a conversation clears its unread
// count. A nil p closes the current conversation.
func (c *Context) Select(p *backend.Profile) {
	c.mu.Lock()
	downs := c.teardowns
	c.teardowns = nil
	c.stopTypingLocked()
	c.partner = p
	c.mu.Unlock()

	for _, fn := range downs {
		fn()
	}
	if p != nil {
		c.ClearUnread(p.ID)
	}
}

// OnTeardown registers fn to run when the conversation is switched or
// closed. Callers register realtime subscriptions and tickers here.
func (c *Context) OnTeardown(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardowns = append(c.teardowns, fn)
}

// IncrementUnread bumps the unread counter for a sender whose
// conversation is not open and returns the new count.
func (c *Context) IncrementUnread(senderID string) int {
	c.mu.Lock()
	c.unread[senderID]++
	n := c.unread[senderID]
	c.mu.Unlock()

	c.bus.Publish(bus.E(bus.KindUnreadChanged, UnreadChange{UserID: senderID, Count: n}))
	return n
}

// ClearUnread zeroes the counter for a user.
func (c *Context) ClearUnread(userID string) {
	c.mu.Lock()
	had := c.unread[userID] != 0
	delete(c.unread, userID)
	c.mu.Unlock()

	if had {
		c.bus.Publish(bus.E(bus.KindUnreadChanged, UnreadChange{UserID: userID, Count: 0}))
	}
}

// Unread returns the current unread count for a user.
func (c *Context) Unread(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread[userID]
}

// NotifyTyping marks the user as typing and arms the debounce timer.
// Repeated keystrokes extend the timer; the typing flag is lowered only
// after the debounce window passes without another call.
func (c *Context) NotifyTyping() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setTyping == nil || c.partner == nil {
		return
	}
	if !c.typingActive {
		c.typingActive = true
		go c.setTyping(true)
	}
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.typingDebounce, func() {
		c.mu.Lock()
		c.typingActive = false
		c.typingTimer = nil
		c.mu.Unlock()
		c.setTyping(false)
	})
}

// StopTyping lowers the typing flag immediately, used when a message is
// sent or the conversation closes.
func (c *Context) StopTyping() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTypingLocked()
}

func (c *Context) stopTypingLocked() {
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	if c.typingActive {
		c.typingActive = false
		if c.setTyping != nil {
			go c.setTyping(false)
		}
	}
}
