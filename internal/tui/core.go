package tui

import (
	"context"

	"github.com/tallychat/tally/internal/channel"
	"github.com/tallychat/tally/internal/convo"
	"github.com/tallychat/tally/internal/lifecycle"
	"github.com/tallychat/tally/internal/outbox"
	"github.com/tallychat/tally/internal/presence"
	"github.com/tallychat/tally/internal/send"
	"github.com/tallychat/tally/internal/sync"
)

// Core bundles the per-session delivery machinery. Everything in it is
// keyed to the signed-in user, so it is built after authentication and
// torn down on sign-out.
type Core struct {
	Convo    *convo.Context
	Engine   *sync.Engine
	Pipeline *send.Pipeline
	Queue    *outbox.Queue
	Channels *channel.Supervisor
	Monitor  *presence.Monitor
	Recovery *lifecycle.Coordinator
}

// CoreFactory builds a core for a signed-in user.
type CoreFactory func(selfID string) *Core

// Start brings the delivery machinery up.
func (c *Core) Start(ctx context.Context) {
	c.Engine.Start(ctx)
	c.Queue.Start(ctx)
	c.Monitor.Start(ctx)
	c.Channels.Start(ctx)
}

// Stop tears it down in reverse order.
func (c *Core) Stop() {
	c.Channels.Stop()
	c.Monitor.Stop()
	c.Queue.Stop()
	c.Engine.Stop()
}
