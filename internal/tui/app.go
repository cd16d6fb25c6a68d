package tui

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"github.com/tallychat/tally/internal/auth"
	"github.com/tallychat/tally/internal/backend"
	"github.com/tallychat/tally/internal/bus"
	"github.com/tallychat/tally/internal/config"
	"github.com/tallychat/tally/internal/convo"
	"github.com/tallychat/tally/internal/presence"
	"github.com/tallychat/tally/internal/status"
	"github.com/tallychat/tally/internal/store"
)

const minPasscodeLen = 4

// App is the terminal shell. It boots showing only the calculator; the
// chat surface exists behind the passcode gate and is reachable nowhere
// else. Locking back to the calculator counts as hiding the app, which
// drives the same snapshot/recovery cycle a suspend would.
type App struct {
	app     *tview.Application
	pages   *tview.Pages
	theme   *Theme
	calc    *Calculator
	authV   *AuthView
	roster  *Roster
	conv    *Conversation
	status  *tview.TextView
	machine *status.Machine

	bus       *bus.Bus
	set       *store.Set
	client    *backend.Client
	authMgr   *auth.Manager
	factory   CoreFactory
	cfg       *config.Config
	logger    *zap.Logger
	session   string
	core      *Core
	profile   *backend.Profile
	rootCtx   context.Context
	cancelAll context.CancelFunc
}

// NewApp creates the shell. The core is built later, once a session
// exists.
func NewApp(b *bus.Bus, set *store.Set, client *backend.Client, authMgr *auth.Manager, machine *status.Machine, factory CoreFactory, cfg *config.Config, logger *zap.Logger, sessionName string) *App {
	theme := DefaultTheme()
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		theme:     theme,
		calc:      NewCalculator(theme),
		authV:     NewAuthView(theme),
		status:    tview.NewTextView().SetDynamicColors(true),
		machine:   machine,
		bus:       b,
		set:       set,
		client:    client,
		authMgr:   authMgr,
		factory:   factory,
		cfg:       cfg,
		logger:    logger,
		session:   sessionName,
		rootCtx:   ctx,
		cancelAll: cancel,
	}
	a.setupLayout()
	a.setupCallbacks()
	return a
}

func (a *App) setupLayout() {
	a.pages.AddPage("calculator", a.calc, true, true)
	a.pages.AddPage("auth", a.authV, true, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.status, 1, 0, false)
	a.app.SetRoot(root, true)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		page, _ := a.pages.GetFrontPage()
		if event.Key() == tcell.KeyCtrlL && (page == "roster" || page == "chat") {
			a.lock()
			return nil
		}
		if (page == "calculator" || page == "setup") && event.Key() == tcell.KeyRune && event.Rune() == 'q' {
			a.Stop()
			return nil
		}
		return event
	})
}

func (a *App) setupCallbacks() {
	a.calc.OnCode = a.handleCode

	a.authV.OnSignIn = func(email, password string) {
		go func() {
			_, err := a.authMgr.SignIn(a.rootCtx, email, password)
			a.afterAuth(err)
		}()
	}
	a.authV.OnSignUp = func(email, password, username string) {
		go func() {
			s, err := a.authMgr.SignUp(a.rootCtx, email, password, username)
			if err == nil && s.AccessToken == "" {
				a.app.QueueUpdateDraw(func() {
					a.authV.ShowMessage("Account created, confirm your email then sign in")
				})
				return
			}
			a.afterAuth(err)
		}()
	}
}

// Run boots the shell: restore a session if one is persisted, otherwise
// wait behind the calculator for the auth form. A startup that hangs on
// the network is forced out of loading by the guard.
func (a *App) Run() error {
	go a.boot()
	go a.consumeEvents()
	return a.app.Run()
}

// Stop shuts the shell down, flushing state first.
func (a *App) Stop() {
	if a.core != nil {
		a.core.Recovery.Hidden(a.rootCtx)
		a.core.Monitor.BeaconOffline()
		a.core.Stop()
	}
	a.cancelAll()
	a.app.Stop()
}

func (a *App) boot() {
	s, err := a.authMgr.Restore(a.rootCtx)
	if err != nil {
		a.logger.Warn("session restore failed", zap.Error(err))
	}
	if s == nil {
		_ = a.machine.Transition(status.AuthRequired)
		a.app.QueueUpdateDraw(func() {
			a.pages.SwitchToPage("auth")
			a.setStatusLine()
		})
		return
	}
	a.startCore(s.UserID)
}

func (a *App) afterAuth(err error) {
	if err != nil {
		msg := err.Error()
		if backend.IsRateLimited(err) {
			msg = "Rate limited. Wait a minute, or sign out fully to clear cached credentials."
		}
		a.app.QueueUpdateDraw(func() { a.authV.ShowMessage("[orangered]" + msg + "[-]") })
		return
	}
	a.startCore(a.authMgr.UserID())
}

// startCore builds the per-session machinery and lands on the
// calculator, locked.
func (a *App) startCore(selfID string) {
	done := make(chan struct{})
	core := a.factory(selfID)
	a.core = core
	core.Recovery.GuardStartup(done, func() {
		a.app.QueueUpdateDraw(func() {
			_ = a.machine.Transition(status.Locked)
			a.pages.SwitchToPage("calculator")
			a.setStatusLine()
		})
	})

	// Startup network work is bounded so a dead link cannot wedge the
	// boot goroutine past the guard.
	bootCtx, cancelBoot := context.WithTimeout(a.rootCtx, a.cfg.Timing.InitTimeout())
	defer cancelBoot()

	profile, err := a.client.GetProfile(bootCtx, selfID)
	if err != nil {
		if backend.IsSchemaMissing(err) {
			close(done)
			a.blockOnSetup(err)
			return
		}
		a.logger.Warn("own profile fetch failed", zap.Error(err))
	}
	if profile == nil && err == nil {
		// First run on this account: the profile row does not exist yet.
		s := a.authMgr.Session()
		profile = &backend.Profile{
			ID:       selfID,
			Email:    s.Email,
			Username: strings.SplitN(s.Email, "@", 2)[0],
		}
		if err := a.client.InsertProfile(bootCtx, *profile); err != nil {
			if backend.IsSchemaMissing(err) {
				close(done)
				a.blockOnSetup(err)
				return
			}
			a.logger.Warn("profile creation failed", zap.Error(err))
		}
	}
	a.profile = profile

	core.Start(a.rootCtx)
	if err := core.Recovery.Restore(bootCtx); err != nil {
		a.logger.Warn("state restore failed", zap.Error(err))
	}

	a.buildChatPages(selfID)
	close(done)

	_ = a.machine.Transition(status.Locked)
	a.app.QueueUpdateDraw(func() {
		a.pages.SwitchToPage("calculator")
		a.setStatusLine()
	})
}

// blockOnSetup replaces the UI with provisioning instructions. There is
// no client-side recovery from a missing backend schema, so nothing else
// is reachable until the operator fixes it.
func (a *App) blockOnSetup(err error) {
	a.logger.Error("backend not provisioned", zap.Error(err))
	_ = a.machine.Transition(status.Error)
	a.app.QueueUpdateDraw(func() {
		text := tview.NewTextView().
			SetDynamicColors(true).
			SetTextAlign(tview.AlignCenter)
		text.SetText("\n\n[orangered]Backend not provisioned[-]\n\n" +
			"The server rejected the user_profiles table.\n" +
			"Run the schema setup against the backend project, then restart.\n\n" +
			"[gray]" + tview.Escape(err.Error()) + "[-]\n\n" +
			"press q to quit")
		a.pages.AddPage("setup", text, true, false)
		a.pages.SwitchToPage("setup")
		a.setStatusLine()
	})
}

func (a *App) buildChatPages(selfID string) {
	a.roster = NewRoster(a.theme)
	a.conv = NewConversation(a.theme, selfID)

	a.roster.OnOpen = func(p backend.Profile) {
		a.openConversation(p)
	}
	a.conv.OnSend = func(content string) {
		a.core.Pipeline.Send(a.rootCtx, content)
	}
	a.conv.OnTyping = func() {
		a.core.Convo.NotifyTyping()
	}
	a.conv.OnRetry = func(clientTag string) {
		go func() {
			if err := a.core.Queue.Retry(a.rootCtx, clientTag); err != nil {
				a.logger.Warn("manual retry failed", zap.String("tag", clientTag), zap.Error(err))
			}
		}()
	}
	a.conv.OnBack = func() {
		a.core.Convo.Select(nil)
		a.pages.SwitchToPage("roster")
		a.app.SetFocus(a.roster)
	}

	a.app.QueueUpdateDraw(func() {
		a.pages.AddPage("roster", a.roster, true, false)
		a.pages.AddPage("chat", a.conv, true, false)
	})
}

// handleCode runs on every all-digit calculator entry. Setup when the
// profile has no passcode yet, unlock when it does. A wrong code
// returns false and the digits quietly evaluate as a number.
func (a *App) handleCode(code string) bool {
	if a.core == nil || a.profile == nil {
		return false
	}
	if len(code) < minPasscodeLen {
		return false
	}
	hash := hashPasscode(code)

	if a.profile.PasscodeHash == "" {
		a.profile.PasscodeHash = hash
		go func() {
			err := a.client.UpdateProfile(a.rootCtx, a.profile.ID, map[string]any{"passcode_hash": hash})
			if err != nil {
				a.logger.Warn("passcode save failed", zap.Error(err))
			}
		}()
		a.unlock()
		return true
	}
	if a.profile.PasscodeHash != hash {
		return false
	}
	a.unlock()
	return true
}

func hashPasscode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func (a *App) unlock() {
	_ = a.machine.Transition(status.Ready)
	go func() {
		a.core.Monitor.SetOnline(a.rootCtx, true)
		if !a.core.Channels.HasSubscriptions() {
			if err := a.core.Channels.Arm(a.rootCtx); err != nil {
				a.logger.Warn("channel arm failed", zap.Error(err))
			}
		}
		a.core.Recovery.Visible(a.rootCtx)
		a.refreshRoster()
	}()
	a.pages.SwitchToPage("roster")
	a.app.SetFocus(a.roster)
	a.setStatusLine()
}

// lock returns to the calculator face. To the delivery machinery this
// is the app going hidden.
func (a *App) lock() {
	from := a.machine.Current()
	if from == status.Ready || from == status.Degraded || from == status.Offline {
		_ = a.machine.Transition(status.Locked)
	}
	go func() {
		a.core.Recovery.Hidden(a.rootCtx)
		a.core.Monitor.SetOnline(a.rootCtx, false)
	}()
	a.calc.Clear()
	a.pages.SwitchToPage("calculator")
	a.app.SetFocus(a.calc)
	a.setStatusLine()
}

func (a *App) openConversation(p backend.Profile) {
	prof := p
	a.core.Convo.Select(&prof)
	a.conv.SetTitle(displayName(&prof))
	a.renderConversation()
	a.pages.SwitchToPage("chat")
	a.app.SetFocus(a.conv.Composer())

	// The resync for this conversation dies with it: switching partners
	// runs the teardown, so a slow fetch for the old partner cannot race
	// a fresh one for the new.
	ctx, cancel := context.WithCancel(a.rootCtx)
	a.core.Convo.OnTeardown(cancel)
	go a.core.Channels.Resync(ctx)
}

func (a *App) refreshRoster() {
	profiles, err := a.client.ListProfiles(a.rootCtx, a.core.Convo.SelfID())
	if err != nil {
		a.logger.Warn("roster fetch failed", zap.Error(err))
		return
	}
	a.app.QueueUpdateDraw(func() {
		if a.roster != nil {
			a.roster.SetProfiles(profiles)
		}
	})
}

func (a *App) renderConversation() {
	partner := a.core.Convo.PartnerID()
	if partner == "" || a.conv == nil {
		return
	}
	a.conv.Update(a.set.Conversation(a.core.Convo.SelfID(), partner))
}

// consumeEvents is the single bridge from the bus into tview. Every
// redraw goes through QueueUpdateDraw; bus goroutines never touch
// widgets directly.
func (a *App) consumeEvents() {
	events, unsub := a.bus.Subscribe("", 256)
	defer unsub()
	for {
		select {
		case <-a.rootCtx.Done():
			return
		case evt := <-events:
			a.dispatch(evt)
		}
	}
}

func (a *App) dispatch(evt bus.Event) {
	switch evt.Kind {
	case bus.KindMessageUpserted, bus.KindMessageSwapped, bus.KindMessageFailed:
		a.app.QueueUpdateDraw(a.renderConversation)

	case bus.KindUnreadChanged:
		change, ok := evt.Payload.(convo.UnreadChange)
		if !ok {
			return
		}
		a.app.QueueUpdateDraw(func() {
			if a.roster != nil {
				a.roster.SetUnread(change.UserID, change.Count)
			}
		})

	case bus.KindRosterChanged:
		p, ok := evt.Payload.(backend.Profile)
		if !ok {
			return
		}
		a.app.QueueUpdateDraw(func() {
			if a.roster != nil {
				a.roster.UpsertProfile(p)
			}
		})

	case bus.KindQualityChanged:
		change, ok := evt.Payload.(presence.QualityChange)
		if !ok {
			return
		}
		a.applyQuality(change.To)

	case bus.KindTokenRefreshFailed:
		a.app.QueueUpdateDraw(a.setStatusLine)
	}
}

// applyQuality maps link grades onto runtime states. Only states above
// the lock react; a locked app stays locked no matter what the link does.
func (a *App) applyQuality(q presence.Quality) {
	current := a.machine.Current()
	if current != status.Ready && current != status.Degraded && current != status.Offline {
		return
	}
	var target status.State
	switch q {
	case presence.QualityGood, presence.QualityPoor:
		target = status.Ready
	case presence.QualityVeryPoor:
		target = status.Degraded
	case presence.QualityOffline:
		target = status.Offline
	}
	if err := a.machine.Transition(target); err == nil {
		a.app.QueueUpdateDraw(a.setStatusLine)
	}
}

func (a *App) setStatusLine() {
	page, _ := a.pages.GetFrontPage()
	if page == "calculator" {
		// The front face shows nothing that hints at the rest.
		a.status.SetText(" calc")
		return
	}
	state := string(a.machine.Current())
	line := " " + a.session + " | " + state + " | " + time.Now().Format("15:04")
	if page == "roster" || page == "chat" {
		line += " | ctrl-l:lock"
	}
	a.status.SetText(line)
}

func displayName(p *backend.Profile) string {
	if p.Username != "" {
		return p.Username
	}
	return p.Email
}
