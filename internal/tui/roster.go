package tui

import (
	"fmt"
	"sort"
	"time"

	"github.com/rivo/tview"

	"github.com/tallychat/tally/internal/backend"
)

// Roster lists every other user with presence and unread badges.
type Roster struct {
	*tview.Table
	profiles []backend.Profile
	unread   map[string]int

	OnOpen func(p backend.Profile)
}

// NewRoster creates the contact list view.
func NewRoster(theme *Theme) *Roster {
	table := tview.NewTable().
		SetSelectable(true, false)
	table.SetBorder(true).SetTitle(" Contacts ")
	table.SetBorderColor(theme.BorderColor)

	r := &Roster{Table: table, unread: make(map[string]int)}
	table.SetSelectedFunc(func(row, col int) {
		if r.OnOpen == nil || row >= len(r.profiles) {
			return
		}
		r.OnOpen(r.profiles[row])
	})
	return r
}

// SetProfiles replaces the roster contents. Online users sort first,
// then by username.
func (r *Roster) SetProfiles(profiles []backend.Profile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		if profiles[i].IsOnline != profiles[j].IsOnline {
			return profiles[i].IsOnline
		}
		return profiles[i].Username < profiles[j].Username
	})
	r.profiles = profiles
	r.render()
}

// UpsertProfile applies one roster change pushed from the backend.
func (r *Roster) UpsertProfile(p backend.Profile) {
	for i := range r.profiles {
		if r.profiles[i].ID == p.ID {
			r.profiles[i] = p
			r.render()
			return
		}
	}
	r.profiles = append(r.profiles, p)
	r.render()
}

// SetUnread updates the badge for one user.
func (r *Roster) SetUnread(userID string, count int) {
	if count == 0 {
		delete(r.unread, userID)
	} else {
		r.unread[userID] = count
	}
	r.render()
}

func (r *Roster) render() {
	r.Clear()
	for i, p := range r.profiles {
		dot := "[gray]o[-]"
		if p.IsOnline {
			dot = "[green]*[-]"
		}
		name := p.Username
		if name == "" {
			name = p.Email
		}
		line := fmt.Sprintf("%s %s", dot, name)
		if badge := unreadBadge(r.unread[p.ID]); badge != "" {
			line += " [orange]" + badge + "[-]"
		}
		if p.IsTyping {
			line += " [aqua]typing...[-]"
		}
		r.SetCell(i, 0, tview.NewTableCell(line).SetExpansion(1))
		r.SetCell(i, 1, tview.NewTableCell(lastActiveText(p.LastActive, p.IsOnline)))
	}
}

// unreadBadge renders a count, capping at 9+ so the column width stays
// fixed.
func unreadBadge(count int) string {
	switch {
	case count <= 0:
		return ""
	case count > 9:
		return "(9+)"
	default:
		return fmt.Sprintf("(%d)", count)
	}
}

// lastActiveText renders a compact "when were they here" label.
func lastActiveText(lastActive time.Time, online bool) string {
	if online {
		return "online"
	}
	if lastActive.IsZero() {
		return ""
	}
	d := time.Since(lastActive)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
