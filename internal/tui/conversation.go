package tui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/tallychat/tally/internal/store"
)

// Conversation renders the open transcript and the composer.
type Conversation struct {
	*tview.Flex
	transcript *tview.TextView
	composer   *tview.InputField
	selfID     string
	title      string

	// lastFailedTag holds the client tag of the most recent failed
	// message, the target of the retry key.
	lastFailedTag string

	OnSend   func(content string)
	OnTyping func()
	OnRetry  func(clientTag string)
	OnBack   func()
}

// NewConversation creates the transcript view.
func NewConversation(theme *Theme, selfID string) *Conversation {
	transcript := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	transcript.SetBorder(true)
	transcript.SetBorderColor(theme.BorderColor)

	composer := tview.NewInputField().
		SetLabel("> ").
		SetFieldBackgroundColor(theme.BgColor)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(transcript, 0, 1, false).
		AddItem(composer, 1, 0, true)

	c := &Conversation{
		Flex:       flex,
		transcript: transcript,
		composer:   composer,
		selfID:     selfID,
	}

	composer.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := composer.GetText()
		composer.SetText("")
		if c.OnSend != nil {
			c.OnSend(text)
		}
	})
	composer.SetChangedFunc(func(string) {
		if c.OnTyping != nil {
			c.OnTyping()
		}
	})

	flex.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			if c.OnBack != nil {
				c.OnBack()
			}
			return nil
		}
		if event.Key() == tcell.KeyCtrlR {
			if c.OnRetry != nil && c.lastFailedTag != "" {
				c.OnRetry(c.lastFailedTag)
			}
			return nil
		}
		return event
	})
	return c
}

// SetTitle names the transcript after the open partner.
func (c *Conversation) SetTitle(name string) {
	c.title = name
	c.transcript.SetTitle(" " + name + " ")
}

// Update re-renders the transcript from the full conversation window.
func (c *Conversation) Update(msgs []store.Message) {
	var b strings.Builder
	c.lastFailedTag = ""
	for i := range msgs {
		m := &msgs[i]
		b.WriteString(c.renderLine(m))
		b.WriteByte('\n')
		if m.Status == store.StatusFailed {
			c.lastFailedTag = m.ClientTag
		}
	}
	if c.lastFailedTag != "" {
		b.WriteString("[orangered]ctrl-r retries the last failed message[-]\n")
	}
	c.transcript.SetText(b.String())
	c.transcript.ScrollToEnd()
}

func (c *Conversation) renderLine(m *store.Message) string {
	who := c.title
	color := "white"
	if m.SenderID == c.selfID {
		who = "you"
		color = "aqua"
	}
	line := fmt.Sprintf("[gray]%s[-] [%s]%s:[-] %s",
		m.Timestamp.Local().Format("15:04"), color, who, renderContent(m))
	if m.SenderID == c.selfID {
		line += " " + statusMark(m.Status)
	}
	return line
}

// renderContent tags embeddable links so they stand out; the terminal
// cannot show the preview card the web render would.
func renderContent(m *store.Message) string {
	if m.Type == store.TypeEmbedLink {
		return "[dodgerblue][video] " + tview.Escape(m.Content) + "[-]"
	}
	return tview.Escape(m.Content)
}

// statusMark renders the delivery tick for an outgoing message.
func statusMark(status string) string {
	switch status {
	case store.StatusSending:
		return "[gray]...[-]"
	case store.StatusSent:
		return "[gray]v[-]"
	case store.StatusDelivered:
		return "[gray]vv[-]"
	case store.StatusRead:
		return "[aqua]vv[-]"
	case store.StatusFailed:
		return "[orangered]x failed[-]"
	default:
		return ""
	}
}

// Composer exposes the input field for focus management.
func (c *Conversation) Composer() *tview.InputField {
	return c.composer
}
