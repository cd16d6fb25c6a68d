package tui

import (
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Calculator is the front face of the app: a working four-function
// calculator that doubles as the passcode gate. Typing an all-digit
// entry and pressing = hands the digits to the code handler first; only
// if the handler declines does the entry evaluate as arithmetic. A
// shoulder-surfer watching a wrong code entered sees a calculator
// computing a number.
type Calculator struct {
	*tview.Flex
	display *tview.TextView
	hint    *tview.TextView
	expr    string

	// OnCode receives an all-digit entry on =. Return true to consume
	// it (unlock or passcode setup); false falls through to arithmetic.
	OnCode func(code string) bool
}

// NewCalculator creates the calculator view.
func NewCalculator(theme *Theme) *Calculator {
	display := tview.NewTextView().
		SetTextAlign(tview.AlignRight).
		SetDynamicColors(true)
	display.SetBorder(true)
	display.SetTextColor(theme.DisplayFg)
	display.SetBackgroundColor(theme.DisplayBg)

	hint := tview.NewTextView().
		SetTextAlign(tview.AlignCenter).
		SetText("0-9 . + - * /   =:equals   c:clear   q:quit")
	hint.SetTextColor(theme.FgColor)

	buttons := tview.NewTextView().
		SetTextAlign(tview.AlignCenter).
		SetText("\n 7 8 9 / \n 4 5 6 * \n 1 2 3 - \n 0 . = + \n")
	buttons.SetBorder(true)
	buttons.SetTextColor(theme.FgColor)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(display, 3, 0, true).
		AddItem(buttons, 0, 1, false).
		AddItem(hint, 1, 0, false)

	c := &Calculator{Flex: flex, display: display, hint: hint}
	c.render()

	flex.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEnter:
			c.submit()
			return nil
		case tcell.KeyBackspace, tcell.KeyBackspace2:
			if len(c.expr) > 0 {
				c.expr = c.expr[:len(c.expr)-1]
			}
			c.render()
			return nil
		case tcell.KeyEscape:
			c.Clear()
			return nil
		}
		if event.Key() != tcell.KeyRune {
			return event
		}
		r := event.Rune()
		switch {
		case r >= '0' && r <= '9', r == '.', r == '+', r == '-', r == '*', r == '/':
			c.expr += string(r)
			c.render()
			return nil
		case r == '=':
			c.submit()
			return nil
		case r == 'c', r == 'C':
			c.Clear()
			return nil
		}
		return event
	})
	return c
}

// Clear resets the display.
func (c *Calculator) Clear() {
	c.expr = ""
	c.render()
}

func (c *Calculator) submit() {
	entry := strings.TrimSpace(c.expr)
	if entry == "" {
		return
	}
	if isAllDigits(entry) && c.OnCode != nil && c.OnCode(entry) {
		c.Clear()
		return
	}
	v, err := evaluate(entry)
	if err != nil {
		c.expr = ""
		c.display.SetText("Error")
		return
	}
	c.expr = formatResult(v)
	c.render()
}

func (c *Calculator) render() {
	if c.expr == "" {
		c.display.SetText("0")
		return
	}
	c.display.SetText(c.expr)
}

func isAllDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}
