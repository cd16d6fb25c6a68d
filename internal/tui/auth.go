package tui

import (
	"github.com/rivo/tview"
)

// AuthView is the sign-in / sign-up form shown when no session can be
// restored.
type AuthView struct {
	*tview.Flex
	form    *tview.Form
	message *tview.TextView

	OnSignIn func(email, password string)
	OnSignUp func(email, password, username string)
}

// NewAuthView creates the auth form.
func NewAuthView(theme *Theme) *AuthView {
	message := tview.NewTextView().
		SetTextAlign(tview.AlignCenter).
		SetDynamicColors(true)

	v := &AuthView{message: message}

	form := tview.NewForm().
		AddInputField("Email", "", 40, nil, nil).
		AddPasswordField("Password", "", 40, '*', nil).
		AddInputField("Username (sign up only)", "", 40, nil, nil)
	form.AddButton("Sign in", func() {
		if v.OnSignIn != nil {
			v.OnSignIn(v.field(0), v.field(1))
		}
	})
	form.AddButton("Sign up", func() {
		if v.OnSignUp != nil {
			v.OnSignUp(v.field(0), v.field(1), v.field(2))
		}
	})
	form.SetBorder(true).SetTitle(" Welcome ")
	form.SetBorderColor(theme.BorderColor)
	v.form = form

	v.Flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(form, 0, 1, true).
		AddItem(message, 1, 0, false)
	return v
}

func (v *AuthView) field(i int) string {
	return v.form.GetFormItem(i).(*tview.InputField).GetText()
}

// ShowMessage displays a status or error line under the form.
func (v *AuthView) ShowMessage(msg string) {
	v.message.SetText(msg)
}
