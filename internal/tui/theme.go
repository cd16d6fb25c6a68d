package tui

import "github.com/gdamore/tcell/v2"

// Theme holds color constants for the TUI.
type Theme struct {
	BgColor          tcell.Color
	FgColor          tcell.Color
	BorderColor      tcell.Color
	BorderFocusColor tcell.Color
	DisplayFg        tcell.Color
	DisplayBg        tcell.Color
	OnlineColor      tcell.Color
	OfflineColor     tcell.Color
	UnreadColor      tcell.Color
	PendingColor     tcell.Color
	FailedColor      tcell.Color
	OwnMsgColor      tcell.Color
	PeerMsgColor     tcell.Color
}

// DefaultTheme returns the dark theme used by both faces of the app.
func DefaultTheme() *Theme {
	return &Theme{
		BgColor:          tcell.ColorBlack,
		FgColor:          tcell.ColorCadetBlue,
		BorderColor:      tcell.ColorDodgerBlue,
		BorderFocusColor: tcell.ColorLightSkyBlue,
		DisplayFg:        tcell.ColorWhite,
		DisplayBg:        tcell.ColorDarkSlateGray,
		OnlineColor:      tcell.ColorGreen,
		OfflineColor:     tcell.ColorGray,
		UnreadColor:      tcell.ColorOrange,
		PendingColor:     tcell.ColorGray,
		FailedColor:      tcell.ColorOrangeRed,
		OwnMsgColor:      tcell.ColorAqua,
		PeerMsgColor:     tcell.ColorWhite,
	}
}
