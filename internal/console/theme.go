package console

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const (
	// Green marks passing trials and accepted lanes.
	Green = "#33FF33"
	// Red marks failing trials and rejected lanes.
	Red = "#FF3333"
	// Yellow marks forced quits and other recoverable trouble.
	Yellow = "#FFCC00"
	// Blue marks headings and informational counts.
	Blue = "#9999CC"
	// Gray marks secondary detail such as paths.
	Gray = "#52526A"
)

const (
	// IconPass precedes a passing trial.
	IconPass = "✅"
	// IconFail precedes a failing trial.
	IconFail = "❌"
	// IconWarn precedes a passing trial that needed a forced quit.
	IconWarn = "⚠"
	// IconLane precedes a lane heading.
	IconLane = "▸"
)

var colorProfileFn = lipgloss.ColorProfile

var (
	// GreenColor is the profile-aware terminal color for Green.
	GreenColor = profileColor(Green, "46", "10")
	// RedColor is the profile-aware terminal color for Red.
	RedColor = profileColor(Red, "203", "9")
	// YellowColor is the profile-aware terminal color for Yellow.
	YellowColor = profileColor(Yellow, "220", "11")
	// BlueColor is the profile-aware terminal color for Blue.
	BlueColor = profileColor(Blue, "146", "12")
	// GrayColor is the profile-aware terminal color for Gray.
	GrayColor = profileColor(Gray, "60", "8")
)

var (
	PassStyle    = lipgloss.NewStyle().Foreground(GreenColor).Bold(true)
	FailStyle    = lipgloss.NewStyle().Foreground(RedColor).Bold(true)
	WarnStyle    = lipgloss.NewStyle().Foreground(YellowColor).Bold(true)
	HeadingStyle = lipgloss.NewStyle().Foreground(BlueColor).Bold(true)
	DetailStyle  = lipgloss.NewStyle().Foreground(GrayColor)

	// SummaryBorder frames the per-lane summary block.
	SummaryBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(GrayColor).
			Padding(0, 1)
)

func profileColor(hex string, ansi256 string, ansi string) lipgloss.TerminalColor {
	switch colorProfileFn() {
	case termenv.ANSI256, termenv.ANSI:
		full := lipgloss.CompleteColor{TrueColor: hex, ANSI256: ansi256, ANSI: ansi}
		return lipgloss.CompleteAdaptiveColor{Light: full, Dark: full}
	default:
		return lipgloss.AdaptiveColor{Light: hex, Dark: hex}
	}
}
