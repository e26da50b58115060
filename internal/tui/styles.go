package tui

import "github.com/charmbracelet/lipgloss"

const logoIcon = "◉"

var (
	cronTeal   = lipgloss.Color("#2bb3a3")
	cronIndigo = lipgloss.Color("#6c72e0")
	cronLime   = lipgloss.Color("#7fb547")
	cronSlate  = lipgloss.Color("#9aa3b2")
	cronRed    = lipgloss.Color("#d9534f")
	cronAmber  = lipgloss.Color("#e0a030")
)

func bold(c lipgloss.Color) lipgloss.Style { return lipgloss.NewStyle().Foreground(c).Bold(true) }

func dim() lipgloss.Style { return lipgloss.NewStyle().Foreground(cronSlate) }

func boxed(border lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(border).Padding(0, 1)
}

var (
	appStyle  = lipgloss.NewStyle().Padding(1, 2)
	logoStyle = bold(cronTeal)

	dimRowStyle     = dim().Padding(0, 1)
	subtitleStyle   = dim().Italic(true)
	dividerStyle    = dim()
	logsStyle       = dim().PaddingLeft(2)
	helpDescStyle   = dim()
	helpKeyStyle    = bold(cronIndigo)
	inputLabelStyle = bold(cronIndigo)

	focusedInputStyle = boxed(cronTeal)
	blurredInputStyle = boxed(cronSlate)
	emptyBoxStyle     = boxed(cronSlate).Foreground(cronSlate).Padding(2, 4).Align(lipgloss.Center)

	statusOK        = bold(cronLime)
	statusFail      = bold(cronRed)
	statusRunning   = bold(cronAmber)
	errorMsgStyle   = bold(cronRed)
	successMsgStyle = bold(cronLime)
)
