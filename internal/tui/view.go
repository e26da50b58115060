package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/kylemclaren/browsercron/internal/db"
	"github.com/kylemclaren/browsercron/internal/executor"
)

func (m Model) View() string {
	var content string

	switch m.currentView {
	case ViewList:
		content = m.renderList()
	case ViewAdd:
		content = m.renderForm("New Task")
	case ViewEdit:
		content = m.renderForm("Edit Task")
	case ViewRuns:
		content = m.renderRuns()
	case ViewSettings:
		content = m.renderSettings()
	}

	base := appStyle.Render(content)
	if m.confirmDelete {
		return m.renderDeleteModal()
	}
	return base
}

func title(s string) string {
	return logoIcon + " " + logoStyle.Render(s)
}

func (m Model) renderDeleteModal() string {
	button := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFFFF")).
		Padding(0, 3).
		MarginRight(2)
	active := button.Background(cronTeal).Bold(true)
	inactive := button.Background(lipgloss.Color("#555555"))

	yes, no := inactive.Render("Yes"), active.Render("No")
	if m.deleteYesFocus {
		yes, no = active.Render("Yes"), inactive.Render("No")
	}

	name := ""
	if m.deleteTask != nil {
		name = m.deleteTask.Name
	}
	question := lipgloss.NewStyle().
		Bold(true).
		Render(fmt.Sprintf("Delete task '%s' and its run history?", name))

	modal := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(cronRed).
		Padding(1, 4).
		Align(lipgloss.Center).
		Render(lipgloss.JoinVertical(lipgloss.Center,
			question,
			"",
			lipgloss.JoinHorizontal(lipgloss.Center, yes, no),
			"",
			subtitleStyle.Render("←/→ select • enter confirm • esc cancel"),
		))

	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, modal,
		lipgloss.WithWhitespaceChars(" "))
}

func (m Model) renderList() string {
	var b strings.Builder

	logo := title("BrowserCron")
	if len(m.usage) > 0 && m.width > 0 {
		bar := m.renderUsageBar()
		padding := max(m.width-lipgloss.Width(logo)-lipgloss.Width(bar)-4, 2)
		b.WriteString(logo + strings.Repeat(" ", padding) + bar)
	} else {
		b.WriteString(logo)
	}
	b.WriteString("\n\n")

	if m.searchMode {
		search := lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(cronIndigo).
			Padding(0, 1)
		b.WriteString(search.Render("/ " + m.searchInput.View()))
		b.WriteString("\n\n")
	}

	if n := m.runningCount(); n > 0 {
		b.WriteString(m.spinner.View() + " ")
		b.WriteString(statusRunning.Render(fmt.Sprintf("%d task(s) running", n)))
		b.WriteString("\n\n")
	}

	switch {
	case len(m.tasks) == 0:
		b.WriteString(emptyBoxStyle.Render("No tasks yet\n\nPress 'a' to add your first task"))
	case len(m.getDisplayTasks()) == 0:
		b.WriteString(emptyBoxStyle.Render("No tasks match your search\n\nPress 'esc' to clear"))
	default:
		b.WriteString(m.table.View())
	}
	b.WriteString("\n")

	m.writeStatus(&b, true)

	b.WriteString("\n")
	if m.showHelp {
		b.WriteString(m.help.FullHelpView(keys.FullHelp()))
	} else {
		b.WriteString(m.help.ShortHelpView(keys.ShortHelp()))
	}
	return b.String()
}

func (m Model) writeStatus(b *strings.Builder, withSuccess bool) {
	if m.statusMsg == "" {
		return
	}
	if m.statusErr {
		b.WriteString(errorMsgStyle.Render("✗ " + m.statusMsg))
	} else if withSuccess {
		b.WriteString(successMsgStyle.Render("✓ " + m.statusMsg))
	}
	b.WriteString("\n")
}

func (m Model) renderUsageBar() string {
	parts := []string{statusRunning.Render(string(m.plan))}
	for _, u := range m.usage {
		pct := usagePercent(u)
		parts = append(parts, fmt.Sprintf("%s %s %s",
			u.Kind, usageProgress(pct), m.formatUsage(u, pct)))
	}
	parts = append(parts, fmt.Sprintf("⚡ %.0f%%", m.usageThreshold))
	return strings.Join(parts, " │ ")
}

func usagePercent(u executor.Usage) float64 {
	if u.Limit <= 0 {
		return 0
	}
	return min(float64(u.Current)*100/float64(u.Limit), 100)
}

func usageProgress(pct float64) string {
	t := pct / 100
	end := fmt.Sprintf("#%02x%02x00", int(255*t), int(255*(1-t)))
	bar := progress.New(
		progress.WithGradient("#00ff00", end),
		progress.WithWidth(10),
		progress.WithoutPercentage(),
	)
	return bar.ViewAs(t)
}

func (m Model) formatUsage(u executor.Usage, pct float64) string {
	style := statusOK
	switch {
	case pct >= 100:
		style = statusFail
	case pct >= m.usageThreshold:
		style = statusRunning
	}
	return style.Render(fmt.Sprintf("%d/%d", u.Current, u.Limit))
}

func (m Model) renderSettings() string {
	var b strings.Builder

	b.WriteString(title("Settings"))
	b.WriteString("\n\n")

	if len(m.usage) > 0 {
		b.WriteString(inputLabelStyle.Render("Current Usage"))
		b.WriteString("  ")
		b.WriteString(subtitleStyle.Render(string(m.plan) + " plan"))
		b.WriteString("\n")
		for _, u := range m.usage {
			pct := usagePercent(u)
			fmt.Fprintf(&b, "  %-6s %s %s\n", u.Kind, usageProgress(pct), m.formatUsage(u, pct))
		}
		b.WriteString("\n")
	}

	b.WriteString(inputLabelStyle.Render("Usage Alert Threshold (%)"))
	b.WriteString("  ")
	b.WriteString(subtitleStyle.Render("Email once a month when a limit crosses this"))
	b.WriteString("\n")
	b.WriteString(focusedInputStyle.Render(m.thresholdInput.View()))
	b.WriteString("\n\n")

	b.WriteString(inputLabelStyle.Render("Weekly Digest"))
	b.WriteString("  ")
	if m.weeklyDigest {
		b.WriteString(statusOK.Render("● on"))
	} else {
		b.WriteString(subtitleStyle.Render("○ off"))
	}
	b.WriteString("\n\n")

	m.writeStatus(&b, false)

	b.WriteString(helpKeyStyle.Render("enter") + helpDescStyle.Render(" save • ") +
		helpKeyStyle.Render("ctrl+w") + helpDescStyle.Render(" toggle digest • ") +
		helpKeyStyle.Render("esc") + helpDescStyle.Render(" cancel"))
	return b.String()
}

func (m Model) renderForm(heading string) string {
	var b strings.Builder
	f := m.form

	b.WriteString(title(heading))
	b.WriteString("\n\n")

	if f.showPresets {
		b.WriteString(renderPresets(f.presetIndex))
		return b.String()
	}

	for i, label := range fieldLabels {
		b.WriteString(inputLabelStyle.Render(label))
		if fieldHints[i] != "" {
			b.WriteString("  " + subtitleStyle.Render(fieldHints[i]))
		}
		if msg, ok := f.errors[i]; ok {
			b.WriteString("  " + errorMsgStyle.Render("✗ "+msg))
		} else if f.value(i) != "" {
			b.WriteString("  " + successMsgStyle.Render("✓"))
		}
		b.WriteString("\n")

		style := blurredInputStyle
		if i == f.focus {
			style = focusedInputStyle
		}
		if i == fieldDescription {
			b.WriteString(style.Render(f.description.View()))
		} else {
			b.WriteString(style.Render(f.inputs[i].View()))
		}
		b.WriteString("\n\n")
	}

	m.writeStatus(&b, false)

	b.WriteString("\n")
	b.WriteString(helpKeyStyle.Render("tab") + helpDescStyle.Render(" next • ") +
		helpKeyStyle.Render("ctrl+s") + helpDescStyle.Render(" save • ") +
		helpKeyStyle.Render("esc") + helpDescStyle.Render(" cancel"))
	b.WriteString("\n\n")
	b.WriteString(subtitleStyle.Render("Cron format: "))
	b.WriteString(dimRowStyle.Render("[sec] min hour day month weekday, or @hourly, @daily, @every 30m"))

	return b.String()
}

func renderPresets(selected int) string {
	var content strings.Builder
	content.WriteString(inputLabelStyle.Render("Select a schedule preset"))
	content.WriteString("\n\n")

	highlight := lipgloss.NewStyle().
		Background(cronTeal).
		Foreground(lipgloss.Color("#FFFFFF")).
		Bold(true).
		Padding(0, 1)
	for i, preset := range cronPresets {
		if i == selected {
			content.WriteString(highlight.Render(preset.name))
		} else {
			content.WriteString("  " + preset.name)
		}
		content.WriteString("\n")
		content.WriteString(subtitleStyle.Render("  " + preset.expr + " - " + preset.desc))
		content.WriteString("\n")
	}

	content.WriteString("\n")
	content.WriteString(helpKeyStyle.Render("↑/↓") + helpDescStyle.Render(" navigate • ") +
		helpKeyStyle.Render("enter") + helpDescStyle.Render(" select • ") +
		helpKeyStyle.Render("esc") + helpDescStyle.Render(" cancel"))

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(cronIndigo).
		Padding(1, 2).
		Render(content.String())
}

func (m Model) renderRuns() string {
	var b strings.Builder
	task := m.selectedTask

	b.WriteString(title(task.Name))
	b.WriteString("  ")
	if task.IsActive {
		b.WriteString(statusOK.Render("● active"))
	} else {
		b.WriteString(statusFail.Render("○ paused"))
	}
	b.WriteString("\n")
	desc := task.Description
	if task.TargetSite != "" {
		desc += " @ " + task.TargetSite
	}
	b.WriteString(subtitleStyle.Render(desc))
	b.WriteString("\n\n")

	b.WriteString(m.viewport.View())
	b.WriteString("\n\n")

	m.writeStatus(&b, true)

	b.WriteString(helpKeyStyle.Render("↑/↓") + helpDescStyle.Render(" scroll • ") +
		helpKeyStyle.Render("x") + helpDescStyle.Render(" run now • ") +
		helpKeyStyle.Render("t") + helpDescStyle.Render(" toggle • ") +
		helpKeyStyle.Render("r") + helpDescStyle.Render(" refresh • ") +
		helpKeyStyle.Render("esc") + helpDescStyle.Render(" back"))
	return b.String()
}

// runMarkdown renders the structured output of a run as a fenced JSON block
func runMarkdown(run *db.TaskRun) string {
	if len(run.OutputJSON) == 0 {
		return ""
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, run.OutputJSON, "", "  "); err != nil {
		return "```\n" + string(run.OutputJSON) + "\n```\n"
	}
	return "```json\n" + pretty.String() + "\n```\n"
}

func (m Model) renderRunsContent() string {
	if len(m.taskRuns) == 0 {
		return emptyBoxStyle.Render("No runs yet for this task")
	}

	runs := make([]*db.TaskRun, len(m.taskRuns))
	copy(runs, m.taskRuns)
	sort.SliceStable(runs, func(i, j int) bool {
		ri, rj := runs[i].Status == db.RunStatusRunning, runs[j].Status == db.RunStatusRunning
		if ri != rj {
			return ri
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})

	var b strings.Builder
	for i, run := range runs {
		var status string
		switch run.Status {
		case db.RunStatusSuccess:
			status = statusOK.Render("✓ SUCCESS")
		case db.RunStatusFailed:
			status = statusFail.Render("✗ FAILED")
		default:
			status = statusRunning.Render("● RUNNING")
		}

		duration := "..."
		if run.FinishedAt != nil {
			duration = run.Duration().Round(time.Millisecond).String()
		}

		fmt.Fprintf(&b, "%s  %s  (%s)\n", status, run.StartedAt.Local().Format("2006-01-02 15:04:05"), duration)
		b.WriteString(dividerStyle.Render(strings.Repeat("─", 60)))
		b.WriteString("\n")

		if md := runMarkdown(run); md != "" {
			rendered := md
			if m.mdRenderer != nil {
				if out, err := m.mdRenderer.Render(md); err == nil {
					rendered = out
				}
			}
			b.WriteString(rendered)
		}

		if run.Logs != "" {
			b.WriteString(logsStyle.Render(run.Logs))
			b.WriteString("\n")
		}

		if run.ErrorMsg != "" {
			b.WriteString(statusFail.Render("Error: "))
			b.WriteString(run.ErrorMsg)
			b.WriteString("\n")
		}

		if i < len(runs)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}
