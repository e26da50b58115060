package tui

import (
	"net/url"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/kylemclaren/browsercron/internal/db"
	"github.com/kylemclaren/browsercron/internal/scheduler"
)

// Form field indices
const (
	fieldName = iota
	fieldDescription
	fieldTargetSite
	fieldSchedule
	fieldEmail
	fieldDiscordWebhook
	fieldSlackWebhook
	fieldCount
)

var fieldLabels = [fieldCount]string{
	"Name",
	"Description",
	"Target Site (optional)",
	"Schedule (optional)",
	"Notification Email (optional)",
	"Discord Webhook (optional)",
	"Slack Webhook (optional)",
}

var fieldHints = [fieldCount]string{
	fieldDescription: "(what the browser agent should do)",
	fieldSchedule:    "Press ? for presets, empty for manual runs",
}

type cronPreset struct {
	name string
	expr string
	desc string
}

var cronPresets = []cronPreset{
	{name: "Every 15 minutes", expr: "*/15 * * * *", desc: "Runs every 15 minutes"},
	{name: "Every hour", expr: "@hourly", desc: "Runs at the start of every hour"},
	{name: "Every 6 hours", expr: "0 */6 * * *", desc: "Runs every 6 hours"},
	{name: "Daily at 9am", expr: "0 9 * * *", desc: "Runs once daily at 9:00"},
	{name: "Weekdays at 8am", expr: "0 8 * * 1-5", desc: "Runs Monday to Friday at 8:00"},
	{name: "Weekly on Monday", expr: "0 9 * * 1", desc: "Runs every Monday at 9:00"},
	{name: "Monthly on 1st", expr: "0 9 1 * *", desc: "Runs on the 1st of each month at 9:00"},
}

// taskForm holds the add/edit form state
type taskForm struct {
	inputs      []textinput.Model
	description textarea.Model
	focus       int
	editing     *db.Task
	errors      map[int]string

	showPresets bool
	presetIndex int

	width  int
	height int
}

func newTaskForm() taskForm {
	f := taskForm{errors: make(map[int]string)}
	f.init()
	return f
}

func (f *taskForm) init() {
	width := f.inputWidth()
	placeholders := [fieldCount]string{
		fieldName:           "Check invoice inbox",
		fieldTargetSite:     "https://example.com",
		fieldSchedule:       "0 9 * * * (daily at 9:00)",
		fieldEmail:          "me@example.com",
		fieldDiscordWebhook: "https://discord.com/api/webhooks/...",
		fieldSlackWebhook:   "https://hooks.slack.com/services/...",
	}

	f.inputs = make([]textinput.Model, fieldCount)
	for i := range f.inputs {
		if i == fieldDescription {
			continue
		}
		in := textinput.New()
		in.Placeholder = placeholders[i]
		in.CharLimit = 500
		in.Width = width
		f.inputs[i] = in
	}
	f.inputs[fieldName].CharLimit = 100
	f.inputs[fieldSchedule].CharLimit = 100

	f.description = textarea.New()
	f.description.Placeholder = "Log in and count the unread invoices..."
	f.description.CharLimit = 4000
	f.description.ShowLineNumbers = false
	f.description.SetWidth(width + 2)
	f.description.SetHeight(f.textareaHeight())
}

func (f *taskForm) inputWidth() int {
	if f.width == 0 {
		return 50
	}
	return min(max((f.width-8)*80/100, 40), 100)
}

func (f *taskForm) textareaHeight() int {
	if f.height == 0 {
		return 5
	}
	// every other field takes a label, a bordered input and a blank line
	others := (fieldCount - 1) * 4
	return min(max(f.height-others-12, 3), 10)
}

func (f *taskForm) resize(width, height int) {
	f.width = width
	f.height = height
	w := f.inputWidth()
	for i := range f.inputs {
		f.inputs[i].Width = w
	}
	f.description.SetWidth(w + 2)
	f.description.SetHeight(f.textareaHeight())
}

// reset clears the form, or fills it from task when editing
func (f *taskForm) reset(task *db.Task) {
	f.init()
	f.editing = task
	f.errors = make(map[int]string)
	f.showPresets = false
	if task != nil {
		f.inputs[fieldName].SetValue(task.Name)
		f.description.SetValue(task.Description)
		f.inputs[fieldTargetSite].SetValue(task.TargetSite)
		f.inputs[fieldSchedule].SetValue(task.CronSchedule)
		f.inputs[fieldEmail].SetValue(task.NotificationEmail)
		f.inputs[fieldDiscordWebhook].SetValue(task.DiscordWebhook)
		f.inputs[fieldSlackWebhook].SetValue(task.SlackWebhook)
	}
	f.focusField(fieldName)
}

func (f *taskForm) focusField(field int) {
	for i := range f.inputs {
		f.inputs[i].Blur()
	}
	f.description.Blur()

	f.focus = field
	if field == fieldDescription {
		f.description.Focus()
	} else {
		f.inputs[field].Focus()
	}
}

func (f *taskForm) value(field int) string {
	if field == fieldDescription {
		return strings.TrimSpace(f.description.Value())
	}
	return strings.TrimSpace(f.inputs[field].Value())
}

// validate checks every field and reports whether the form can be saved
func (f *taskForm) validate() bool {
	f.errors = make(map[int]string)

	if f.value(fieldName) == "" {
		f.errors[fieldName] = "Name is required"
	}
	if f.value(fieldDescription) == "" {
		f.errors[fieldDescription] = "Description is required"
	}
	if expr := f.value(fieldSchedule); expr != "" {
		if _, err := scheduler.ParseSchedule(expr); err != nil {
			f.errors[fieldSchedule] = "Invalid cron format"
		}
	}
	for _, field := range []int{fieldTargetSite, fieldDiscordWebhook, fieldSlackWebhook} {
		if v := f.value(field); v != "" && !isHTTPURL(v) {
			f.errors[field] = "Must be an http(s) URL"
		}
	}
	if email := f.value(fieldEmail); email != "" && !strings.Contains(email, "@") {
		f.errors[fieldEmail] = "Invalid email"
	}
	return len(f.errors) == 0
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// task builds the task to persist from the form values
func (f *taskForm) task(userID string) *db.Task {
	task := &db.Task{
		UserID:          userID,
		IsActive:        true,
		NotifyOnFailure: true,
	}
	if f.editing != nil {
		cp := *f.editing
		task = &cp
	}
	task.Name = f.value(fieldName)
	task.Description = f.value(fieldDescription)
	task.TargetSite = f.value(fieldTargetSite)
	task.CronSchedule = f.value(fieldSchedule)
	task.NotificationEmail = f.value(fieldEmail)
	task.DiscordWebhook = f.value(fieldDiscordWebhook)
	task.SlackWebhook = f.value(fieldSlackWebhook)
	return task
}

func (m *Model) updateForm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	f := &m.form

	if f.showPresets {
		switch msg.String() {
		case "up", "k":
			if f.presetIndex > 0 {
				f.presetIndex--
			}
		case "down", "j":
			if f.presetIndex < len(cronPresets)-1 {
				f.presetIndex++
			}
		case "enter":
			f.inputs[fieldSchedule].SetValue(cronPresets[f.presetIndex].expr)
			f.showPresets = false
			f.validate()
		case "esc", "?":
			f.showPresets = false
		}
		return m, nil
	}

	switch msg.String() {
	case "esc":
		m.currentView = ViewList
		f.reset(nil)
		return m, nil
	case "?":
		if f.focus == fieldSchedule {
			f.showPresets = true
			f.presetIndex = 0
			return m, nil
		}
	case "tab":
		f.focusField((f.focus + 1) % fieldCount)
		f.validate()
		return m, textinput.Blink
	case "shift+tab":
		f.focusField((f.focus + fieldCount - 1) % fieldCount)
		f.validate()
		return m, textinput.Blink
	case "ctrl+s":
		if f.validate() {
			return m, m.saveTask()
		}
		return m, nil
	case "enter":
		if f.focus == fieldDescription {
			break
		}
		if f.focus == fieldCount-1 {
			if f.validate() {
				return m, m.saveTask()
			}
			return m, nil
		}
		f.focusField(f.focus + 1)
		f.validate()
		return m, textinput.Blink
	}

	if f.focus == fieldDescription {
		f.description, cmd = f.description.Update(msg)
	} else {
		f.inputs[f.focus], cmd = f.inputs[f.focus].Update(msg)
	}
	f.validate()

	return m, cmd
}

func (m *Model) saveTask() tea.Cmd {
	task := m.form.task(m.userID)
	editing := m.form.editing != nil
	return func() tea.Msg {
		if editing {
			if err := m.store.UpdateTask(m.ctx, task); err != nil {
				return errMsg{err}
			}
			m.reschedule(task)
			return taskSavedMsg{task}
		}

		if m.executor != nil {
			if err := m.executor.EnsureTaskQuota(m.ctx, m.userID); err != nil {
				return errMsg{err}
			}
		}
		if err := m.store.CreateTask(m.ctx, task); err != nil {
			return errMsg{err}
		}
		if m.scheduler != nil {
			_ = m.scheduler.AddTask(m.ctx, task)
		}
		return taskSavedMsg{task}
	}
}
