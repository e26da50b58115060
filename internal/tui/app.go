package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/kylemclaren/browsercron/internal/db"
	"github.com/kylemclaren/browsercron/internal/executor"
	"github.com/kylemclaren/browsercron/internal/notify"
	"github.com/kylemclaren/browsercron/internal/scheduler"
)

// View represents the current view
type View int

const (
	ViewList View = iota
	ViewAdd
	ViewRuns
	ViewEdit
	ViewSettings
)

// KeyMap defines keybindings
type KeyMap struct {
	Up       key.Binding
	Down     key.Binding
	Add      key.Binding
	Edit     key.Binding
	Delete   key.Binding
	Toggle   key.Binding
	Run      key.Binding
	Enter    key.Binding
	Search   key.Binding
	Settings key.Binding
	Help     key.Binding
	Quit     key.Binding
}

var keys = KeyMap{
	Up:       key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:     key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Add:      key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "add")),
	Edit:     key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "edit")),
	Delete:   key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "delete")),
	Toggle:   key.NewBinding(key.WithKeys("t"), key.WithHelp("t", "toggle")),
	Run:      key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "run now")),
	Enter:    key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "runs")),
	Search:   key.NewBinding(key.WithKeys("/"), key.WithHelp("/", "search")),
	Settings: key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "settings")),
	Help:     key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
	Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Add, k.Edit, k.Delete, k.Toggle, k.Run, k.Search, k.Settings, k.Quit}
}

func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Enter},
		{k.Add, k.Edit, k.Delete},
		{k.Toggle, k.Run, k.Search},
		{k.Settings, k.Help, k.Quit},
	}
}

// Config wires the TUI to the store and the execution engine. Scheduler is
// optional: without it runs are started directly on the executor.
type Config struct {
	Store     *db.DB
	Executor  *executor.Executor
	Scheduler *scheduler.Scheduler
	UserID    string
}

// Model is the main TUI model
type Model struct {
	ctx       context.Context
	store     *db.DB
	executor  *executor.Executor
	scheduler *scheduler.Scheduler
	userID    string

	currentView View
	width       int
	height      int

	// List view
	tasks        []*db.Task
	table        table.Model
	nextRuns     map[string]time.Time
	lastStatuses map[string]db.RunStatus

	// Delete confirmation
	confirmDelete  bool
	deleteTask     *db.Task
	deleteYesFocus bool

	searchMode    bool
	searchInput   textinput.Model
	filteredTasks []*db.Task

	spinner  spinner.Model
	help     help.Model
	showHelp bool

	form taskForm

	// Runs view
	selectedTask *db.Task
	taskRuns     []*db.TaskRun
	viewport     viewport.Model
	mdRenderer   *glamour.TermRenderer

	// Plan usage
	plan           db.Plan
	usage          []executor.Usage
	usageThreshold float64
	weeklyDigest   bool

	thresholdInput textinput.Model

	statusMsg   string
	statusErr   bool
	statusTimer int
}

// Layout constants
const (
	minWidth           = 60
	maxTableWidth      = 160
	headerHeight       = 4
	footerHeight       = 4
	minTableHeight     = 5
	runsHeaderHeight   = 5
	runsFooterHeight   = 3
	statusMsgTicks     = 5
	runsHistoryLimit   = 20
	defaultRenderWidth = 80
)

// calculateTableColumns returns column definitions sized for the given width
func calculateTableColumns(width int) []table.Column {
	available := min(max(width-4, minWidth), maxTableWidth)

	statusWidth := 12
	remaining := available - statusWidth - 8

	nameWidth := max(remaining*30/90, 12)
	scheduleWidth := max(remaining*20/90, 12)
	nextWidth := max(remaining*20/90, 14)
	lastWidth := max(remaining*20/90, 14)

	return []table.Column{
		{Title: "Name", Width: nameWidth},
		{Title: "Schedule", Width: scheduleWidth},
		{Title: "Status", Width: statusWidth},
		{Title: "Next Run", Width: nextWidth},
		{Title: "Last Run", Width: lastWidth},
	}
}

// NewModel creates a new TUI model
func NewModel(ctx context.Context, cfg Config) Model {
	if cfg.UserID == "" {
		cfg.UserID = db.DemoUserID
	}

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(cronAmber)

	h := help.New()
	h.Styles.ShortKey = helpKeyStyle
	h.Styles.ShortDesc = helpDescStyle

	t := table.New(
		table.WithColumns(calculateTableColumns(100)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	ts := table.DefaultStyles()
	ts.Header = ts.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(cronSlate).
		BorderBottom(true).
		Bold(true).
		Foreground(cronIndigo)
	ts.Selected = ts.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(cronTeal).
		Bold(true)
	t.SetStyles(ts)

	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(defaultRenderWidth),
	)

	threshold, _ := cfg.Store.GetUsageThreshold(ctx)

	thresholdInput := textinput.New()
	thresholdInput.Placeholder = fmt.Sprintf("%d", db.DefaultUsageThreshold)
	thresholdInput.CharLimit = 3
	thresholdInput.Width = 10
	thresholdInput.SetValue(fmt.Sprintf("%.0f", threshold))

	searchInput := textinput.New()
	searchInput.Placeholder = "Search tasks..."
	searchInput.CharLimit = 100
	searchInput.Width = 30

	m := Model{
		ctx:            ctx,
		store:          cfg.Store,
		executor:       cfg.Executor,
		scheduler:      cfg.Scheduler,
		userID:         cfg.UserID,
		table:          t,
		nextRuns:       make(map[string]time.Time),
		lastStatuses:   make(map[string]db.RunStatus),
		searchInput:    searchInput,
		spinner:        s,
		help:           h,
		form:           newTaskForm(),
		viewport:       viewport.New(defaultRenderWidth, 20),
		mdRenderer:     renderer,
		usageThreshold: threshold,
		thresholdInput: thresholdInput,
	}
	return m
}

func (m *Model) updateTable() {
	tasks := m.getDisplayTasks()
	if len(tasks) == 0 {
		m.table.SetRows([]table.Row{})
		return
	}

	nameWidth, scheduleWidth := 18, 18
	if columns := m.table.Columns(); len(columns) >= 2 {
		nameWidth = columns[0].Width - 2
		scheduleWidth = columns[1].Width - 2
	}

	rows := make([]table.Row, len(tasks))
	for i, task := range tasks {
		var status []string
		last, ok := m.lastStatuses[task.ID]
		switch {
		case ok && last == db.RunStatusRunning:
			status = append(status, "● running")
		case ok && last == db.RunStatusSuccess:
			status = append(status, "✓")
		case ok && last == db.RunStatusFailed:
			status = append(status, "✗")
		}
		if !ok || last != db.RunStatusRunning {
			if task.IsActive {
				status = append(status, "active")
			} else {
				status = append(status, "paused")
			}
		}

		schedule := "manual"
		if task.CronSchedule != "" {
			schedule = task.CronSchedule
		}

		nextRun := "-"
		if next, ok := m.nextRuns[task.ID]; ok {
			nextRun = formatTime(next)
		} else if task.NextRunAt != nil {
			nextRun = formatTime(*task.NextRunAt)
		}

		lastRun := "-"
		if task.LastRunAt != nil {
			lastRun = formatTime(*task.LastRunAt)
		}

		rows[i] = table.Row{
			truncate(task.Name, nameWidth),
			truncate(schedule, scheduleWidth),
			strings.Join(status, " "),
			nextRun,
			lastRun,
		}
	}
	m.table.SetRows(rows)
}

func (m *Model) runningCount() int {
	n := 0
	for _, task := range m.tasks {
		if m.lastStatuses[task.ID] == db.RunStatusRunning {
			n++
		}
	}
	return n
}

func formatTime(t time.Time) string {
	now := time.Now()
	if t.Before(now) {
		return t.Local().Format("Jan 02 15:04")
	}

	diff := t.Sub(now)
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("in %ds", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("in %dm", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("in %dh %dm", int(diff.Hours()), int(diff.Minutes())%60)
	}
	return t.Local().Format("Jan 02 15:04")
}

func truncate(s string, max int) string {
	r := []rune(s)
	if max < 4 || len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

// Messages
type tasksLoadedMsg struct{ tasks []*db.Task }
type taskSavedMsg struct{ task *db.Task }
type taskDeletedMsg struct{ id string }
type taskToggledMsg struct {
	id     string
	active bool
}
type taskStartedMsg struct {
	task *db.Task
	run  *db.TaskRun
}
type taskRunsLoadedMsg struct{ runs []*db.TaskRun }
type lastStatusesMsg struct{ statuses map[string]db.RunStatus }
type usageUpdatedMsg struct {
	plan   db.Plan
	digest bool
	usage  []executor.Usage
}
type settingsSavedMsg struct {
	threshold float64
	digest    bool
}
type errMsg struct{ err error }
type tickMsg time.Time

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.loadTasks(),
		m.spinner.Tick,
		m.fetchUsage(),
		m.fetchLastStatuses(),
		tickCmd(),
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) loadTasks() tea.Cmd {
	return func() tea.Msg {
		tasks, err := m.store.ListUserTasks(m.ctx, m.userID)
		if err != nil {
			return errMsg{err}
		}
		return tasksLoadedMsg{tasks}
	}
}

func (m *Model) fetchLastStatuses() tea.Cmd {
	return func() tea.Msg {
		statuses, err := m.store.GetLastRunStatuses(m.ctx)
		if err != nil {
			return lastStatusesMsg{statuses: make(map[string]db.RunStatus)}
		}
		return lastStatusesMsg{statuses: statuses}
	}
}

func (m *Model) fetchUsage() tea.Cmd {
	return func() tea.Msg {
		user, err := m.store.GetUser(m.ctx, m.userID)
		if err != nil {
			return errMsg{err}
		}
		msg := usageUpdatedMsg{plan: user.Plan, digest: user.WeeklyDigest}
		if m.executor == nil {
			return msg
		}
		for _, kind := range []notify.LimitKind{notify.LimitTasks, notify.LimitRuns} {
			u, err := m.executor.GetUsage(m.ctx, user, kind)
			if err != nil {
				return errMsg{err}
			}
			msg.usage = append(msg.usage, u)
		}
		return msg
	}
}

func (m *Model) refreshNextRuns() {
	if m.scheduler == nil {
		return
	}
	m.nextRuns = m.scheduler.GetAllNextRunTimes()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

		switch m.currentView {
		case ViewList:
			return m.updateList(msg)
		case ViewAdd, ViewEdit:
			return m.updateForm(msg)
		case ViewRuns:
			return m.updateRuns(msg)
		case ViewSettings:
			return m.updateSettings(msg)
		}

	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		m.refreshNextRuns()
		m.updateTable()

		if m.statusTimer > 0 {
			m.statusTimer--
			if m.statusTimer == 0 {
				m.statusMsg = ""
			}
		}
		cmds = append(cmds, tickCmd(), m.fetchLastStatuses())
		// Usage only moves when runs finish, poll it less often.
		if time.Time(msg).Second()%10 == 0 {
			cmds = append(cmds, m.fetchUsage())
		}

	case tasksLoadedMsg:
		m.tasks = msg.tasks
		if m.searchMode {
			m.filterTasks()
		}
		m.refreshNextRuns()
		m.updateTable()

	case lastStatusesMsg:
		m.lastStatuses = msg.statuses
		m.updateTable()

	case usageUpdatedMsg:
		m.plan = msg.plan
		m.weeklyDigest = msg.digest
		m.usage = msg.usage

	case settingsSavedMsg:
		m.usageThreshold = msg.threshold
		m.weeklyDigest = msg.digest
		m.setStatus(fmt.Sprintf("Settings saved: threshold %.0f%%", msg.threshold), false)
		m.currentView = ViewList

	case taskSavedMsg:
		m.setStatus("Task saved: "+msg.task.Name, false)
		m.currentView = ViewList
		cmds = append(cmds, m.loadTasks(), m.fetchUsage())

	case taskDeletedMsg:
		m.setStatus("Task deleted", false)
		cmds = append(cmds, m.loadTasks(), m.fetchUsage())

	case taskToggledMsg:
		if msg.active {
			m.setStatus("Task activated", false)
		} else {
			m.setStatus("Task paused", false)
		}
		if m.selectedTask != nil && m.selectedTask.ID == msg.id {
			m.selectedTask.IsActive = msg.active
		}
		cmds = append(cmds, m.loadTasks())

	case taskStartedMsg:
		m.lastStatuses[msg.task.ID] = db.RunStatusRunning
		m.updateTable()
		m.setStatus("Started: "+msg.task.Name, false)

	case taskRunsLoadedMsg:
		m.taskRuns = msg.runs
		m.viewport.SetContent(m.renderRunsContent())
		m.viewport.GotoTop()

	case errMsg:
		m.setStatus("Error: "+msg.err.Error(), true)
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height

	m.table.SetColumns(calculateTableColumns(width))
	m.table.SetWidth(min(width-4, maxTableWidth))

	indicator := 0
	if m.runningCount() > 0 {
		indicator = 2
	}
	m.table.SetHeight(max(height-headerHeight-footerHeight-indicator-2, minTableHeight))

	m.viewport.Width = width - 6
	m.viewport.Height = max(height-runsHeaderHeight-runsFooterHeight-2, 5)

	m.help.Width = width
	m.form.resize(width, height)

	if renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width-10),
	); err == nil {
		m.mdRenderer = renderer
	}
	m.updateTable()
}

func (m *Model) selectedListTask() *db.Task {
	tasks := m.getDisplayTasks()
	idx := m.table.Cursor()
	if idx < 0 || idx >= len(tasks) {
		return nil
	}
	return tasks[idx]
}

func (m *Model) updateList(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	if m.confirmDelete {
		switch msg.String() {
		case "left", "h":
			m.deleteYesFocus = true
		case "right", "l":
			m.deleteYesFocus = false
		case "tab":
			m.deleteYesFocus = !m.deleteYesFocus
		case "y", "Y":
			return m, m.closeDeleteModal(true)
		case "enter":
			return m, m.closeDeleteModal(m.deleteYesFocus)
		case "n", "N", "esc":
			return m, m.closeDeleteModal(false)
		}
		return m, nil
	}

	if m.searchMode && m.searchInput.Focused() {
		switch msg.String() {
		case "esc":
			m.clearSearch()
			return m, nil
		case "enter":
			// keep the filter, give keys back to the table
			m.searchInput.Blur()
			return m, nil
		default:
			m.searchInput, cmd = m.searchInput.Update(msg)
			m.filterTasks()
			m.updateTable()
			return m, cmd
		}
	}

	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "?":
		m.showHelp = !m.showHelp
		return m, nil
	case "esc":
		if m.searchMode {
			m.clearSearch()
		}
		return m, nil
	case "/":
		m.searchMode = true
		m.searchInput.Focus()
		return m, textinput.Blink
	case "a":
		m.currentView = ViewAdd
		m.form.reset(nil)
		return m, textinput.Blink
	case "e":
		if task := m.selectedListTask(); task != nil {
			m.currentView = ViewEdit
			m.form.reset(task)
			return m, textinput.Blink
		}
	case "d":
		if task := m.selectedListTask(); task != nil {
			m.confirmDelete = true
			m.deleteTask = task
			m.deleteYesFocus = false
		}
		return m, nil
	case "t":
		if task := m.selectedListTask(); task != nil {
			return m, m.toggleTask(task.ID)
		}
	case "r":
		if task := m.selectedListTask(); task != nil {
			return m, m.runTask(task)
		}
		return m, nil
	case "enter":
		if task := m.selectedListTask(); task != nil {
			m.selectedTask = task
			m.currentView = ViewRuns
			return m, m.loadTaskRuns(task.ID)
		}
	case "s":
		m.currentView = ViewSettings
		m.thresholdInput.SetValue(fmt.Sprintf("%.0f", m.usageThreshold))
		m.thresholdInput.Focus()
		return m, textinput.Blink
	default:
		if len(m.getDisplayTasks()) > 0 {
			m.table, cmd = m.table.Update(msg)
		}
	}

	return m, cmd
}

func (m *Model) closeDeleteModal(confirmed bool) tea.Cmd {
	task := m.deleteTask
	m.confirmDelete = false
	m.deleteTask = nil
	m.deleteYesFocus = false
	if !confirmed || task == nil {
		return nil
	}
	return m.removeTask(task.ID)
}

func (m *Model) clearSearch() {
	m.searchMode = false
	m.searchInput.SetValue("")
	m.searchInput.Blur()
	m.filteredTasks = nil
	m.updateTable()
}

// getDisplayTasks returns the tasks currently shown, filtered when searching
func (m *Model) getDisplayTasks() []*db.Task {
	if m.searchMode && m.searchInput.Value() != "" {
		return m.filteredTasks
	}
	return m.tasks
}

func (m *Model) filterTasks() {
	query := strings.ToLower(strings.TrimSpace(m.searchInput.Value()))
	if query == "" {
		m.filteredTasks = m.tasks
		return
	}

	m.filteredTasks = nil
	for _, task := range m.tasks {
		if strings.Contains(strings.ToLower(task.Name), query) ||
			strings.Contains(strings.ToLower(task.Description), query) ||
			strings.Contains(strings.ToLower(task.TargetSite), query) {
			m.filteredTasks = append(m.filteredTasks, task)
		}
	}
}

func (m *Model) updateRuns(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg.String() {
	case "esc", "q":
		m.currentView = ViewList
		return m, nil
	case "r":
		return m, m.loadTaskRuns(m.selectedTask.ID)
	case "x":
		return m, m.runTask(m.selectedTask)
	case "t":
		return m, m.toggleTask(m.selectedTask.ID)
	}

	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *Model) updateSettings(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg.String() {
	case "esc":
		m.currentView = ViewList
		return m, nil
	case "ctrl+w":
		m.weeklyDigest = !m.weeklyDigest
		return m, nil
	case "enter", "ctrl+s":
		return m, m.saveSettings(m.thresholdInput.Value(), m.weeklyDigest)
	}

	m.thresholdInput, cmd = m.thresholdInput.Update(msg)
	return m, cmd
}

func (m *Model) saveSettings(value string, digest bool) tea.Cmd {
	return func() tea.Msg {
		var threshold float64
		if _, err := fmt.Sscanf(strings.TrimSpace(value), "%f", &threshold); err != nil {
			return errMsg{fmt.Errorf("invalid threshold value")}
		}
		if err := m.store.SetUsageThreshold(m.ctx, threshold); err != nil {
			return errMsg{err}
		}
		if err := m.store.SetWeeklyDigest(m.ctx, m.userID, digest); err != nil {
			return errMsg{err}
		}
		return settingsSavedMsg{threshold: threshold, digest: digest}
	}
}

func (m *Model) removeTask(id string) tea.Cmd {
	return func() tea.Msg {
		if m.scheduler != nil {
			m.scheduler.RemoveTask(id)
		}
		if err := m.store.DeleteTask(m.ctx, id); err != nil {
			return errMsg{err}
		}
		return taskDeletedMsg{id}
	}
}

func (m *Model) toggleTask(id string) tea.Cmd {
	return func() tea.Msg {
		if err := m.store.ToggleTask(m.ctx, id); err != nil {
			return errMsg{err}
		}
		task, err := m.store.GetTask(m.ctx, id)
		if err != nil {
			return errMsg{err}
		}
		m.reschedule(task)
		return taskToggledMsg{id: id, active: task.IsActive}
	}
}

func (m *Model) reschedule(task *db.Task) {
	if m.scheduler == nil {
		return
	}
	_ = m.scheduler.UpdateTask(m.ctx, task)
}

func (m *Model) runTask(task *db.Task) tea.Cmd {
	return func() tea.Msg {
		var (
			x   *executor.Execution
			err error
		)
		switch {
		case m.scheduler != nil:
			x, err = m.scheduler.RunTaskNow(m.ctx, task.ID)
		case m.executor != nil:
			x, err = m.executor.Execute(m.ctx, task.ID, executor.Options{})
		default:
			err = fmt.Errorf("no executor configured")
		}
		if err != nil {
			return errMsg{err}
		}
		return taskStartedMsg{task: task, run: x.Run}
	}
}

func (m *Model) loadTaskRuns(taskID string) tea.Cmd {
	return func() tea.Msg {
		runs, err := m.store.GetTaskRuns(m.ctx, taskID, runsHistoryLimit)
		if err != nil {
			return errMsg{err}
		}
		return taskRunsLoadedMsg{runs}
	}
}

func (m *Model) setStatus(msg string, isErr bool) {
	m.statusMsg = msg
	m.statusErr = isErr
	m.statusTimer = statusMsgTicks
}

// Run starts the TUI application
func Run(ctx context.Context, cfg Config) error {
	p := tea.NewProgram(NewModel(ctx, cfg), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
