package notify

import (
	"bytes"
	"embed"
	"encoding/json"
	"html/template"
	"math"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/kylemclaren/browsercron/internal/db"
)

//go:embed templates/*.html.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html.tmpl"))

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM, extension.Linkify),
	goldmark.WithRendererOptions(html.WithHardWraps(), html.WithXHTML()),
)

const (
	successColor = "#10b981"
	failureColor = "#ef4444"
	maxTopTasks  = 5
)

type taskEmailData struct {
	TaskName    string
	Description template.HTML
	Success     bool
	Color       string
	RunID       string
	Duration    string
	Time        string
	Error       string
	Output      string
	TaskURL     string
}

func (n *Notifier) renderTask(o TaskOutcome) (string, error) {
	success := o.Status == db.RunStatusSuccess
	data := taskEmailData{
		TaskName:    o.TaskName,
		Description: renderMarkdown(o.TaskDescription),
		Success:     success,
		Color:       failureColor,
		RunID:       o.RunID,
		Time:        n.now().UTC().Format("Jan 2, 2006 15:04:05 MST"),
		Error:       o.Error,
		Output:      prettyJSON(o.Output),
		TaskURL:     n.appURL + "/tasks/" + o.TaskID,
	}
	if success {
		data.Color = successColor
	}
	if o.Duration > 0 {
		data.Duration = o.Duration.Round(time.Second).String()
	}
	return execute("task.html.tmpl", data)
}

type usageEmailData struct {
	UserName     string
	Kind         LimitKind
	Plan         string
	Current      int
	Limit        int
	Remaining    int
	Percentage   int
	Width        int
	PricingURL   string
	DashboardURL string
}

func (n *Notifier) renderUsage(u UsageLimit) (string, error) {
	data := usageEmailData{
		UserName:     u.UserName,
		Kind:         u.Kind,
		Plan:         string(u.Plan),
		Current:      u.Current,
		Limit:        u.Limit,
		Remaining:    max(u.Limit-u.Current, 0),
		Percentage:   percentage(u.Current, u.Limit),
		PricingURL:   n.appURL + "/pricing",
		DashboardURL: n.appURL + "/dashboard",
	}
	data.Width = min(data.Percentage, 100)
	return execute("usage.html.tmpl", data)
}

type digestEmailData struct {
	UserName       string
	TotalRuns      int
	SuccessfulRuns int
	FailedRuns     int
	SuccessRate    int
	Tasks          []TaskStats
	DashboardURL   string
}

func (n *Notifier) renderDigest(d WeeklyDigest) (string, error) {
	tasks := d.Stats.Tasks
	if len(tasks) > maxTopTasks {
		tasks = tasks[:maxTopTasks]
	}
	data := digestEmailData{
		UserName:       d.UserName,
		TotalRuns:      d.Stats.TotalRuns,
		SuccessfulRuns: d.Stats.SuccessfulRuns,
		FailedRuns:     d.Stats.FailedRuns,
		SuccessRate:    percentage(d.Stats.SuccessfulRuns, d.Stats.TotalRuns),
		Tasks:          tasks,
		DashboardURL:   n.appURL + "/dashboard",
	}
	return execute("digest.html.tmpl", data)
}

func execute(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func renderMarkdown(src string) template.HTML {
	src = strings.TrimSpace(src)
	if src == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return template.HTML("<p>" + template.HTMLEscapeString(src) + "</p>")
	}
	return template.HTML(buf.String())
}

func prettyJSON(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// percentage returns the rounded share of part in total, zero for an empty total.
func percentage(part, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(part) / float64(total) * 100))
}
