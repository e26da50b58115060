// Package webhook posts run results to chat webhooks configured on a task.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kylemclaren/browsercron/internal/db"
	"github.com/kylemclaren/browsercron/internal/log"
)

const footerText = "BrowserCron"

// Dispatcher sends a finished run to every webhook configured on its task.
type Dispatcher struct {
	discord *Discord
	slack   *Slack
	logger  log.Logger
}

// NewDispatcher creates a dispatcher with the default Discord and Slack handlers.
func NewDispatcher(logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Noop
	}
	return &Dispatcher{
		discord: NewDiscord(),
		slack:   NewSlack(),
		logger:  logger.WithValues(log.Kv{"svc": "webhook"}),
	}
}

// Send posts the run to the task webhooks. Errors are logged, not returned.
func (d *Dispatcher) Send(ctx context.Context, task *db.Task, run *db.TaskRun) {
	if task.DiscordWebhook != "" {
		if err := d.discord.SendResult(ctx, task.DiscordWebhook, task, run); err != nil {
			d.logger.Warningf("Discord webhook for task %s failed: %v", task.ID, err)
		}
	}
	if task.SlackWebhook != "" {
		if err := d.slack.SendResult(ctx, task.SlackWebhook, task, run); err != nil {
			d.logger.Warningf("Slack webhook for task %s failed: %v", task.ID, err)
		}
	}
}

// outputText renders the structured run output as markdown. A {result: [...]}
// output becomes a bullet list, anything else a JSON code block.
func outputText(run *db.TaskRun) string {
	if len(run.OutputJSON) == 0 || string(run.OutputJSON) == "null" {
		return ""
	}

	var structured struct {
		Result []string `json:"result"`
	}
	if err := json.Unmarshal(run.OutputJSON, &structured); err == nil && len(structured.Result) > 0 {
		var b strings.Builder
		for _, line := range structured.Result {
			b.WriteString("• ")
			b.WriteString(line)
			b.WriteString("\n")
		}
		return strings.TrimSuffix(b.String(), "\n")
	}

	var s string
	if err := json.Unmarshal(run.OutputJSON, &s); err == nil {
		return s
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, run.OutputJSON, "", "  "); err != nil {
		return string(run.OutputJSON)
	}
	return "```\n" + pretty.String() + "\n```"
}

func runDuration(run *db.TaskRun) string {
	if run.FinishedAt == nil {
		return "running"
	}
	return run.Duration().Round(time.Second).String()
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int, suffix string) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + suffix
}

func post(ctx context.Context, client *http.Client, webhookURL string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
