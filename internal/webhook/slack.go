package webhook

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kylemclaren/browsercron/internal/db"
)

// Slack posts runs as Block Kit messages to incoming webhooks.
type Slack struct {
	client *http.Client
}

// NewSlack returns a Slack sender.
func NewSlack() *Slack {
	return &Slack{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SlackBlock is a Block Kit block.
type SlackBlock struct {
	Type     string         `json:"type"`
	Text     *SlackTextObj  `json:"text,omitempty"`
	Fields   []SlackTextObj `json:"fields,omitempty"`
	Elements []SlackElement `json:"elements,omitempty"`
}

// SlackTextObj is a Block Kit text object.
type SlackTextObj struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// SlackElement is a context block element.
type SlackElement struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SlackAttachment carries the blocks with a colored sidebar.
type SlackAttachment struct {
	Color  string       `json:"color"`
	Blocks []SlackBlock `json:"blocks"`
}

// SlackPayload is the incoming webhook body.
type SlackPayload struct {
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type slackStatus struct {
	color string
	emoji string
	label string
}

var slackStatuses = map[db.RunStatus]slackStatus{
	db.RunStatusSuccess: {color: "#10b981", emoji: ":white_check_mark:", label: "Success"},
	db.RunStatusFailed:  {color: "#ef4444", emoji: ":x:", label: "Failed"},
}

func mrkdwn(text string) SlackTextObj { return SlackTextObj{Type: "mrkdwn", Text: text} }

func mrkdwnSection(text string) SlackBlock {
	t := mrkdwn(text)
	return SlackBlock{Type: "section", Text: &t}
}

// BuildPayload builds the Block Kit message for a run.
func (s *Slack) BuildPayload(task *db.Task, run *db.TaskRun) SlackPayload {
	st, ok := slackStatuses[run.Status]
	if !ok {
		st = slackStatus{color: "#f59e0b", emoji: ":hourglass:", label: "Running"}
	}

	output := truncate(slackMrkdwn(outputText(run)), 2500, "\n... _(truncated)_")
	if output == "" {
		output = "_No output_"
	}
	site := task.TargetSite
	if site == "" {
		site = "-"
	}
	started := fmt.Sprintf("<!date^%d^{date_short} {time}|%s>", run.StartedAt.Unix(), run.StartedAt.Format(time.RFC3339))

	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObj{Type: "plain_text", Text: fmt.Sprintf("%s Task: %s", st.emoji, task.Name), Emoji: true},
		},
		{
			Type: "section",
			Fields: []SlackTextObj{
				mrkdwn("*Status:*\n" + st.label),
				mrkdwn("*Duration:*\n" + runDuration(run)),
				mrkdwn("*Site:*\n" + slackEscape(site)),
				mrkdwn("*Started:*\n" + started),
			},
		},
		{Type: "divider"},
		mrkdwnSection(output),
	}
	if run.ErrorMsg != "" {
		blocks = append(blocks, mrkdwnSection(":warning: *Error:*\n```"+slackEscape(truncate(run.ErrorMsg, 500, "..."))+"```"))
	}
	blocks = append(blocks, SlackBlock{
		Type:     "context",
		Elements: []SlackElement{{Type: "mrkdwn", Text: footerText}},
	})

	return SlackPayload{
		Attachments: []SlackAttachment{{Color: st.color, Blocks: blocks}},
	}
}

// SendResult posts a run to a Slack webhook.
func (s *Slack) SendResult(ctx context.Context, webhookURL string, task *db.Task, run *db.TaskRun) error {
	return post(ctx, s.client, webhookURL, s.BuildPayload(task, run))
}

var slackEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func slackEscape(s string) string { return slackEscaper.Replace(s) }

// slackMrkdwn adapts run output to Slack mrkdwn: control characters are
// escaped and **bold** outside code fences becomes *bold*.
func slackMrkdwn(text string) string {
	lines := strings.Split(slackEscape(text), "\n")
	fenced := false
	for i, line := range lines {
		if strings.HasPrefix(line, "```") {
			fenced = !fenced
			continue
		}
		if !fenced {
			lines[i] = strings.ReplaceAll(line, "**", "*")
		}
	}
	return strings.Join(lines, "\n")
}
