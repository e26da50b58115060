package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/kylemclaren/browsercron/internal/db"
)

// Discord posts runs as embeds to Discord webhooks.
type Discord struct {
	client *http.Client
}

// NewDiscord returns a Discord sender.
func NewDiscord() *Discord {
	return &Discord{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// DiscordEmbed is a Discord embed object.
type DiscordEmbed struct {
	Title       string       `json:"title"`
	URL         string       `json:"url,omitempty"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
}

// EmbedField is a name/value pair of an embed.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// EmbedFooter is the footer line of an embed.
type EmbedFooter struct {
	Text string `json:"text"`
}

// DiscordPayload is the webhook body.
type DiscordPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// Embed descriptions are capped at 4096 characters by Discord.
const discordOutputLimit = 3500

// BuildPayload builds the embed for a run. The embed title links to the
// target site when the task has one.
func (d *Discord) BuildPayload(task *db.Task, run *db.TaskRun) DiscordPayload {
	color, emoji := 0xF59E0B, "⏳"
	switch run.Status {
	case db.RunStatusSuccess:
		color, emoji = 0x10B981, "✅"
	case db.RunStatusFailed:
		color, emoji = 0xEF4444, "❌"
	}

	desc := truncate(outputText(run), discordOutputLimit, "\n\n*... (truncated)*")
	if desc == "" {
		desc = "*No output*"
	}

	fields := []EmbedField{
		{Name: "Status", Value: string(run.Status), Inline: true},
		{Name: "Duration", Value: runDuration(run), Inline: true},
	}
	if task.TargetSite != "" {
		fields = append(fields, EmbedField{Name: "Site", Value: task.TargetSite, Inline: true})
	}
	if run.ErrorMsg != "" {
		fields = append(fields, EmbedField{Name: "⚠️ Error", Value: "```\n" + truncate(run.ErrorMsg, 500, "...") + "\n```"})
	}

	return DiscordPayload{Embeds: []DiscordEmbed{{
		Title:       emoji + " Task: " + task.Name,
		URL:         task.TargetSite,
		Description: desc,
		Color:       color,
		Fields:      fields,
		Timestamp:   run.StartedAt.Format(time.RFC3339),
		Footer:      &EmbedFooter{Text: footerText},
	}}}
}

// SendResult posts a run to a Discord webhook.
func (d *Discord) SendResult(ctx context.Context, webhookURL string, task *db.Task, run *db.TaskRun) error {
	return post(ctx, d.client, webhookURL, d.BuildPayload(task, run))
}
