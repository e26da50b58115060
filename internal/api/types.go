package api

import (
	"encoding/json"
	"time"

	"github.com/kylemclaren/browsercron/internal/db"
)

// TaskRequest represents a task creation/update request
type TaskRequest struct {
	Name              string                `json:"name"`
	Description       string                `json:"description"`
	TargetSite        string                `json:"target_site"`
	CronSchedule      string                `json:"cron_schedule"` // Empty for manual tasks
	IsActive          *bool                 `json:"is_active,omitempty"`
	NotifyOnSuccess   bool                  `json:"notify_on_success"`
	NotifyOnFailure   *bool                 `json:"notify_on_failure,omitempty"`
	NotificationEmail string                `json:"notification_email,omitempty"`
	NotificationRules []db.NotificationRule `json:"notification_rules,omitempty"`
	DiscordWebhook    string                `json:"discord_webhook,omitempty"`
	SlackWebhook      string                `json:"slack_webhook,omitempty"`
}

// TaskResponse represents a task in API responses
type TaskResponse struct {
	ID                string                `json:"id"`
	Name              string                `json:"name"`
	Description       string                `json:"description"`
	TargetSite        string                `json:"target_site"`
	CronSchedule      string                `json:"cron_schedule"`
	IsActive          bool                  `json:"is_active"`
	NotifyOnSuccess   bool                  `json:"notify_on_success"`
	NotifyOnFailure   bool                  `json:"notify_on_failure"`
	NotificationEmail string                `json:"notification_email,omitempty"`
	NotificationRules []db.NotificationRule `json:"notification_rules"`
	DiscordWebhook    string                `json:"discord_webhook,omitempty"`
	SlackWebhook      string                `json:"slack_webhook,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
	LastRunAt         *time.Time            `json:"last_run_at,omitempty"`
	NextRunAt         *time.Time            `json:"next_run_at,omitempty"`
	LastRunStatus     string                `json:"last_run_status,omitempty"`
}

// TaskListResponse represents a list of tasks
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
	Total int            `json:"total"`
}

// TaskRunResponse represents a task run in API responses
type TaskRunResponse struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	Status     string          `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Logs       string          `json:"logs,omitempty"`
	DurationMs *int64          `json:"duration_ms,omitempty"`
}

// TaskRunsResponse represents a list of task runs
type TaskRunsResponse struct {
	Runs  []TaskRunResponse `json:"runs"`
	Total int               `json:"total"`
}

// UsageResponse is the consumption of one plan limit
type UsageResponse struct {
	Current int `json:"current"`
	Limit   int `json:"limit"`
}

// MeResponse is the acting user with its plan usage
type MeResponse struct {
	ID           string        `json:"id"`
	Email        string        `json:"email"`
	Name         string        `json:"name"`
	Image        string        `json:"image,omitempty"`
	Plan         string        `json:"plan"`
	WeeklyDigest bool          `json:"weekly_digest"`
	Tasks        UsageResponse `json:"tasks"`
	Runs         UsageResponse `json:"runs"`
}

// NotificationsResponse lists notification attempts
type NotificationsResponse struct {
	Notifications []*db.NotificationLog `json:"notifications"`
	Total         int                   `json:"total"`
}

// SettingsResponse represents the settings
type SettingsResponse struct {
	UsageThreshold float64 `json:"usage_threshold"`
	WeeklyDigest   bool    `json:"weekly_digest"`
}

// SettingsRequest represents a settings update request. Absent fields are
// left unchanged.
type SettingsRequest struct {
	UsageThreshold *float64 `json:"usage_threshold,omitempty"`
	WeeklyDigest   *bool    `json:"weekly_digest,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
