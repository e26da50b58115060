package db

import (
	"encoding/json"
	"time"
)

// Plan is a user's subscription plan
type Plan string

const (
	PlanFree     Plan = "FREE"
	PlanPro      Plan = "PRO"
	PlanBusiness Plan = "BUSINESS"
)

// PlanLimits are the per-plan ceilings used for usage alerts
type PlanLimits struct {
	Tasks        int `json:"tasks"`
	RunsPerMonth int `json:"runs_per_month"`
}

var planLimits = map[Plan]PlanLimits{
	PlanFree:     {Tasks: 5, RunsPerMonth: 100},
	PlanPro:      {Tasks: 50, RunsPerMonth: 2000},
	PlanBusiness: {Tasks: 500, RunsPerMonth: 20000},
}

// Limits returns the plan limits, falling back to the free plan
func (p Plan) Limits() PlanLimits {
	if l, ok := planLimits[p]; ok {
		return l
	}
	return planLimits[PlanFree]
}

// User owns tasks and notification logs
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Image        string    `json:"image,omitempty"`
	Plan         Plan      `json:"plan"`
	WeeklyDigest bool      `json:"weekly_digest"`
	CreatedAt    time.Time `json:"created_at"`
}

// Demo user seeded on startup and used when no identity provider is configured
const (
	DemoUserID    = "demo-user"
	DemoUserEmail = "demo@example.com"
	DemoUserName  = "Demo User"
)

// RuleKind is the predicate kind of a notification rule
type RuleKind string

const (
	RuleTextContains    RuleKind = "text_contains"
	RuleTextNotContains RuleKind = "text_not_contains"
	RuleOutputContains  RuleKind = "output_contains"
	RuleJMESPath        RuleKind = "jmespath"
)

// NotificationRule is a predicate over a run's output
type NotificationRule struct {
	Type    RuleKind `json:"type" yaml:"type"`
	Value   string   `json:"value" yaml:"value"`
	Enabled bool     `json:"enabled" yaml:"enabled"`
}

// Task represents a browser automation task
type Task struct {
	ID                string             `json:"id"`
	UserID            string             `json:"user_id"`
	Name              string             `json:"name"`
	Description       string             `json:"description"`
	TargetSite        string             `json:"target_site"`
	CronSchedule      string             `json:"cron_schedule,omitempty"`
	IsActive          bool               `json:"is_active"`
	NotifyOnSuccess   bool               `json:"notify_on_success"`
	NotifyOnFailure   bool               `json:"notify_on_failure"`
	NotificationEmail string             `json:"notification_email,omitempty"`
	NotificationRules []NotificationRule `json:"notification_rules"`
	DiscordWebhook    string             `json:"discord_webhook,omitempty"`
	SlackWebhook      string             `json:"slack_webhook,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	LastRunAt         *time.Time         `json:"last_run_at,omitempty"`
	NextRunAt         *time.Time         `json:"next_run_at,omitempty"`
}

// IsScheduled reports whether the task has a cron schedule
func (t *Task) IsScheduled() bool {
	return t.CronSchedule != ""
}

// RunStatus represents the status of a task run
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// IsTerminal reports whether no further mutation is allowed
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// TaskRun represents one execution of a task
type TaskRun struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	Status     RunStatus       `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	OutputJSON json.RawMessage `json:"output_json,omitempty"`
	ErrorMsg   string          `json:"error_msg,omitempty"`
	Logs       string          `json:"logs,omitempty"`
}

// Duration returns the run duration, zero while running
func (r *TaskRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// NotificationKind identifies why a notification was sent
type NotificationKind string

const (
	NotificationTaskSuccess     NotificationKind = "task_success"
	NotificationTaskFailed      NotificationKind = "task_failed"
	NotificationUsageLimitTasks NotificationKind = "usage_limit_tasks"
	NotificationUsageLimitRuns  NotificationKind = "usage_limit_runs"
	NotificationWeeklyDigest    NotificationKind = "weekly_digest"
)

// DeliveryStatus is the outcome of a notification attempt
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// NotificationLog records one notification attempt
type NotificationLog struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	TaskID    string           `json:"task_id,omitempty"`
	Kind      NotificationKind `json:"kind"`
	Email     string           `json:"email"`
	Subject   string           `json:"subject"`
	Status    DeliveryStatus   `json:"status"`
	ErrorMsg  string           `json:"error_msg,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// RunSummary is a flattened run row used for digests
type RunSummary struct {
	TaskID   string
	TaskName string
	Status   RunStatus
}
