// Package manifest applies task definitions from YAML files.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"gopkg.in/yaml.v3"

	"github.com/kylemclaren/browsercron/internal/db"
	"github.com/kylemclaren/browsercron/internal/rules"
	"github.com/kylemclaren/browsercron/internal/scheduler"
)

// Manifest is the YAML structure of a tasks file.
type Manifest struct {
	Tasks []TaskSpec `yaml:"tasks"`
}

// TaskSpec is one task of a manifest.
type TaskSpec struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	TargetSite  string `yaml:"target_site"`
	Schedule    string `yaml:"schedule"`
	// Active defaults to true.
	Active *bool `yaml:"active,omitempty"`
	Notify struct {
		Email     string                `yaml:"email"`
		OnSuccess bool                  `yaml:"on_success"`
		OnFailure *bool                 `yaml:"on_failure,omitempty"`
		Rules     []db.NotificationRule `yaml:"rules"`
	} `yaml:"notify"`
	Webhooks struct {
		Discord string `yaml:"discord"`
		Slack   string `yaml:"slack"`
	} `yaml:"webhooks"`
}

func (s TaskSpec) validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Schedule != "" {
		if _, err := scheduler.ParseSchedule(s.Schedule); err != nil {
			return err
		}
	}
	if err := rules.Validate(s.Notify.Rules); err != nil {
		return fmt.Errorf("notify rules: %w", err)
	}
	return nil
}

// apply copies the spec onto a task.
func (s TaskSpec) apply(t *db.Task) {
	t.Name = s.Name
	t.Description = s.Description
	t.TargetSite = s.TargetSite
	t.CronSchedule = s.Schedule
	t.IsActive = s.Active == nil || *s.Active
	t.NotificationEmail = s.Notify.Email
	t.NotifyOnSuccess = s.Notify.OnSuccess
	t.NotifyOnFailure = s.Notify.OnFailure == nil || *s.Notify.OnFailure
	t.NotificationRules = s.Notify.Rules
	t.DiscordWebhook = s.Webhooks.Discord
	t.SlackWebhook = s.Webhooks.Slack
}

// Loader reads manifests from a filesystem.
type Loader struct {
	fs fs.FS
}

// NewLoader creates a new manifest loader.
func NewLoader(filesystem fs.FS) *Loader {
	return &Loader{fs: filesystem}
}

// Load reads, parses and validates a manifest.
func (l *Loader) Load(ctx context.Context, path string) (*Manifest, error) {
	data, err := fs.ReadFile(l.fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	seen := map[string]bool{}
	for i, spec := range m.Tasks {
		if err := spec.validate(); err != nil {
			return nil, fmt.Errorf("task %d: %w: %w", i, db.ErrNotValid, err)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("task %d: duplicated name %q: %w", i, spec.Name, db.ErrNotValid)
		}
		seen[spec.Name] = true
	}
	return &m, nil
}

// Store persists applied tasks.
type Store interface {
	FindTaskByName(ctx context.Context, userID, name string) (*db.Task, error)
	CreateTask(ctx context.Context, task *db.Task) error
	UpdateTask(ctx context.Context, task *db.Task) error
}

// Result lists the names of applied tasks.
type Result struct {
	Created []string
	Updated []string
}

// Apply upserts the manifest tasks of a user, matching existing tasks by name.
// quota, when set, is checked before every creation.
func Apply(ctx context.Context, store Store, userID string, m *Manifest, quota func(ctx context.Context, userID string) error) (Result, error) {
	var res Result
	for _, spec := range m.Tasks {
		task, err := store.FindTaskByName(ctx, userID, spec.Name)
		switch {
		case err == nil:
			spec.apply(task)
			if err := store.UpdateTask(ctx, task); err != nil {
				return res, fmt.Errorf("could not update task %q: %w", spec.Name, err)
			}
			res.Updated = append(res.Updated, spec.Name)
		case errors.Is(err, db.ErrNotFound):
			if quota != nil {
				if err := quota(ctx, userID); err != nil {
					return res, err
				}
			}
			task = &db.Task{UserID: userID}
			spec.apply(task)
			if err := store.CreateTask(ctx, task); err != nil {
				return res, fmt.Errorf("could not create task %q: %w", spec.Name, err)
			}
			res.Created = append(res.Created, spec.Name)
		default:
			return res, fmt.Errorf("could not find task %q: %w", spec.Name, err)
		}
	}
	return res, nil
}
