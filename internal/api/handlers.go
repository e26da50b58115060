package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kylemclaren/browsercron/internal/auth"
	"github.com/kylemclaren/browsercron/internal/db"
	"github.com/kylemclaren/browsercron/internal/executor"
	"github.com/kylemclaren/browsercron/internal/notify"
	"github.com/kylemclaren/browsercron/internal/rules"
	"github.com/kylemclaren/browsercron/internal/scheduler"
	"github.com/kylemclaren/browsercron/internal/version"
)

// HealthCheck handles GET /api/health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.Version,
	})
}

// GetMe handles GET /api/me
func (s *Server) GetMe(w http.ResponseWriter, r *http.Request) {
	user := s.user(r)

	tasks, err := s.executor.GetUsage(r.Context(), user, notify.LimitTasks)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to compute usage", err)
		return
	}
	runs, err := s.executor.GetUsage(r.Context(), user, notify.LimitRuns)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to compute usage", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, MeResponse{
		ID:           user.ID,
		Email:        user.Email,
		Name:         user.Name,
		Image:        user.Image,
		Plan:         string(user.Plan),
		WeeklyDigest: user.WeeklyDigest,
		Tasks:        UsageResponse{Current: tasks.Current, Limit: tasks.Limit},
		Runs:         UsageResponse{Current: runs.Current, Limit: runs.Limit},
	})
}

// ListTasks handles GET /api/tasks
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.db.ListUserTasks(r.Context(), s.user(r).ID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch tasks", err)
		return
	}

	// Get last run statuses for all tasks
	statuses, err := s.db.GetLastRunStatuses(r.Context())
	if err != nil {
		s.logger.Warningf("Could not get last run statuses: %v", err)
	}

	response := TaskListResponse{
		Tasks: make([]TaskResponse, len(tasks)),
		Total: len(tasks),
	}
	for i, task := range tasks {
		response.Tasks[i] = taskToResponse(task, statuses[task.ID])
	}

	s.jsonResponse(w, http.StatusOK, response)
}

// CreateTask handles POST /api/tasks
func (s *Server) CreateTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.user(r)

	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := validateTaskRequest(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error(), errors.Unwrap(err))
		return
	}

	if err := s.executor.EnsureTaskQuota(ctx, user.ID); err != nil {
		s.errorResponse(w, statusFor(err), "Task limit reached", err)
		return
	}

	task := &db.Task{UserID: user.ID}
	applyTaskRequest(task, &req)
	if err := s.db.CreateTask(ctx, task); err != nil {
		s.errorResponse(w, statusFor(err), "Failed to create task", err)
		return
	}

	// Schedule the task if active
	if s.scheduler != nil && task.IsActive && task.IsScheduled() {
		if err := s.scheduler.AddTask(ctx, task); err != nil {
			s.logger.Warningf("Could not schedule task %s: %v", task.ID, err)
		}
	}
	if err := s.executor.CheckUsage(ctx, user.ID, notify.LimitTasks); err != nil {
		s.logger.Warningf("Could not check task usage of user %s: %v", user.ID, err)
	}

	s.jsonResponse(w, http.StatusCreated, taskToResponse(task, ""))
}

// GetTask handles GET /api/tasks/{id}
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.task(w, r)
	if !ok {
		return
	}

	// Get last run status
	var status db.RunStatus
	if lastRun, err := s.db.GetLatestTaskRun(r.Context(), task.ID); err == nil {
		status = lastRun.Status
	}

	s.jsonResponse(w, http.StatusOK, taskToResponse(task, status))
}

// UpdateTask handles PUT /api/tasks/{id}
func (s *Server) UpdateTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.task(w, r)
	if !ok {
		return
	}

	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := validateTaskRequest(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error(), errors.Unwrap(err))
		return
	}

	applyTaskRequest(task, &req)
	if err := s.db.UpdateTask(r.Context(), task); err != nil {
		s.errorResponse(w, statusFor(err), "Failed to update task", err)
		return
	}
	s.reschedule(r, task)

	s.jsonResponse(w, http.StatusOK, taskToResponse(task, ""))
}

// DeleteTask handles DELETE /api/tasks/{id}
func (s *Server) DeleteTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.task(w, r)
	if !ok {
		return
	}

	// Remove from scheduler first
	if s.scheduler != nil {
		s.scheduler.RemoveTask(task.ID)
	}

	if err := s.db.DeleteTask(r.Context(), task.ID); err != nil {
		s.errorResponse(w, statusFor(err), "Failed to delete task", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: "Task deleted",
	})
}

// ToggleTask handles POST /api/tasks/{id}/toggle
func (s *Server) ToggleTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.task(w, r)
	if !ok {
		return
	}

	if err := s.db.ToggleTask(r.Context(), task.ID); err != nil {
		s.errorResponse(w, statusFor(err), "Failed to toggle task", err)
		return
	}

	// Get updated task
	task, err := s.db.GetTask(r.Context(), task.ID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch task", err)
		return
	}
	s.reschedule(r, task)

	s.jsonResponse(w, http.StatusOK, taskToResponse(task, ""))
}

// RunTask handles POST /api/tasks/{id}/run. It waits for the run to finish
// unless wait=false is given, in which case the running run is returned
// with 202. A run that failed at the provider is still a 200.
func (s *Server) RunTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.task(w, r)
	if !ok {
		return
	}

	wait := true
	if v := r.URL.Query().Get("wait"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "Invalid wait parameter", err)
			return
		}
		wait = b
	}

	x, err := s.executor.Execute(r.Context(), task.ID, executor.Options{Wait: wait})
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "Task not found", err)
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, "Failed to execute task", err)
		return
	}

	if !wait {
		s.jsonResponse(w, http.StatusAccepted, taskRunToResponse(x.Run))
		return
	}

	// Notification faults are logged, the run itself is final.
	run, err := x.Wait(r.Context())
	if err != nil && (run == nil || errors.Is(err, executor.ErrNotFinalized)) {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to execute task", err)
		return
	}
	if err != nil {
		s.logger.Warningf("Run %s finished with follow up errors: %v", run.ID, err)
	}
	s.jsonResponse(w, http.StatusOK, taskRunToResponse(run))
}

// GetTaskRuns handles GET /api/tasks/{id}/runs
func (s *Server) GetTaskRuns(w http.ResponseWriter, r *http.Request) {
	task, ok := s.task(w, r)
	if !ok {
		return
	}

	// Get limit from query params, default 20
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	runs, err := s.db.GetTaskRuns(r.Context(), task.ID, limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch task runs", err)
		return
	}

	response := TaskRunsResponse{
		Runs:  make([]TaskRunResponse, len(runs)),
		Total: len(runs),
	}
	for i, run := range runs {
		response.Runs[i] = taskRunToResponse(run)
	}

	s.jsonResponse(w, http.StatusOK, response)
}

// GetLatestTaskRun handles GET /api/tasks/{id}/runs/latest
func (s *Server) GetLatestTaskRun(w http.ResponseWriter, r *http.Request) {
	task, ok := s.task(w, r)
	if !ok {
		return
	}

	run, err := s.db.GetLatestTaskRun(r.Context(), task.ID)
	if err != nil {
		s.errorResponse(w, statusFor(err), "No runs found", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, taskRunToResponse(run))
}

// GetTaskRunByID handles GET /api/tasks/{id}/runs/{runId}
func (s *Server) GetTaskRunByID(w http.ResponseWriter, r *http.Request) {
	_, run, ok := s.taskRun(w, r)
	if !ok {
		return
	}
	s.jsonResponse(w, http.StatusOK, taskRunToResponse(run))
}

// ListNotifications handles GET /api/notifications
func (s *Server) ListNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	logs, err := s.db.ListNotificationLogs(r.Context(), s.user(r).ID, limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch notifications", err)
		return
	}
	if logs == nil {
		logs = []*db.NotificationLog{}
	}

	s.jsonResponse(w, http.StatusOK, NotificationsResponse{Notifications: logs, Total: len(logs)})
}

// GetSettings handles GET /api/settings
func (s *Server) GetSettings(w http.ResponseWriter, r *http.Request) {
	threshold, _ := s.db.GetUsageThreshold(r.Context())

	s.jsonResponse(w, http.StatusOK, SettingsResponse{
		UsageThreshold: threshold,
		WeeklyDigest:   s.user(r).WeeklyDigest,
	})
}

// UpdateSettings handles PUT /api/settings
func (s *Server) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.user(r)

	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.UsageThreshold != nil {
		if err := s.db.SetUsageThreshold(ctx, *req.UsageThreshold); err != nil {
			s.errorResponse(w, statusFor(err), "Usage threshold must be between 0 and 100", err)
			return
		}
	}
	if req.WeeklyDigest != nil {
		if err := s.db.SetWeeklyDigest(ctx, user.ID, *req.WeeklyDigest); err != nil {
			s.errorResponse(w, statusFor(err), "Failed to update settings", err)
			return
		}
		user.WeeklyDigest = *req.WeeklyDigest
	}

	threshold, _ := s.db.GetUsageThreshold(ctx)
	s.jsonResponse(w, http.StatusOK, SettingsResponse{
		UsageThreshold: threshold,
		WeeklyDigest:   user.WeeklyDigest,
	})
}

// Helper functions

func (s *Server) user(r *http.Request) *db.User {
	u, _ := auth.UserFromContext(r.Context())
	return u
}

// task loads the {id} task of the acting user, writing a 404 when missing.
func (s *Server) task(w http.ResponseWriter, r *http.Request) (*db.Task, bool) {
	task, err := s.db.GetUserTask(r.Context(), s.user(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		s.errorResponse(w, statusFor(err), "Task not found", err)
		return nil, false
	}
	return task, true
}

// taskRun loads the {runId} run of the {id} task.
func (s *Server) taskRun(w http.ResponseWriter, r *http.Request) (*db.Task, *db.TaskRun, bool) {
	task, ok := s.task(w, r)
	if !ok {
		return nil, nil, false
	}
	run, err := s.db.GetTaskRun(r.Context(), chi.URLParam(r, "runId"))
	if err == nil && run.TaskID != task.ID {
		err = fmt.Errorf("run of another task: %w", db.ErrNotFound)
	}
	if err != nil {
		s.errorResponse(w, statusFor(err), "Run not found", err)
		return nil, nil, false
	}
	return task, run, true
}

func (s *Server) reschedule(r *http.Request, task *db.Task) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.UpdateTask(r.Context(), task); err != nil {
		s.logger.Warningf("Could not reschedule task %s: %v", task.ID, err)
	}
}

func applyTaskRequest(task *db.Task, req *TaskRequest) {
	task.Name = req.Name
	task.Description = req.Description
	task.TargetSite = req.TargetSite
	task.CronSchedule = req.CronSchedule
	task.IsActive = req.IsActive == nil || *req.IsActive
	task.NotifyOnSuccess = req.NotifyOnSuccess
	task.NotifyOnFailure = req.NotifyOnFailure == nil || *req.NotifyOnFailure
	task.NotificationEmail = req.NotificationEmail
	task.NotificationRules = req.NotificationRules
	task.DiscordWebhook = req.DiscordWebhook
	task.SlackWebhook = req.SlackWebhook
}

func taskToResponse(task *db.Task, status db.RunStatus) TaskResponse {
	resp := TaskResponse{
		ID:                task.ID,
		Name:              task.Name,
		Description:       task.Description,
		TargetSite:        task.TargetSite,
		CronSchedule:      task.CronSchedule,
		IsActive:          task.IsActive,
		NotifyOnSuccess:   task.NotifyOnSuccess,
		NotifyOnFailure:   task.NotifyOnFailure,
		NotificationEmail: task.NotificationEmail,
		NotificationRules: task.NotificationRules,
		DiscordWebhook:    task.DiscordWebhook,
		SlackWebhook:      task.SlackWebhook,
		CreatedAt:         task.CreatedAt,
		UpdatedAt:         task.UpdatedAt,
		LastRunAt:         task.LastRunAt,
		NextRunAt:         task.NextRunAt,
	}
	if resp.NotificationRules == nil {
		resp.NotificationRules = []db.NotificationRule{}
	}
	if status != "" {
		resp.LastRunStatus = string(status)
	}
	return resp
}

func taskRunToResponse(run *db.TaskRun) TaskRunResponse {
	resp := TaskRunResponse{
		ID:         run.ID,
		TaskID:     run.TaskID,
		Status:     string(run.Status),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Output:     run.OutputJSON,
		Error:      run.ErrorMsg,
		Logs:       run.Logs,
	}
	if run.FinishedAt != nil {
		durationMs := run.Duration().Milliseconds()
		resp.DurationMs = &durationMs
	}
	return resp
}

func validateTaskRequest(req *TaskRequest) error {
	if req.Name == "" {
		return errEmptyName
	}
	if req.Description == "" {
		return errEmptyDescription
	}
	// CronSchedule is empty for manual tasks
	if req.CronSchedule != "" {
		if _, err := scheduler.ParseSchedule(req.CronSchedule); err != nil {
			return errInvalidCron
		}
	}
	if err := rules.Validate(req.NotificationRules); err != nil {
		return invalidRulesError{err: err}
	}
	return nil
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Errorf("%s: %v", message, err)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{
		Error: message,
	}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps store and auth errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, db.ErrNotValid):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, db.ErrLimitExceeded):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Validation errors
type validationError string

func (e validationError) Error() string { return string(e) }

const (
	errEmptyName        validationError = "Name is required"
	errEmptyDescription validationError = "Description is required"
	errInvalidCron      validationError = "Invalid cron expression"
)

type invalidRulesError struct {
	err error
}

func (e invalidRulesError) Error() string { return "Invalid notification rules" }
func (e invalidRulesError) Unwrap() error { return e.err }
