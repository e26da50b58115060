// Package stream fans run progress out to live subscribers.
package stream

import (
	"strings"
	"sync"
	"time"
)

const (
	// progressBacklog is how many progress lines a run keeps for late
	// subscribers. A full poll loop produces at most 60.
	progressBacklog = 100
	subscriberQueue = progressBacklog
)

// OutputChunk is one progress line of a run.
type OutputChunk struct {
	RunID     string    `json:"run_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// CompletionEvent is the terminal state of a run.
type CompletionEvent struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Publisher receives run progress and completion events.
type Publisher interface {
	PublishText(runID string, text string)
	Complete(runID string, status string, errorMsg string)
}

// Subscriber receives the events of one run. Sends never block the
// publisher, a subscriber that falls behind loses progress lines.
type Subscriber struct {
	ID       string
	Chunks   chan OutputChunk
	Complete chan CompletionEvent
}

func (s *Subscriber) sendChunk(c OutputChunk) {
	select {
	case s.Chunks <- c:
	default:
	}
}

func (s *Subscriber) sendCompletion(ev CompletionEvent) {
	select {
	case s.Complete <- ev:
	default:
	}
}

// runFeed is the progress of one run.
type runFeed struct {
	backlog      []OutputChunk
	completion   *CompletionEvent
	subscribers  map[string]*Subscriber
	lastActivity time.Time
}

func (f *runFeed) idle() bool { return f.completion != nil && len(f.subscribers) == 0 }

// Manager keeps the feeds of runs in progress and recently finished runs.
type Manager struct {
	mu    sync.Mutex
	feeds map[string]*runFeed
	now   func() time.Time
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{
		feeds: map[string]*runFeed{},
		now:   time.Now,
	}
}

// feed must be called with mu held.
func (m *Manager) feed(runID string) *runFeed {
	f, ok := m.feeds[runID]
	if !ok {
		f = &runFeed{subscribers: map[string]*Subscriber{}, lastActivity: m.now()}
		m.feeds[runID] = f
	}
	return f
}

// Subscribe registers a subscriber on a run. The backlog is replayed first,
// and a completed run delivers its completion right away.
func (m *Manager) Subscribe(runID string, subscriberID string) *Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.feed(runID)
	sub := &Subscriber{
		ID:       subscriberID,
		Chunks:   make(chan OutputChunk, subscriberQueue),
		Complete: make(chan CompletionEvent, 1),
	}
	for _, c := range f.backlog {
		sub.sendChunk(c)
	}
	if f.completion != nil {
		sub.sendCompletion(*f.completion)
	}
	f.subscribers[subscriberID] = sub
	return sub
}

// Unsubscribe removes a subscriber. A completed run with no subscribers left
// is forgotten.
func (m *Manager) Unsubscribe(runID string, subscriberID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.feeds[runID]
	if !ok {
		return
	}
	delete(f.subscribers, subscriberID)
	if f.idle() {
		delete(m.feeds, runID)
	}
}

// PublishText appends a progress line to a run.
func (m *Manager) PublishText(runID string, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	chunk := OutputChunk{RunID: runID, Text: text, Timestamp: now}

	f := m.feed(runID)
	if len(f.backlog) == progressBacklog {
		f.backlog = f.backlog[1:]
	}
	f.backlog = append(f.backlog, chunk)
	f.lastActivity = now
	for _, sub := range f.subscribers {
		sub.sendChunk(chunk)
	}
}

// Complete records the terminal state of a run. Subscribers joining later
// still receive it until the feed is cleaned up.
func (m *Manager) Complete(runID string, status string, errorMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev := CompletionEvent{RunID: runID, Status: status, Error: errorMsg}

	f := m.feed(runID)
	f.completion = &ev
	f.lastActivity = m.now()
	for _, sub := range f.subscribers {
		sub.sendCompletion(ev)
	}
}

// GetAccumulatedOutput returns the buffered progress of a run.
func (m *Manager) GetAccumulatedOutput(runID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.feeds[runID]
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, c := range f.backlog {
		b.WriteString(c.Text)
	}
	return b.String()
}

// IsRunStreaming reports whether a run has a feed that has not completed.
func (m *Manager) IsRunStreaming(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.feeds[runID]
	return ok && f.completion == nil
}

// CleanupOldStreams forgets completed feeds without subscribers whose last
// event is older than maxAge.
func (m *Manager) CleanupOldStreams(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxAge)
	for runID, f := range m.feeds {
		if f.idle() && f.lastActivity.Before(cutoff) {
			delete(m.feeds, runID)
		}
	}
}
