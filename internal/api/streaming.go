package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kylemclaren/browsercron/internal/stream"
)

const sseKeepAlive = 15 * time.Second

// StreamTaskRun handles GET /api/tasks/{id}/runs/{runId}/stream. Progress
// lines are sent as "output" events and the terminal state as one
// "complete" event, after which the stream ends.
func (s *Server) StreamTaskRun(w http.ResponseWriter, r *http.Request) {
	_, run, ok := s.taskRun(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Finished runs that are no longer buffered are answered from the store.
	if run.Status.IsTerminal() && s.streamMgr.GetAccumulatedOutput(run.ID) == "" {
		writeEvent(w, "complete", stream.CompletionEvent{RunID: run.ID, Status: string(run.Status), Error: run.ErrorMsg})
		flusher.Flush()
		return
	}

	clientID := uuid.NewString()
	client := s.streamMgr.Subscribe(run.ID, clientID)
	defer s.streamMgr.Unsubscribe(run.ID, clientID)

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case chunk := <-client.Chunks:
			writeEvent(w, "output", chunk)
			flusher.Flush()
		case done := <-client.Complete:
			// Drain what was published before completion.
		drain:
			for {
				select {
				case chunk := <-client.Chunks:
					writeEvent(w, "output", chunk)
				default:
					break drain
				}
			}
			writeEvent(w, "complete", done)
			flusher.Flush()
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
