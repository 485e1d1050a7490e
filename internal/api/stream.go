package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tandemlist/tandem-go/internal/api/httperr"
	"github.com/tandemlist/tandem-go/internal/store"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 25 * time.Second

// SnapshotResponse is the response for GET /v1/changes/snapshot.
type SnapshotResponse struct {
	Events []*store.ChangeEvent `json:"events"`
	Seq    int64                `json:"seq"`
}

// HandleSnapshot handles GET /v1/changes/snapshot. Returns the caller's
// full visible state as synthesized change events, tagged with the
// sequence number to resume the stream from.
func (h *Handler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	userID := mustUserID(r)

	events, err := h.store.Snapshot(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, err, "failed to build snapshot")
		return
	}

	var maxSeq int64
	for _, ev := range events {
		if ev.Seq > maxSeq {
			maxSeq = ev.Seq
		}
	}

	writeJSON(w, http.StatusOK, SnapshotResponse{Events: events, Seq: maxSeq})
}

// HandleChanges handles GET /v1/changes, a server-sent-events stream of
// the caller's change feed. The optional ?after=<seq> query resumes from
// a known position; the backlog is replayed before live events.
func (h *Handler) HandleChanges(w http.ResponseWriter, r *http.Request) {
	userID := mustUserID(r)

	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			httperr.WriteBadRequest(w, httperr.ReasonInvalidField, "after must be a non-negative integer")
			return
		}
		after = parsed
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httperr.WriteInternalError(w, "streaming not supported")
		return
	}

	// Subscribe before the backlog query so no event falls between the
	// two; duplicates are filtered by sequence number below.
	live, cancel := h.store.Watch(userID)
	defer cancel()

	backlog, err := h.store.Changes(r.Context(), userID, after)
	if err != nil {
		h.writeDomainError(w, r, err, "failed to read change backlog")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	lastSeq := after
	for _, ev := range backlog {
		if err := writeEvent(w, ev); err != nil {
			return
		}
		lastSeq = ev.Seq
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-live:
			if !open {
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			lastSeq = ev.Seq
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev *store.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: change\ndata: %s\n\n", ev.Seq, data)
	return err
}
