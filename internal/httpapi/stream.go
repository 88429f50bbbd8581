package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"hisadmin.org/internal/iam"
)

const heartbeatInterval = 25 * time.Second

// handleAuditStream pushes committed audit events as Server-Sent Events.
// The same filter parameters as search apply.
func (a *API) handleAuditStream(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	if a.deps.Hub == nil {
		writeError(w, r, http.StatusServiceUnavailable, "STREAM_DISABLED", "streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "STREAM_UNSUPPORTED", "streaming unsupported")
		return
	}
	f, err := filterFromQuery(r.URL.Query())
	if err == nil {
		f, err = f.Normalize()
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	ch := a.deps.Hub.Subscribe(ctx, f)

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("id: " + strconv.FormatInt(ev.ID, 10) + "\nevent: audit\ndata: "))
			_, _ = w.Write(payload)
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
