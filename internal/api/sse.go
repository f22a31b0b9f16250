package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rat-data/agentd/internal/eventbus"
)

// HandleThreadEvents streams a thread's event log over Server-Sent Events.
// Clients may resume after a disconnect via the Last-Event-ID header; a
// cursor too old to replay (evicted from the bus's retention window) yields
// 204 No Content so the client knows to re-fetch current state instead of
// hanging on a stream that will never deliver the gap.
func (s *Server) HandleThreadEvents(w http.ResponseWriter, r *http.Request) {
	threadID, err := parseThreadID(w, r)
	if err != nil {
		return
	}

	// http.NewResponseController looks through RequestLogger's wrapping
	// responseWriter via its Unwrap method to reach the real Flush, where a
	// direct w.(http.Flusher) type assertion would miss it.
	rc := http.NewResponseController(w)

	ip := clientIP(r)
	if s.SSELimiter != nil && !s.SSELimiter.Acquire(ip) {
		errorJSONForRequest(w, r, "too many concurrent event streams", CodeRateLimited, http.StatusTooManyRequests)
		return
	}
	if s.SSELimiter != nil {
		defer s.SSELimiter.Release(ip)
	}

	var since uint64
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		n, perr := strconv.ParseInt(last, 10, 64)
		if perr == nil && n < 0 {
			// A negative cursor precedes every buffered event: not replayable.
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if perr == nil {
			since = uint64(n)
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), MaxSSEDurationSeconds*time.Second)
	defer cancel()

	sub, err := s.Bus.Subscribe(ctx, threadID.String(), since)
	if err != nil {
		if err == eventbus.ErrCannotReplay {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		respondDomainErr(w, r, err)
		return
	}
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	heartbeat := time.NewTicker(s.Bus.Heartbeat())
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, "event: ping\ndata: \n\n")
			_ = rc.Flush()
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			payload, merr := json.Marshal(ev.Payload)
			if merr != nil {
				continue
			}
			// Object payloads get the event time appended as "ts" (ms since epoch).
			var obj map[string]interface{}
			if json.Unmarshal(payload, &obj) == nil && obj != nil {
				obj["ts"] = ev.CreatedAt.UnixMilli()
				if withTS, terr := json.Marshal(obj); terr == nil {
					payload = withTS
				}
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Cursor, ev.Type, payload)
			_ = rc.Flush()
			heartbeat.Reset(s.Bus.Heartbeat())
		}
	}
}
