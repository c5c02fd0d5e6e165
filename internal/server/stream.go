package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"gateline/internal/engine"
	"gateline/internal/replay"
)

// streamHandler serves a run's replay stream as server-sent events. A client
// resumes by sending the last id it saw as Last-Event-ID (or ?lastEventId=).
func streamHandler(e engine.Engine, keepAlive time.Duration, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "id")
		if _, err := e.GetRun(r.Context(), runID); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		raw, resume := resumeToken(r)
		if raw != "" && resume == nil {
			logger.Debug("unparseable resume token; streaming live only", "run_id", runID, "token", raw)
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		sub := e.Hub.Subscribe(runID, resume)
		defer sub.Close()

		if writeText(w, ": connected\n\n") != nil {
			return
		}
		if raw != "" && (resume == nil || sub.Gap()) {
			if writeFrame(w, 0, "gap", map[string]any{"requested": raw, "last": sub.Last()}) != nil {
				return
			}
		}
		flusher.Flush()

		for {
			ctx, cancel := context.WithTimeout(r.Context(), keepAlive)
			entry, err := sub.Next(ctx)
			cancel()
			switch {
			case err == nil:
				if err := writeFrame(w, entry.Seq, entry.Type, entry.Data); err != nil {
					return
				}
			case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
				if writeText(w, ": keep-alive\n\n") != nil {
					return
				}
			case errors.Is(err, replay.ErrLagged):
				logger.Warn("stream subscriber lagged", "run_id", runID, "last", sub.Last())
				_ = writeFrame(w, 0, "lagged", map[string]any{"last": sub.Last()})
				flusher.Flush()
				return
			default:
				return
			}
			flusher.Flush()
		}
	}
}

// resumeToken returns the raw token and its parsed seq. A token that does not
// parse is treated like an unknown one: the parsed seq is nil and the
// subscriber only gets live entries.
func resumeToken(r *http.Request) (string, *uint64) {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("lastEventId"))
	}
	if raw == "" {
		return "", nil
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return raw, nil
	}
	return raw, &seq
}

// writeFrame writes one event. Control frames carry seq 0 and no id line so
// they never move the client's resume token.
func writeFrame(w http.ResponseWriter, seq uint64, eventType string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if seq > 0 {
		if err := writeText(w, "id: %d\n", seq); err != nil {
			return err
		}
	}
	return writeText(w, "event: %s\ndata: %s\n\n", eventType, body)
}
