package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smart-mcp-proxy/mcpgate/internal/runtime/eventbus"
)

// handleEvents streams domain events as SSE. ?types= takes a comma
// separated list of event types; prefixes ending in "." match a family,
// e.g. "connection.".
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.unavailable(w, r, "event feed")
		return
	}
	logger := GetLogger(r.Context())
	sub := s.deps.Events.Subscribe("httpapi-events:"+r.RemoteAddr, typeFilter(r.URL.Query().Get("types")))
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		logger.Warnw("ResponseWriter does not support flushing, event feed may stall")
	}
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	fmt.Fprint(w, ": connected\nretry: 5000\n\n")
	flush()

	keepalive := time.NewTicker(s.opts.EventKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flush()
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEvent(w, evt); err != nil {
				logger.Debugw("Event feed write failed", "error", err)
				return
			}
			flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, evt eventbus.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, data)
	return err
}

func typeFilter(raw string) func(eventbus.Event) bool {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var exact []string
	var prefixes []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		switch {
		case t == "":
		case strings.HasSuffix(t, "."):
			prefixes = append(prefixes, t)
		default:
			exact = append(exact, t)
		}
	}
	return func(evt eventbus.Event) bool {
		name := string(evt.Type)
		for _, t := range exact {
			if name == t {
				return true
			}
		}
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				return true
			}
		}
		return false
	}
}
