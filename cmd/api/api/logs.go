package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/onkernel/hypestack/lib/instances"
	"github.com/onkernel/hypestack/lib/logger"
)

const logsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Bearer auth, not cookies, protects the endpoint
		return true
	},
}

// LogsHandler streams a service's output over a websocket, one text frame
// per line. Query: tail (lines, -1 for all; default all) and follow.
func (s *ApiService) LogsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	unit := chi.URLParam(r, "unit")
	service := chi.URLParam(r, "service")

	opts := instances.LogOptions{Tail: -1}
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(ctx, w, fmt.Errorf("%w: tail: %v", errBadRequest, err))
			return
		}
		opts.Tail = n
	}
	if v := r.URL.Query().Get("follow"); v != "" {
		follow, err := strconv.ParseBool(v)
		if err != nil {
			writeError(ctx, w, fmt.Errorf("%w: follow: %v", errBadRequest, err))
			return
		}
		opts.Follow = follow
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Open the stream before upgrading so unknown services get a plain 404
	lines, err := s.Orchestrator.Logs(streamCtx, unit, []string{service}, opts)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.ErrorContext(ctx, "websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	// Reading detects the client going away while nothing is written.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.InfoContext(ctx, "log stream started", "unit", unit, "service", service, "follow", opts.Follow)
	for {
		select {
		case <-closed:
			log.DebugContext(ctx, "log stream closed by client", "unit", unit, "service", service)
			return
		case line, ok := <-lines:
			if !ok {
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(logsWriteTimeout))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(logsWriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, []byte(line.Line)); err != nil {
				log.DebugContext(ctx, "log stream write failed", "error", err)
				return
			}
		}
	}
}
