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

	"nhooyr.io/websocket"

	"skillchain/services/escrowd/journal"
)

const (
	wsWriteTimeout = 10 * time.Second
	backlogLimit   = 1000
)

// handleEventStream upgrades to a websocket and streams journal entries. The
// optional cursor query parameter replays entries after that sequence first.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil || s.journal == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "unavailable", "event stream not configured")
		return
	}
	var cursor int64
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			s.writeError(w, r, http.StatusBadRequest, "bad_request", "cursor must be a non-negative integer")
			return
		}
		cursor = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, cursor); err != nil && !errors.Is(err, context.Canceled) {
		if websocket.CloseStatus(err) == -1 {
			s.logger.Debug("event stream ended", slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor int64) error {
	updates, cancel := s.hub.Subscribe()
	defer cancel()

	for {
		backlog, err := s.journal.Since(ctx, cursor, backlogLimit)
		if err != nil {
			return err
		}
		for _, entry := range backlog {
			if err := writeEntry(ctx, conn, entry); err != nil {
				return err
			}
			cursor = entry.Sequence
		}
		if len(backlog) < backlogLimit {
			break
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-updates:
			if !ok {
				return conn.Close(websocket.StatusTryAgainLater, "subscriber too slow")
			}
			if entry.Sequence <= cursor {
				continue
			}
			if err := writeEntry(ctx, conn, entry); err != nil {
				return err
			}
			cursor = entry.Sequence
		}
	}
}

func writeEntry(ctx context.Context, conn *websocket.Conn, entry journal.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
