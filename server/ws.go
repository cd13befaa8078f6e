package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"sumtree/accumulator"
)

const wsWriteTimeout = 10 * time.Second

// handleEvents upgrades to a websocket and streams liability events. The
// "after" query selects the journal backlog replayed before live events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var afterSeq uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be an unsigned integer")
			return
		}
		afterSeq = parsed
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	if err := s.streamEvents(r.Context(), conn, afterSeq); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, afterSeq uint64) error {
	events, cancel, backlog, err := s.acc.Subscribe(ctx, afterSeq)
	if err != nil {
		return err
	}
	defer cancel()

	for _, ev := range backlog {
		if err := writeEvent(ctx, conn, ev); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev accumulator.Event) error {
	data, err := json.Marshal(payloadFromEvent(ev))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
