package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// handleOptimizeWS streams generation records to a connected client for
// the duration of the connection. The current run's records so far are
// replayed first, so clients connecting mid-run see the full history.
func (s *Server) handleOptimizeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // accept any Origin for dev convenience
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	replay, records, unsubscribe := s.daemon.Subscribe()
	defer unsubscribe()

	s.logger.Info("ws progress client connected", "remote", r.RemoteAddr, "replay", len(replay))

	ctx := r.Context()
	for _, rec := range replay {
		if err := wsjson.Write(ctx, conn, rec); err != nil {
			s.logger.Debug("ws write ended", "error", err)
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, rec); err != nil {
				s.logger.Debug("ws write ended", "error", err)
				return
			}
		}
	}
}
