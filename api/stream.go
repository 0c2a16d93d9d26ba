package api

import (
	"github.com/labstack/echo/v4"

	"github.com/vinayprograms/taskfeed/transport"
)

// handleStream upgrades to a websocket and writes one JSON snapshot per
// change until the operation settles or the client goes away.
func (s *Server) handleStream(c echo.Context) error {
	id := c.Param("id")
	updates, cancel, err := s.coord.Subscribe(id)
	if err != nil {
		return writeError(c, err)
	}
	defer cancel()

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("stream_upgrade_failed", map[string]interface{}{
			"operation_id": id,
			"error":        err.Error(),
		})
		return nil
	}
	conn := transport.NewWebSocketConn(ws, s.wsConfig)

	// The client sends nothing; reading surfaces its close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			conn.Abort()
			return nil
		case snap, ok := <-updates:
			if !ok {
				conn.Close(transport.CloseNormal, "operation settled")
				<-gone
				return nil
			}
			if err := conn.WriteJSON(snap); err != nil {
				conn.Abort()
				<-gone
				return nil
			}
		}
	}
}
