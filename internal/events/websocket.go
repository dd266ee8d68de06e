package events

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/signalnine/benchloop/internal/logging"
)

const writeTimeout = 5 * time.Second

// Handler streams every bus event to the client as a JSON text frame until
// either side closes.
func Handler(bus Bus, logger *slog.Logger) http.Handler {
	logger = logging.OrDefault(logger)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		defer conn.CloseNow()

		ch, unsubscribe := bus.Subscribe()
		defer unsubscribe()

		// Nothing is read from the client; CloseRead handles control frames
		// and cancels ctx when the peer goes away.
		ctx := conn.CloseRead(r.Context())
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "bus closed")
					return
				}
				if err := writeEvent(ctx, conn, ev); err != nil {
					logger.Debug("websocket write failed", "remote", r.RemoteAddr, "error", err)
					return
				}
			}
		}
	})
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
