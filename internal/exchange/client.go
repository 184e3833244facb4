package exchange

import (
	"time"

	"github.com/gorilla/websocket"

	"pairwatch/internal/model"
)

// Client adapts one exchange's trade feed to canonical ticks.
type Client interface {
	Name() string
	// StreamURL returns the websocket endpoint carrying trades for symbol.
	StreamURL(symbol string) string
	// Subscribe sends any subscription request the venue needs after dialing.
	Subscribe(conn *websocket.Conn, symbol string) error
	// Normalize validates one raw frame. Control frames yield no ticks and no
	// error; anything unusable yields a *exception.MalformedMessageError.
	Normalize(symbol string, raw []byte, receivedAt time.Time) ([]model.Tick, error)
}
