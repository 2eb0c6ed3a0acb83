package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	ws "github.com/stemsi/exstem-examtaker/internal/websocket"
)

// Drift is one disagreement between the server clock and the local countdown.
type Drift struct {
	Server int
	Local  int
}

// Delta is how far the local countdown is ahead (positive) or behind.
func (d Drift) Delta() time.Duration {
	return time.Duration(d.Local-d.Server) * time.Second
}

// Handlers receives what Follow extracts from the stream. Nil fields are skipped.
type Handlers struct {
	OnDrift    func(Drift)
	OnFinished func(ws.Message)
}

// Follow reads events until the stream ends or ctx is done. Each reloj event
// is compared with local(); a gap beyond tolerance is reported through
// OnDrift. The local countdown is never corrected from here.
func Follow(ctx context.Context, events <-chan ws.Message, local func() int, tolerance time.Duration, h Handlers, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			switch msg.Event {
			case ws.EventClock:
				d := Drift{Server: msg.Remaining, Local: local()}
				if abs(d.Delta()) > tolerance {
					log.Warn().
						Int("server_remaining", d.Server).
						Int("local_remaining", d.Local).
						Msg("Clock drift detected")
					if h.OnDrift != nil {
						h.OnDrift(d)
					}
				}
			case ws.EventFinished:
				if h.OnFinished != nil {
					h.OnFinished(msg)
				}
			case ws.EventError:
				log.Warn().Str("error", msg.Error).Msg("Clock stream error event")
			}
		}
	}
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
