package api

import (
	"log"

	"github.com/gin-gonic/gin"

	"tradebridge/internal/events"
)

// streamFrame is one event pushed to UI subscribers.
type streamFrame struct {
	Event   events.Event `json:"event"`
	Payload any          `json:"payload"`
}

// streamWS fans the event bus out to one UI subscriber. Each subscription
// gets its own buffered channel; a slow client misses frames rather than
// backpressuring the core.
func (s *Server) streamWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("stream ws: upgrade error: %v", err)
		return
	}
	defer conn.Close()

	streamed := []events.Event{
		events.EventTradeUpdate,
		events.EventTradeError,
		events.EventAutoTradeExecuted,
		events.EventPositionsUpdate,
		events.EventSessionConnected,
		events.EventSessionLost,
		events.EventReconcileConflict,
	}

	merged := make(chan streamFrame, 100)
	done := make(chan struct{})
	defer close(done)

	for _, event := range streamed {
		ch, unsub := s.Bus.Subscribe(event, 100)
		defer unsub()
		go func(event events.Event, ch <-chan any) {
			for payload := range ch {
				select {
				case merged <- streamFrame{Event: event, Payload: payload}:
				case <-done:
					return
				}
			}
		}(event, ch)
	}

	for frame := range merged {
		if err := conn.WriteJSON(frame); err != nil {
			log.Printf("stream ws: write error: %v", err)
			return
		}
	}
}
