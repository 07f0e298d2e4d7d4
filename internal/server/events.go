package server

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// streamEvents relays the session event channel as a Server-Sent-Events
// stream, one pub/sub message per data frame. The stream stays open until
// the client disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		coordinatorError(w)
		return
	}
	ctx := r.Context()

	sub := s.cache.SubscribeSessionEvents(ctx)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		s.log.Error("subscribing to session events", zap.Error(err))
		coordinatorError(w)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, open := <-messages:
			if !open {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg.Payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
