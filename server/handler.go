package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// EventsHandler serves the live event feed. Websocket upgrades get the
// full duplex protocol; anything else gets a read-only SSE stream, so a
// page can watch the map without ever appearing on it.
func EventsHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.Connect()
		if err != nil {
			http.Error(w, "Cannot create session", 503)
			return
		}

		// remove self
		defer s.Disconnect(sess)

		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		// serve a socket
		if IsWebSocket(r) {
			ServeWebSocket(w, r, s, sess)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")

		for {
			select {
			case ev := <-sess.Events:
				b, _ := json.Marshal(ev)
				fmt.Fprintf(w, "data: %v\n\n", string(b))

				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
			case <-sess.Kill:
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}

// SessionsHandler lists the live sessions as JSON.
func SessionsHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "unsupported method "+r.Method, 400)
			return
		}

		b, _ := json.Marshal(s.Sessions())
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, string(b))
	}
}

func SetHeaders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func WithCors(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// set cors origin allow all
		SetHeaders(w, r)

		// if options return immediately
		if r.Method == "OPTIONS" {
			return
		}

		h.ServeHTTP(w, r)
	})
}
