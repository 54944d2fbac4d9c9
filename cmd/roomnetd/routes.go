package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/luciancaetano/roomnet"
	"github.com/luciancaetano/roomnet/ws"
)

// newMux mounts the upgrade handler next to the operational endpoints. tokens may be nil, in
// which case /token is not served.
func newMux(server roomnet.Server, tokens *ws.Tokens, tokenTTL time.Duration, log *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", server.Handler())

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(server.Stats()); err != nil {
			log.Warn("encode stats", "error", err)
		}
	})

	if tokens != nil {
		mux.HandleFunc("GET /token", func(w http.ResponseWriter, r *http.Request) {
			sub := r.URL.Query().Get("sub")
			if sub == "" {
				http.Error(w, "missing sub", http.StatusBadRequest)
				return
			}
			token, err := tokens.Issue(sub, r.URL.Query().Get("name"), tokenTTL)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
		})
	}
	return mux
}
