package adaptor

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// NewHTTPHandler routes the WebSocket endpoint and the operational endpoints.
func NewHTTPHandler(ws http.Handler, uc Usecase) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/stats", statsHandler(uc))
	return mux
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "chatrelay server is running!")
}

func statsHandler(uc Usecase) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(uc.Stats()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}
