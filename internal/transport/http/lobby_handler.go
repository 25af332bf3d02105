package http

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"quiztime-live/internal/app"
)

// LobbyHandler lists live sessions for lobby browsing.
type LobbyHandler struct {
	registry *app.Registry
}

func NewLobbyHandler(registry *app.Registry) *LobbyHandler {
	return &LobbyHandler{registry: registry}
}

func (h *LobbyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.registry.List()); err != nil {
		log.Warn().Err(err).Msg("encode session list")
	}
}
