package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"content-curator/internal/models"
)

// FeedSource builds a fresh feed from the shared table.
type FeedSource interface {
	Build(ctx context.Context) (*models.Feed, error)
}

// FeedHandler serves the public article feed. Builds are cached for ttl and
// a stale copy is served when the table cannot be reached.
type FeedHandler struct {
	source FeedSource
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	cached  *models.Feed
	builtAt time.Time
}

func NewFeedHandler(source FeedSource, ttl time.Duration) *FeedHandler {
	return &FeedHandler{source: source, ttl: ttl, now: time.Now}
}

func (h *FeedHandler) Feed(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cached != nil && h.now().Sub(h.builtAt) < h.ttl {
		w.Header().Set("X-Feed-Cache", "hit")
		writeJSON(w, http.StatusOK, h.cached)
		return
	}

	feed, err := h.source.Build(r.Context())
	if err != nil {
		if h.cached != nil {
			slog.Warn("feed rebuild failed, serving stale copy", "error", err, "age", h.now().Sub(h.builtAt))
			w.Header().Set("X-Feed-Cache", "stale")
			writeJSON(w, http.StatusOK, h.cached)
			return
		}
		slog.Error("feed build failed", "error", err)
		writeJSON(w, http.StatusBadGateway, errorResp("UPSTREAM_ERROR", "Failed to load feed", r))
		return
	}

	h.cached = feed
	h.builtAt = h.now()
	w.Header().Set("X-Feed-Cache", "miss")
	writeJSON(w, http.StatusOK, feed)
}

// Health reports liveness.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
