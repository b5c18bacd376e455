package feedserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/primevault/vaultlink/measurements"
	"github.com/primevault/vaultlink/metrics"
)

// Handler serves the signed measurement feed from a file produced by
// cmd/feedsign. The file is re-read when its modification time changes, so
// a new feed can be deployed without restarting the server.
type Handler struct {
	path string
	log  *slog.Logger

	mu      sync.Mutex
	modTime time.Time
	cached  []byte
}

// NewHandler creates a handler serving the feed file at path. The file must
// parse as a measurement feed; a malformed file is rejected at load time
// rather than served.
func NewHandler(path string, log *slog.Logger) (*Handler, error) {
	h := &Handler{path: path, log: log}
	if _, err := h.load(); err != nil {
		return nil, err
	}
	return h, nil
}

// HandleFeed serves the feed document.
func (h *Handler) HandleFeed(w http.ResponseWriter, r *http.Request) {
	data, err := h.load()
	if err != nil {
		metrics.FeedRequestErrors.Inc()
		h.log.Error("loading measurement feed failed", "err", err)
		http.Error(w, "feed unavailable", http.StatusInternalServerError)
		return
	}
	metrics.FeedRequestsServed.Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *Handler) load() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	info, err := os.Stat(h.path)
	if err != nil {
		return nil, err
	}
	if h.cached != nil && info.ModTime().Equal(h.modTime) {
		return h.cached, nil
	}

	data, err := os.ReadFile(h.path)
	if err != nil {
		return nil, err
	}
	var feed measurements.Feed
	if err := json.Unmarshal(data, &feed); err != nil {
		return nil, err
	}

	h.cached = data
	h.modTime = info.ModTime()
	return data, nil
}
