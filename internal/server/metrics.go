package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"accord/internal/hub"
	"accord/internal/store"
)

// RunMetrics logs online count and persisted message volume every interval
// until ctx is canceled, with humanize giving the message total a readable
// comma-grouped form.
func RunMetrics(ctx context.Context, h *hub.Hub, st *store.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := h.Count()
			total, err := st.MessageCount(ctx)
			if err != nil {
				slog.Warn("metrics: message count failed", "err", err)
				continue
			}
			if online == 0 && total == 0 {
				continue
			}
			slog.Info("metrics", "online", online, "messages_total", humanize.Comma(total))
		}
	}
}
