package store

import (
	"context"
	"time"

	"gap-trading-bot/internal/events"
	"gap-trading-bot/internal/logging"
)

// writeTimeout bounds each persistence call so a slow database can never
// stall the trading loops (writes arrive on bus goroutines).
const writeTimeout = 5 * time.Second

// Writer subscribes to the event bus and persists every event. Persistence
// failures are logged and dropped: the audit trail is best effort, trading
// never blocks on it.
type Writer struct {
	repo *Repository
	log  *logging.Logger
}

// NewWriter creates a Writer and attaches it to the bus.
func NewWriter(repo *Repository, bus *events.Bus, log *logging.Logger) *Writer {
	if log == nil {
		log = logging.Default().WithComponent("store")
	}
	w := &Writer{repo: repo, log: log}
	bus.SubscribeAll(w.handle)
	return w
}

func (w *Writer) handle(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := w.repo.InsertEvent(ctx, ev); err != nil {
		w.log.Warn("Event persist failed", "type", string(ev.Type), "error", err)
	}
}
