package collab

import (
	"context"
	"log/slog"
	"sync"

	"github.com/curiositech/port-daddy/internal/daemon/activity"
)

// Dispatcher bridges the activity log to webhook deliverers. It
// subscribes as an activity tap and forwards matching events from a
// single background goroutine so delivery latency never blocks the
// recording path.
type Dispatcher struct {
	log       *slog.Logger
	deliverer WebhookDeliverer
	types     map[string]struct{}
	queue     chan activity.Entry

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewDispatcher creates a dispatcher forwarding the given activity
// types. An empty type list forwards everything.
func NewDispatcher(log *slog.Logger, d WebhookDeliverer, types []string) *Dispatcher {
	ts := make(map[string]struct{}, len(types))
	for _, t := range types {
		ts[t] = struct{}{}
	}
	return &Dispatcher{
		log:       log.With("component", "collab"),
		deliverer: d,
		types:     ts,
		queue:     make(chan activity.Entry, 256),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Tap is the activity hook. Full queues drop the event; the activity
// log itself remains the durable record.
func (d *Dispatcher) Tap(e activity.Entry) {
	if len(d.types) > 0 {
		if _, ok := d.types[e.Type]; !ok {
			return
		}
	}
	select {
	case d.queue <- e:
	default:
		d.log.Warn("webhook queue full, dropping event", "type", e.Type, "action", e.Action)
	}
}

// Run delivers queued events until ctx is canceled or Close is called.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case e := <-d.queue:
			if err := d.deliverer.Deliver(ctx, e); err != nil {
				d.log.Warn("webhook delivery failed", "type", e.Type, "action", e.Action, "error", err)
			}
		}
	}
}

// Close stops the delivery loop and waits for it to exit.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
}
