package alert

import (
	"github.com/asaskevich/EventBus"
	"go.uber.org/zap"

	"pairwatch/internal/model"
)

// Topic is the bus topic alert events are published on.
const Topic = "alerts"

// Dispatcher fans alert events out to subscribers. Handlers run on their own
// goroutines so a slow consumer never blocks the publisher.
type Dispatcher struct {
	logger *zap.Logger
	bus    EventBus.Bus
}

// NewDispatcher creates a Dispatcher with its own bus.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		logger: logger.Named("dispatcher"),
		bus:    EventBus.New(),
	}
}

// Subscribe registers fn for every published event. Deliveries to one handler
// never overlap.
func (d *Dispatcher) Subscribe(fn func(model.AlertEvent)) error {
	if err := d.bus.SubscribeAsync(Topic, fn, true); err != nil {
		return err
	}
	d.logger.Debug("subscribed alert consumer")
	return nil
}

// Publish hands events to the subscribers.
func (d *Dispatcher) Publish(events ...model.AlertEvent) {
	for _, ev := range events {
		d.bus.Publish(Topic, ev)
	}
}

// Close waits for in-flight deliveries to finish.
func (d *Dispatcher) Close() {
	d.bus.WaitAsync()
}

// LogConsumer returns a handler that logs each event.
func LogConsumer(logger *zap.Logger) func(model.AlertEvent) {
	logger = logger.Named("alerts")
	return func(ev model.AlertEvent) {
		logger.Warn("pair alert",
			zap.String("id", ev.ID),
			zap.String("rule", ev.RuleID),
			zap.String("pair", ev.Pair),
			zap.String("state", string(ev.State)),
			zap.Float64("z", ev.ZValue),
			zap.Float64("threshold", ev.Threshold),
			zap.Time("bar_time", ev.BarTime),
		)
	}
}
