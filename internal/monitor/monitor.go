package monitor

import (
	"context"
	"fmt"
	"log"

	"signal-core/internal/events"
	"signal-core/pkg/db"
)

// Monitor tails the event bus, feeding the counters and forwarding pipeline
// alerts to the configured sink.
type Monitor struct {
	Bus     *events.Bus
	Metrics *PipelineMetrics
	AlertFn func(string)
}

// counted maps bus topics to their metric increments.
func (m *Monitor) counted() map[events.Event]func() {
	return map[events.Event]func(){
		events.EventSignalReceived: m.Metrics.SignalReceived,
		events.EventSignalApproved: m.Metrics.SignalApproved,
		events.EventSignalRejected: m.Metrics.SignalRejected,
		events.EventOpEnqueued:     m.Metrics.OpEnqueued,
		events.EventOpDropped:      m.Metrics.OpDropped,
		events.EventOrderRejected:  m.Metrics.OrderRejected,
		events.EventCommissionPaid: m.Metrics.CommissionPaid,
	}
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Metrics == nil {
		log.Println("monitor: not fully configured, skipping")
		return
	}

	for event, inc := range m.counted() {
		stream, unsub := m.Bus.Subscribe(event, 100)
		go func(inc func(), stream <-chan any, unsub func()) {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-stream:
					if !ok {
						return
					}
					inc()
				}
			}
		}(inc, stream, unsub)
	}

	fills, unsubFills := m.Bus.Subscribe(events.EventOrderFilled, 100)
	go func() {
		defer unsubFills()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-fills:
				if !ok {
					return
				}
				m.Metrics.OrderFilled()
				if order, ok := msg.(db.Order); ok && order.ExecutedAt != nil {
					m.Metrics.ExecLatency.Record(float64(order.ExecutedAt.Sub(order.CreatedAt).Milliseconds()))
				}
			}
		}
	}()

	alerts, unsubAlerts := m.Bus.Subscribe(events.EventPipelineAlert, 50)
	go func() {
		defer unsubAlerts()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-alerts:
				if !ok {
					return
				}
				text := fmt.Sprintf("%v", msg)
				log.Printf("monitor: ALERT %s", text)
				if m.AlertFn != nil {
					m.AlertFn(text)
				}
			}
		}
	}()
}
