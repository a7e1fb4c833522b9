// Package events carries domain events from the task core to subscribers.
package events

import (
	"time"
)

// Event is one domain event. CompanyID scopes webhook fan-out and may be
// empty for integrations without a company.
type Event struct {
	Name      string
	CompanyID string
	Data      any
	Time      time.Time
}

// Publisher receives domain events. Implementations must not block the
// caller on network I/O.
type Publisher interface {
	Publish(e Event)
}

// Fanout publishes every event to each of its publishers in order
type Fanout []Publisher

func (f Fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	for _, p := range f {
		if p != nil {
			p.Publish(e)
		}
	}
}

// Discard drops every event
type Discard struct{}

func (Discard) Publish(Event) {}

// dispatcher is the webhook sender's fan-out entry point
type dispatcher interface {
	Dispatch(companyID, event string, data any)
}

type webhookPublisher struct {
	d dispatcher
}

// Webhooks publishes events to the company webhooks of the sender
func Webhooks(d dispatcher) Publisher {
	return webhookPublisher{d: d}
}

func (w webhookPublisher) Publish(e Event) {
	w.d.Dispatch(e.CompanyID, e.Name, e.Data)
}
