package capturekit

import (
	"github.com/oklog/ulid/v2"

	"github.com/randalmurphal/capturekit/pkg/capturekit/delivery"
	"github.com/randalmurphal/capturekit/pkg/capturekit/event"
)

// gatewayPeople sends person updates as $set events straight to the
// gateway. They skip property assembly and capture hooks.
type gatewayPeople struct {
	client *Client
}

func (p *gatewayPeople) Set(props event.Properties) {
	p.send(props, nil)
}

func (p *gatewayPeople) SetOnce(props event.Properties) {
	p.send(nil, props)
}

func (p *gatewayPeople) send(set, setOnce event.Properties) {
	c := p.client
	env := &event.Envelope{
		UUID:  ulid.Make().String(),
		Event: event.PersonSet,
		Properties: event.Properties{
			event.PropToken:      c.cfg.Token,
			event.PropDistinctID: c.store.DistinctID(),
			event.PropLib:        LibName,
			event.PropLibVersion: Version,
		},
		Set:     c.personProps(set, false),
		SetOnce: c.personProps(setOnce, false),
	}
	c.counters.Incr("people-set")
	c.gateway.Capture(env, delivery.Options{})
}
