package dispatch

import (
	"encoding/json"

	"github.com/crossguard/janitor/event"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderDeliveryID     = "X-Janitor-Delivery"
	HeaderGuildID        = "X-Janitor-Guild"
)

// Notification is the JSON body posted to subscribed guilds.
type Notification struct {
	event.ReportChanged
	IdempotencyKey string `json:"idempotency_key"`
}

func NewNotification(evt *event.ReportChanged) *Notification {
	return &Notification{
		ReportChanged:  *evt,
		IdempotencyKey: evt.IdempotencyKey(),
	}
}

func (n *Notification) Marshal() ([]byte, error) {
	return json.Marshal(n)
}
