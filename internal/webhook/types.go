// Package webhook implements the facilitator's outbound webhook delivery
// engine: HMAC-signed, at-least-once delivery against the fixed
// {1s,5s,15s,60s,300s} retry schedule, dispatching WebhookDelivery rows
// enqueued by the lifecycle store.
package webhook

import "time"

// Payload is the {id, type, data, timestamp} envelope shape for webhook
// bodies. The engine does not build it: each POST carries the
// WebhookDelivery row's stored Payload bytes as-is, which the postgres
// store fills with {"paymentIntentId": ...} (plus refund fields for
// refunds) and the memory store leaves empty.
type Payload struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}
