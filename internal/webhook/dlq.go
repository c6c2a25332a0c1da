package webhook

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/CedrosPay/server/internal/store"
	"github.com/rs/zerolog"
)

// DLQ appends deliveries that exhausted every retry attempt to a JSON-lines
// file for manual inspection. This is supplementary to the WebhookDelivery
// row itself, which already remains queryable in state failed through the
// store; the DLQ exists for operators who tail a file instead of a database.
type DLQ struct {
	mu     sync.Mutex
	path   string
	logger zerolog.Logger
}

// NewDLQ constructs a DLQ writing to path (default ./data/webhook-dlq.json).
func NewDLQ(path string, logger zerolog.Logger) *DLQ {
	if path == "" {
		path = "./data/webhook-dlq.json"
	}
	return &DLQ{path: path, logger: logger}
}

type dlqEntry struct {
	DeliveryID string    `json:"deliveryId"`
	MerchantID string    `json:"merchantId"`
	EventType  string    `json:"eventType"`
	TargetURL  string    `json:"targetUrl"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"lastError"`
	FailedAt   time.Time `json:"failedAt"`
}

// Save appends one entry describing the exhausted delivery.
func (q *DLQ) Save(d store.WebhookDelivery, failErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := dlqEntry{
		DeliveryID: d.ID,
		MerchantID: d.MerchantID,
		EventType:  string(d.EventType),
		TargetURL:  d.TargetURL,
		Attempts:   d.Attempts + 1,
		LastError:  failErr.Error(),
		FailedAt:   time.Now().UTC(),
	}

	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		q.logger.Error().Err(err).Str("path", q.path).Msg("webhook dlq: failed to open file")
		return
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(entry); err != nil {
		q.logger.Error().Err(err).Str("deliveryId", d.ID).Msg("webhook dlq: failed to write entry")
	}
}
