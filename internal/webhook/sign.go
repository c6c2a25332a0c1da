package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Sign computes the v1 HMAC-SHA256 signature over "timestamp.body", the
// scheme merchants use to authenticate inbound deliveries.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig matches the expected signature for body at
// timestamp. Exported for merchant-side verification examples and tests;
// the facilitator itself only signs, it never verifies its own deliveries.
func Verify(secret string, timestamp int64, body []byte, sig string) bool {
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(sig))
}

// Headers builds the delivery headers carried on every outbound POST:
// X-Signature, X-Timestamp, X-Event-Type, X-Delivery-Id.
func Headers(deliveryID, eventType, secret string, timestamp int64, body []byte) map[string]string {
	return map[string]string{
		"X-Signature":   Sign(secret, timestamp, body),
		"X-Timestamp":   strconv.FormatInt(timestamp, 10),
		"X-Event-Type":  eventType,
		"X-Delivery-Id": deliveryID,
	}
}
