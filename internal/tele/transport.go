package tele

import (
	"context"

	"github.com/printpay/kiosk/log2"
)

// Transporter moves opaque payloads to the operator backend.
// Send methods return true only on confirmed delivery; false means the
// caller keeps the payload queued.
type Transporter interface {
	Init(ctx context.Context, log *log2.Log, c Config) error
	SendState(payload []byte) bool
	SendTelemetry(payload []byte) bool
	CloseTele()
}
