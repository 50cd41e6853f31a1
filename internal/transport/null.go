package transport

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labrelay/labrelay/internal/settings"
)

// NullTransport accepts everything and delivers nowhere. Used for receivers
// that only consume via the delivery-history API, and in tests.
type NullTransport struct {
	log zerolog.Logger
}

// NewNullTransport creates a NullTransport.
func NewNullTransport(log zerolog.Logger) *NullTransport {
	return &NullTransport{log: log}
}

// Send always succeeds.
func (t *NullTransport) Send(_ context.Context, _ settings.TransportConfig, contents []byte, reportID uuid.UUID, _ *RetryItems) (*RetryItems, error) {
	t.log.Debug().
		Str("report_id", reportID.String()).
		Int("bytes", len(contents)).
		Msg("null transport discarded report body")
	return nil, nil
}
