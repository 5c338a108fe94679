package reader

import (
	"context"

	"github.com/ticketdesk-io/ticketdesk/internal/models"
)

// NullReader is the reader of last resort: it fetches nothing and
// acknowledges nothing. The router hands it out when no usable protocol is
// configured.
type NullReader struct{}

func (NullReader) FetchNew(context.Context, models.IngestSettings) ([]Message, error) {
	return nil, nil
}

func (NullReader) Acknowledge(context.Context, models.IngestSettings, []string) error {
	return nil
}
