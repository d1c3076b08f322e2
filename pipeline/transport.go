package pipeline

import (
	"context"

	"bookscope/models"
)

// Transport delivers raw feed messages for subscribed instruments.
//
// Messages returns the same channel for the lifetime of the transport; it is
// closed when the transport shuts down. Subscribe, Unsubscribe and
// RequestSnapshot may be called from any goroutine. A snapshot requested with
// RequestSnapshot arrives on the message channel like any other message.
type Transport interface {
	Subscribe(ctx context.Context, inst models.Instrument) error
	Unsubscribe(ctx context.Context, inst models.Instrument) error
	RequestSnapshot(ctx context.Context, inst models.Instrument) error
	Messages() <-chan models.RawFeedMessage
}
