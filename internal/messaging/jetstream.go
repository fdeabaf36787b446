package messaging

import (
	"errors"

	"github.com/nats-io/nats.go"
)

const rollbackStream = "ROLLBACKS"

// EnsureStreams creates (or validates) the stream required locally:
// - app.rollback.>
func EnsureStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(rollbackStream); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			if _, addErr := js.AddStream(&nats.StreamConfig{
				Name:      rollbackStream,
				Subjects:  []string{"app.rollback.>"},
				Retention: nats.LimitsPolicy,
				Storage:   nats.FileStorage,
				Replicas:  1,
			}); addErr != nil {
				return addErr
			}
		} else {
			return err
		}
	}
	return nil
}
