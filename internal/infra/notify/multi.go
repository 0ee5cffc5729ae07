package notify

import (
	"context"
	"errors"

	"leadtracker/internal/domain/notify"
)

// MultiDispatcher fans a digest out to several transports. Each transport is tried
// even if an earlier one failed.
type MultiDispatcher struct {
	dispatchers []notify.Dispatcher
}

func NewMultiDispatcher(dispatchers ...notify.Dispatcher) *MultiDispatcher {
	return &MultiDispatcher{dispatchers: dispatchers}
}

// Dispatch returns nil if at least one transport delivered and none failed. Transports
// without recipients are not failures; notify.ErrNoRecipients is returned only when
// nothing was delivered anywhere.
func (m *MultiDispatcher) Dispatch(ctx context.Context, digest notify.Digest, recipients []string) error {
	var (
		errs      []error
		delivered bool
	)
	for _, d := range m.dispatchers {
		err := d.Dispatch(ctx, digest, recipients)
		switch {
		case err == nil:
			delivered = true
		case errors.Is(err, notify.ErrNoRecipients):
		default:
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if !delivered {
		return notify.ErrNoRecipients
	}
	return nil
}
