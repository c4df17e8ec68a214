package webhook

import (
	"errors"
	"fmt"
)

var (
	// ErrEventNotEnabled reports that the subscriber has no enabled
	// configuration for the event.
	ErrEventNotEnabled = errors.New("webhook: event not enabled for subscriber")
	// ErrSubscriberNotFound reports an unknown subscriber id.
	ErrSubscriberNotFound = errors.New("webhook: subscriber not found")
	// ErrSubscriberInactive reports a trigger against a subscriber that is not active.
	ErrSubscriberInactive = errors.New("webhook: subscriber is not active")
	// ErrDeliveryNotFound reports an unknown delivery id.
	ErrDeliveryNotFound = errors.New("webhook: delivery not found")
	// ErrInvalidSubscriber reports a configuration error in a subscriber.
	ErrInvalidSubscriber = errors.New("webhook: invalid subscriber")
)

func invalidSubscriber(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSubscriber, fmt.Sprintf(format, args...))
}
