package broker

import (
	"errors"
	"fmt"
)

// DeliveryError reports an event that could not be handed to its next hop:
// writer to broker, or broker to a subscriber.
type DeliveryError struct {
	Target  string
	EventID string
	Err     error
}

func (e *DeliveryError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("deliver %s to %s: %v", e.EventID, e.Target, e.Err)
	}
	return fmt.Sprintf("deliver to %s: %v", e.Target, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsDeliveryError reports whether err (or anything it wraps) is a DeliveryError.
func IsDeliveryError(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}
