package broker

import (
	"errors"
	"fmt"
)

// ErrOrderNotFound is returned when the broker has no record of an order.
// The reconciliation engine treats this as "missing at broker".
var ErrOrderNotFound = errors.New("broker: order not found")

// RejectError is a broker-side business rejection (422/403). It is not
// retryable and must not trip the consecutive-error counter: the broker is
// healthy, it just said no.
type RejectError struct {
	Status int
	Body   string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("broker rejected order: status %d: %s", e.Status, e.Body)
}

// IsReject reports whether err is a broker business rejection.
func IsReject(err error) bool {
	var re *RejectError
	return errors.As(err, &re)
}
