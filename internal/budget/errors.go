package budget

import (
	"errors"
	"fmt"
)

// ErrExceeded is returned when a reservation would push spend past the cap.
type ErrExceeded struct {
	Requested float64
	Spent     float64
	Cap       float64
}

func (e ErrExceeded) Error() string {
	return fmt.Sprintf("budget exceeded: requested=$%.4f spent=$%.4f cap=$%.4f", e.Requested, e.Spent, e.Cap)
}

// IsExceeded reports whether err (or anything it wraps) is a budget breach.
func IsExceeded(err error) bool {
	var e ErrExceeded
	return errors.As(err, &e)
}
