package lifecycle

import (
	"errors"
	"fmt"
)

var (
	ErrItemNotFound   = errors.New("order item not found")
	ErrOrderNotFound  = errors.New("order not found")
	ErrReturnNotFound = errors.New("return not found")
	// ErrItemConflict is returned by a store when a conditional item update
	// finds the item in a different status than the one the action was planned against.
	ErrItemConflict = errors.New("item status changed concurrently")
	ErrEmptyBulk    = errors.New("bulk request has no items")
)

// ValidationError reports an action rejected before anything is written.
type ValidationError struct {
	ItemID string
	Action string
	From   string
	To     string
	Reason string
	Err    error
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Error() string {
	subject := e.ItemID
	if subject == "" {
		subject = "request"
	}
	if e.From != "" && e.To != "" {
		return fmt.Sprintf("%s %s: cannot move from %s to %s: %s", e.Action, subject, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("%s %s: %s", e.Action, subject, e.Reason)
}

// StoreError wraps a failed call to a remote collaborator. The write may be
// retried: every write the engine issues is a plain overwrite.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsRetryable(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrItemNotFound) || errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrReturnNotFound)
}
