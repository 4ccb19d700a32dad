package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient covers failures worth retrying later: the ledger could
	// not be reached, timed out, or answered 408/429/5xx.
	ErrTransient = errors.New("ledger: transient submission failure")
	// ErrPermanent covers requests the ledger refused and will keep refusing.
	ErrPermanent = errors.New("ledger: sale rejected")
)

type Kind int

const (
	KindTransient Kind = iota + 1
	KindPermanent
)

type SubmissionError struct {
	Kind       Kind
	StatusCode int
	Reason     string
	Err        error
}

func (e *SubmissionError) Error() string {
	label := "transient"
	if e.Kind == KindPermanent {
		label = "permanent"
	}
	switch {
	case e.StatusCode > 0 && e.Reason != "":
		return fmt.Sprintf("ledger %s failure (status %d): %s", label, e.StatusCode, e.Reason)
	case e.StatusCode > 0:
		return fmt.Sprintf("ledger %s failure (status %d)", label, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("ledger %s failure: %v", label, e.Err)
	default:
		return fmt.Sprintf("ledger %s failure", label)
	}
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

func (e *SubmissionError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrPermanent:
		return e.Kind == KindPermanent
	default:
		return false
	}
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
