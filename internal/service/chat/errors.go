package chat

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrEmptyQuestion   = errors.New("question is empty")
	ErrBusy            = errors.New("a question is already being answered in this session")
)

// Kind classifies why an exchange failed.
type Kind int

const (
	KindUpstream Kind = iota
	KindInvalidRequest
	KindSessionNotFound
	KindBusy
	KindTimeout
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindUpstream:
		return "upstream"
	case KindInvalidRequest:
		return "invalid_request"
	case KindSessionNotFound:
		return "session_not_found"
	case KindBusy:
		return "busy"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ExchangeError is returned by Ask for every failed question.
type ExchangeError struct {
	Kind Kind
	Err  error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure kind of err. Errors that did not come from an
// exchange are reported as upstream failures.
func KindOf(err error) Kind {
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return exErr.Kind
	}
	return KindUpstream
}

func newExchangeError(kind Kind, err error) *ExchangeError {
	return &ExchangeError{Kind: kind, Err: err}
}

// classify maps an error raised while talking to the model. The exchange
// context decides between timeout and cancellation.
func classify(ctx context.Context, err error) Kind {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindUpstream
	}
}
