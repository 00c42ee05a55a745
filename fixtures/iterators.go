package fixtures

import (
	"context"
	"io"

	cqrs "github.com/eventfold/cqrs"
)

// EmptyIterator returns an iterator that yields no items.
func EmptyIterator() *cqrs.Iterator[*cqrs.Envelope] {
	return cqrs.NewIteratorFunc(func(ctx context.Context) (*cqrs.Envelope, error) {
		return nil, io.EOF
	})
}

// FailingIterator returns an iterator that fails with the given error.
func FailingIterator(err error) *cqrs.Iterator[*cqrs.Envelope] {
	return cqrs.NewIteratorFunc(func(ctx context.Context) (*cqrs.Envelope, error) {
		return nil, err
	})
}

// EnvelopeIteratorFromEvents creates an iterator over envelopes built from
// the given events.
func EnvelopeIteratorFromEvents(events ...cqrs.Event) *cqrs.Iterator[*cqrs.Envelope] {
	return cqrs.NewSliceIterator(EnvelopesFromEvents(events...))
}

// FailAfterNIterator returns an iterator that yields n envelopes, then fails.
func FailAfterNIterator(envelopes []*cqrs.Envelope, n int, err error) *cqrs.Iterator[*cqrs.Envelope] {
	idx := 0
	return cqrs.NewIteratorFunc(func(ctx context.Context) (*cqrs.Envelope, error) {
		if idx >= n {
			return nil, err
		}
		if idx >= len(envelopes) {
			return nil, io.EOF
		}
		env := envelopes[idx]
		idx++
		return env, nil
	})
}
