package cqrs

// StreamState expresses the caller's expectation about a stream at append
// time. The store compares it against the stream's current version and
// rejects the whole batch on a mismatch.
type StreamState interface {
	streamState()
}

// Any means append without checking the current revision.
type Any struct{}

func (Any) streamState() {}

// NoStream means the stream must not exist yet.
type NoStream struct{}

func (NoStream) streamState() {}

// StreamExists means the stream must already exist.
type StreamExists struct{}

func (StreamExists) streamState() {}

// Revision matches exactly a numeric revision: the number of events already
// in the stream. Revision(0) is equivalent to NoStream for appends.
type Revision uint64

func (Revision) streamState() {}
