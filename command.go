package cqrs

// Command expresses the intent to change one aggregate. A command carries
// its target aggregate's ID and validates itself before dispatch; its type
// name is the discriminator the bus routes on.
type Command interface {
	AggregateID() string

	// Validate checks the command's own well-formedness. It runs before
	// any handler is looked up; a non-nil error fails the dispatch with a
	// ValidationError and is never retried.
	Validate() error
}
