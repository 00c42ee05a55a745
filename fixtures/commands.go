package fixtures

// TestCommand is a configurable test command implementing the Command
// interface. A non-nil ValidateErr makes Validate fail, which lets tests
// exercise the dispatch-side validation path.
type TestCommand struct {
	ID          string
	Data        string
	ValidateErr error
}

func (c TestCommand) AggregateID() string { return c.ID }
func (c TestCommand) Validate() error     { return c.ValidateErr }

// TestQuery is a configurable test query implementing the Query interface.
type TestQuery struct {
	Key         string
	ValidateErr error
}

func (q TestQuery) CacheKey() string { return q.Key }
func (q TestQuery) Validate() error  { return q.ValidateErr }
