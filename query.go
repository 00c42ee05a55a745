package cqrs

// Query expresses a side-effect-free, repeatable read. Its type name is the
// discriminator the bus routes on; CacheKey identifies the result within
// that type for the read-through cache.
type Query interface {
	// CacheKey derives the cache identity of this query's result. Two
	// queries with the same type and cache key are interchangeable.
	CacheKey() string

	// Validate checks the query's own well-formedness before dispatch.
	Validate() error
}
