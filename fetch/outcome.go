package fetch

// Outcome is the resolution result for one placeholder.
type Outcome struct {
	// Value is the resolved value: the entity for single placeholders, a
	// slice of entities for bulk placeholders, nil for optional misses.
	Value any
	// Err contains a failure specific to this placeholder; other
	// placeholders resolved in the same tick are unaffected. Localized
	// failures are *gqlerror.Error values carrying the placeholder's
	// response path and a machine-readable extensions code.
	Err error
}
