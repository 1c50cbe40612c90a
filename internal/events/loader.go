package events

import "time"

// TickStart is emitted when the dispatcher begins resolving one tick's
// placeholder batch.
type TickStart struct {
	Placeholders int
	Partitions   int
}

// TickFinish is emitted after every partition of a tick has completed.
type TickFinish struct {
	Placeholders int
	Partitions   int
	Errors       int
	Duration     time.Duration
}

// SourceCallStart is emitted right before a fetcher invokes its batch source.
type SourceCallStart struct {
	Fetcher string
	Keys    int
}

// SourceCallFinish is emitted when the batch source call returns.
type SourceCallFinish struct {
	Fetcher  string
	Keys     int
	Found    int
	Err      error
	Duration time.Duration
}
