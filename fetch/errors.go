package fetch

import (
	"errors"
	"fmt"

	"github.com/vektah/gqlparser/v2/gqlerror"
)

// Sentinel errors for errors.Is matching. The errors placed on outcomes are
// *gqlerror.Error values wrapping these, localized to the placeholder's
// response path and carrying machine-readable extensions.
var (
	// ErrUnresolvedKey reports that a required key was absent from both the
	// batch source's result and the cache.
	ErrUnresolvedKey = errors.New("unresolved required key")

	// ErrSourceFailure reports that the batch source call itself failed;
	// every placeholder waiting on that dispatch carries it.
	ErrSourceFailure = errors.New("batch source failure")

	// ErrForeignPlaceholder reports a placeholder handed to a fetcher that
	// did not create it. This is a dispatcher wiring error.
	ErrForeignPlaceholder = errors.New("placeholder not owned by fetcher")
)

// extension codes surfaced to clients alongside partial data.
const (
	codeUnresolvedKey      = "UNRESOLVED_REQUIRED_KEY"
	codeSourceFailure      = "SOURCE_FAILURE"
	codeForeignPlaceholder = "FOREIGN_PLACEHOLDER"
)

func locate(err *gqlerror.Error, sel Selection) *gqlerror.Error {
	err.Path = sel.Path
	if sel.Field != nil && sel.Field.Position != nil {
		err.Locations = []gqlerror.Location{{
			Line:   sel.Field.Position.Line,
			Column: sel.Field.Position.Column,
		}}
	}
	return err
}

func unresolvedKeyError[K comparable](fetcher string, key K, sel Selection) *gqlerror.Error {
	return locate(&gqlerror.Error{
		Err:     ErrUnresolvedKey,
		Message: fmt.Sprintf("unresolved required key: %v", key),
		Extensions: map[string]any{
			"code":    codeUnresolvedKey,
			"key":     fmt.Sprintf("%v", key),
			"fetcher": fetcher,
		},
	}, sel)
}

func sourceFailureError(fetcher string, cause error, sel Selection) *gqlerror.Error {
	return locate(&gqlerror.Error{
		Err:     fmt.Errorf("%w: %w", ErrSourceFailure, cause),
		Message: fmt.Sprintf("batch source %q failed: %v", fetcher, cause),
		Extensions: map[string]any{
			"code":    codeSourceFailure,
			"fetcher": fetcher,
		},
	}, sel)
}

func foreignPlaceholderError(fetcher string, sel Selection) *gqlerror.Error {
	return locate(&gqlerror.Error{
		Err:     ErrForeignPlaceholder,
		Message: fmt.Sprintf("placeholder not owned by fetcher %q", fetcher),
		Extensions: map[string]any{
			"code":    codeForeignPlaceholder,
			"fetcher": fetcher,
		},
	}, sel)
}
