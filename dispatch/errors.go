package dispatch

import (
	"errors"
	"fmt"

	"github.com/vektah/gqlparser/v2/gqlerror"

	fetch "github.com/hanpama/graphload/fetch"
)

// Sentinel errors for errors.Is matching on outcome failures produced by the
// dispatcher itself (fetcher-produced failures carry the fetch sentinels).
var (
	// ErrUnmanagedPlaceholder reports a placeholder whose owner is not
	// registered with the dispatcher while no fallback resolver is
	// configured. This is a configuration error, surfaced once per
	// occurrence rather than silently dropped.
	ErrUnmanagedPlaceholder = errors.New("unmanaged placeholder")

	// ErrDispatchFailure reports that a partition misbehaved: it panicked
	// or returned fewer outcomes than placeholders.
	ErrDispatchFailure = errors.New("dispatch failure")
)

const (
	codeUnmanaged       = "UNMANAGED_PLACEHOLDER"
	codeDispatchFailure = "DISPATCH_FAILURE"
	codeCancelled       = "EXECUTION_CANCELLED"
)

func locate(err *gqlerror.Error, sel fetch.Selection) *gqlerror.Error {
	err.Path = sel.Path
	if sel.Field != nil && sel.Field.Position != nil {
		err.Locations = []gqlerror.Location{{
			Line:   sel.Field.Position.Line,
			Column: sel.Field.Position.Column,
		}}
	}
	return err
}

func unmanagedError(owner fetch.Owner, sel fetch.Selection) *gqlerror.Error {
	msg := "no fetcher registered for placeholder and no fallback resolver configured"
	ext := map[string]any{"code": codeUnmanaged}
	if owner != nil {
		msg = fmt.Sprintf("fetcher %q is not registered with this dispatcher and no fallback resolver is configured", owner.Name())
		ext["fetcher"] = owner.Name()
	}
	return locate(&gqlerror.Error{Err: ErrUnmanagedPlaceholder, Message: msg, Extensions: ext}, sel)
}

func dispatchFailureError(partition string, cause error, sel fetch.Selection) *gqlerror.Error {
	return locate(&gqlerror.Error{
		Err:     fmt.Errorf("%w: %w", ErrDispatchFailure, cause),
		Message: fmt.Sprintf("partition %q failed: %v", partition, cause),
		Extensions: map[string]any{
			"code":      codeDispatchFailure,
			"partition": partition,
		},
	}, sel)
}

func cancelledError(cause error, sel fetch.Selection) *gqlerror.Error {
	return locate(&gqlerror.Error{
		Err:        cause,
		Message:    fmt.Sprintf("execution cancelled: %v", cause),
		Extensions: map[string]any{"code": codeCancelled},
	}, sel)
}
