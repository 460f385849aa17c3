package mapping

import (
	"fmt"
	"sync"

	"github.com/riverrun/replicator/pkg/events"
	"github.com/riverrun/replicator/pkg/models"
)

// FilterFunc decides whether a record should be replicated for an action.
type FilterFunc func(record events.Record, action string) bool

// TransformFunc reshapes a record before it reaches the driver. Returning
// a nil record skips the operation.
type TransformFunc func(record events.Record, action string) (events.Record, error)

// Binding is the canonical form of one (replicator, sourceResource)
// destination mapping. Downstream components see only bindings, never the
// raw mapping syntaxes.
type Binding struct {
	Source      string
	Destination string
	Actions     map[string]bool

	ShouldReplicate FilterFunc
	Transform       TransformFunc

	// FilterName / TransformName are kept for log output; empty when the
	// function was supplied directly.
	FilterName    string
	TransformName string
}

// Allows reports whether the binding covers the given action.
func (b *Binding) Allows(action string) bool {
	return b.Actions[action]
}

// Inert reports a binding whose action set resolved empty. It stays
// configured but never replicates.
func (b *Binding) Inert() bool {
	return len(b.Actions) == 0
}

// Skip reasons surfaced in log entries; filter-skip and transform-skip are
// reported under the same skipped status.
const (
	SkipFiltered    = "filtered"
	SkipTransformed = "transform returned nil"
)

// Eval runs the binding's filter and transform for one operation. It
// returns the (possibly reshaped) record, a non-empty skip reason when the
// op must short-circuit, or an error when the user function failed. Panics
// in user functions are converted to TransformError.
func (b *Binding) Eval(record events.Record, action string) (out events.Record, skip string, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, skip = nil, ""
			err = &models.TransformError{Resource: b.Source, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()

	if b.ShouldReplicate != nil && !b.ShouldReplicate(record, action) {
		return nil, SkipFiltered, nil
	}
	if b.Transform == nil {
		return record, "", nil
	}
	transformed, err := b.Transform(record, action)
	if err != nil {
		return nil, "", &models.TransformError{Resource: b.Source, Cause: err}
	}
	if transformed == nil {
		return nil, SkipTransformed, nil
	}
	return transformed, "", nil
}

// Transform and filter registries. Go configuration is static, so user
// functions are compiled in and referenced from config by name.
var (
	registryMu sync.RWMutex
	transforms = make(map[string]TransformFunc)
	filters    = make(map[string]FilterFunc)
)

// RegisterTransform makes a named transform available to configuration.
func RegisterTransform(name string, fn TransformFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	transforms[name] = fn
}

// RegisterFilter makes a named shouldReplicate predicate available to
// configuration.
func RegisterFilter(name string, fn FilterFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	filters[name] = fn
}

func lookupTransform(name string) (TransformFunc, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := transforms[name]
	return fn, ok
}

func lookupFilter(name string) (FilterFunc, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := filters[name]
	return fn, ok
}
