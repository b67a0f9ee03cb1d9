package worker

import (
	"context"
	"errors"

	"github.com/ChuLiYu/phase-pilot/pkg/types"
)

// CompositeProvider merges the signals of several providers: the latest
// activity wins and the activity/completion flags are ORed. It fails only
// when no child produced a determinate signal.
type CompositeProvider struct {
	children []Provider
}

// NewCompositeProvider combines children in order.
func NewCompositeProvider(children ...Provider) *CompositeProvider {
	return &CompositeProvider{children: children}
}

// Probe implements Provider.
func (c *CompositeProvider) Probe(ctx context.Context, w types.WorkerDef) (Signal, error) {
	var (
		merged      Signal
		determinate bool
		errs        []error
	)
	for _, child := range c.children {
		sig, err := child.Probe(ctx, w)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		determinate = true
		merged.HasActivity = merged.HasActivity || sig.HasActivity
		merged.ExplicitComplete = merged.ExplicitComplete || sig.ExplicitComplete
		if sig.LastActivity.After(merged.LastActivity) {
			merged.LastActivity = sig.LastActivity
		}
	}

	if !determinate {
		if len(errs) == 0 {
			return Signal{}, probeErr(w.ID, "no providers configured")
		}
		return Signal{}, &ProbeError{Worker: w.ID, Err: errors.Join(errs...)}
	}
	return merged, nil
}
