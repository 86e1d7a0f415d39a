package actions

import (
	"context"
	"time"

	"github.com/rendis/gantry/internal/expressions"
	"github.com/rendis/gantry/pkg/schema"
)

// Invoker resolves an action by name, runs it under a call-level timeout,
// and applies the node's optional result_path jq extraction to the output.
type Invoker struct {
	registry  *Registry
	extractor *expressions.Extractor
}

// NewInvoker creates an Invoker over a registry.
func NewInvoker(registry *Registry) *Invoker {
	return &Invoker{
		registry:  registry,
		extractor: expressions.NewExtractor(),
	}
}

// InvokeSpec is one action call as configured on an action node.
type InvokeSpec struct {
	Action     string
	Params     map[string]any
	Context    map[string]any
	ResultPath string
	Timeout    time.Duration
}

// Invoke executes the named action and returns its (possibly extracted)
// result as a context-storable value.
func (inv *Invoker) Invoke(ctx context.Context, spec InvokeSpec) (any, error) {
	action, err := inv.registry.Get(spec.Action)
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	out, err := action.Execute(callCtx, ActionInput{
		Params:  spec.Params,
		Context: spec.Context,
	})
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && schema.CodeOf(err) != schema.ErrCodeTimeout {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"action %s timed out after %s", spec.Action, spec.Timeout).WithCause(err)
		}
		return nil, err
	}

	var result any
	if out != nil {
		result = out.Data
	}
	if spec.ResultPath != "" {
		result, err = inv.extractor.Extract(ctx, spec.ResultPath, result)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}
