package dauro

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrijr/dauro/pkg/codec"
)

// Typed companions to the ExecutionContext methods. These are package-level
// generic functions because Go does not allow generic methods on
// non-generic receiver types.
//
// Decoding mirrors encoding: a value of type T decodes with the codec
// Encode would pick for T (the pinned codec from codec.RegisterType, or the
// default). Group branches record their codec per outcome and decode with
// that.

// NewWorkflow builds a WorkflowDefinition whose handler takes a typed input
// and returns a typed output. Start the workflow with a value of type I so
// the recorded input decodes back into I.
func NewWorkflow[I, O any](name string, handler func(ctx ExecutionContext, input I) (O, error)) WorkflowDefinition {
	return WorkflowDefinition{
		Name: name,
		Handler: func(ctx ExecutionContext, input []byte) (any, error) {
			in, err := decodeAs[I](input)
			if err != nil {
				return nil, fmt.Errorf("decode workflow input: %w", err)
			}
			return handler(ctx, in)
		},
	}
}

// Step runs fn durably under name and returns its typed result.
func Step[T any](ctx ExecutionContext, name string, fn func(context.Context) (T, error), cfg *StepConfig) (T, error) {
	data, err := ctx.Step(name, func(c context.Context) (any, error) {
		return fn(c)
	}, cfg)
	if err != nil {
		var zero T
		return zero, err
	}
	return decodeAs[T](data)
}

// WaitForCallback parks the execution on a callback token and decodes the
// resolving payload into T.
func WaitForCallback[T any](ctx ExecutionContext, name string, submit SubmitFunc, cfg *CallbackConfig) (T, error) {
	data, err := ctx.WaitForCallback(name, submit, cfg)
	if err != nil {
		var zero T
		return zero, err
	}
	return decodeAs[T](data)
}

// WaitForCondition polls cond until it reports done and returns the typed
// result it produced.
func WaitForCondition[T any](ctx ExecutionContext, name string, cond func(context.Context) (bool, T, error), cfg *ConditionConfig) (T, error) {
	data, err := ctx.WaitForCondition(name, func(c context.Context) (bool, any, error) {
		return cond(c)
	}, cfg)
	if err != nil {
		var zero T
		return zero, err
	}
	return decodeAs[T](data)
}

// MapSlice applies fn to every element of items as independently
// checkpointed branches under name and returns the results in item order.
// Every branch must succeed: a failed branch surfaces as the error even
// when the completion policy absorbed it, because a partial []R would hide
// zero values at the failed indexes. Workloads that tolerate partial
// failure should call ExecutionContext.MapOp and inspect the
// BranchResults.
func MapSlice[T, R any](ctx ExecutionContext, name string, items []T, fn func(ctx ExecutionContext, index int, item T) (R, error), cfg *GroupConfig) ([]R, error) {
	anyItems := make([]any, len(items))
	for i, item := range items {
		anyItems[i] = item
	}
	// The wrapper indexes the typed slice instead of asserting the any
	// value, so items round-trip without codec involvement.
	results, err := ctx.MapOp(name, anyItems, func(c ExecutionContext, index int, _ any) (any, error) {
		return fn(c, index, items[index])
	}, cfg)
	if err != nil {
		return nil, err
	}
	if rerr := results.Err(); rerr != nil {
		return nil, rerr
	}
	if failed := results.Failures(); len(failed) > 0 {
		if ferr := failed[0].Failure.Err(); ferr != nil {
			return nil, ferr
		}
		return nil, fmt.Errorf("branch %q failed", failed[0].Name)
	}
	out := make([]R, len(items))
	for _, o := range results.Outcomes {
		if err := codec.Decode(o.Codec, o.Result, &out[o.Index]); err != nil {
			return nil, fmt.Errorf("decode branch %q: %w", o.Name, err)
		}
	}
	return out, nil
}

// RunInChild runs fn in a nested naming scope and returns its typed result.
func RunInChild[T any](ctx ExecutionContext, name string, fn func(ctx ExecutionContext) (T, error)) (T, error) {
	data, err := ctx.RunInChildContext(name, func(c ExecutionContext) (any, error) {
		return fn(c)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return decodeAs[T](data)
}

// Output decodes a terminal execution's recorded output into T.
func Output[T any](exec *Execution) (T, error) {
	var out T
	if exec == nil {
		return out, errors.New("dauro: nil execution")
	}
	if err := codec.Decode(exec.OutputCodec, exec.Output, &out); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func decodeAs[T any](data []byte) (T, error) {
	var out T
	if len(data) == 0 {
		return out, nil
	}
	if err := codec.ForValue(out).Unmarshal(data, &out); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
