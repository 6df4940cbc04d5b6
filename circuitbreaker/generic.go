package circuitbreaker

import "context"

// ExecuteTyped is a type-safe generic wrapper around Registry.Execute.
//
// Usage:
//
//	verdict, err := circuitbreaker.ExecuteTyped(ctx, breakers, "llm:judge", func(ctx context.Context) (*Verdict, error) {
//	    return adapter.Judge(ctx, prompt)
//	})
func ExecuteTyped[T any](ctx context.Context, r *Registry, target string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Execute(ctx, target, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
