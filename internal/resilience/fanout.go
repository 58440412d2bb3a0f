package resilience

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Op is one named operation in a fan-out.
type Op[T any] struct {
	Name string
	Fn   func(ctx context.Context) (T, error)
}

// Outcome is the value produced by a successful Op.
type Outcome[T any] struct {
	Name  string
	Value T
}

// Failure is the error produced by a failed Op.
type Failure struct {
	Name string
	Err  error
}

// FanOut partitions the results of SafeAll. Both slices keep the order of
// the input ops.
type FanOut[T any] struct {
	Succeeded []Outcome[T]
	Failed    []Failure
}

// Values returns the success values in input order.
func (f FanOut[T]) Values() []T {
	out := make([]T, 0, len(f.Succeeded))
	for _, o := range f.Succeeded {
		out = append(out, o.Value)
	}
	return out
}

// FanOutError aggregates every failed op of an AllOrError call.
type FanOutError struct {
	Failures []Failure
	Total    int
	err      error
}

func (e *FanOutError) Error() string {
	names := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		names[i] = f.Name
	}
	return fmt.Sprintf("%d of %d operations failed [%s]: %v",
		len(e.Failures), e.Total, strings.Join(names, ", "), e.err)
}

// Unwrap exposes the individual failures to errors.Is / errors.As.
func (e *FanOutError) Unwrap() []error {
	return multierr.Errors(e.err)
}

// SafeAll runs every op concurrently and collects a success value or a
// failure per op. One op failing (or panicking) never cancels the others.
func SafeAll[T any](ctx context.Context, ops []Op[T]) FanOut[T] {
	type slot struct {
		val T
		err error
	}
	slots := make([]slot, len(ops))

	var g errgroup.Group
	for i, op := range ops {
		g.Go(func() (retErr error) {
			defer func() {
				if r := recover(); r != nil {
					slots[i].err = eris.Errorf("panic in %s: %v", op.Name, r)
				}
			}()
			slots[i].val, slots[i].err = op.Fn(ctx)
			return nil
		})
	}
	_ = g.Wait()

	var out FanOut[T]
	for i, s := range slots {
		if s.err != nil {
			out.Failed = append(out.Failed, Failure{Name: ops[i].Name, Err: s.err})
			continue
		}
		out.Succeeded = append(out.Succeeded, Outcome[T]{Name: ops[i].Name, Value: s.val})
	}
	return out
}

// AllOrError runs every op like SafeAll but treats all of them as mandatory:
// if any failed, a *FanOutError naming each failed op is returned.
func AllOrError[T any](ctx context.Context, ops []Op[T]) ([]Outcome[T], error) {
	res := SafeAll(ctx, ops)
	if len(res.Failed) == 0 {
		return res.Succeeded, nil
	}

	var combined error
	for _, f := range res.Failed {
		combined = multierr.Append(combined, eris.Wrap(f.Err, f.Name))
	}
	return nil, &FanOutError{Failures: res.Failed, Total: len(ops), err: combined}
}
