package call

import "context"

// openCancellable runs a blocking device open so ctx can abandon it. A
// result that succeeds once ctx is done, whether it lands before or after
// the caller gave up, is handed to discard so devices are not left open.
func openCancellable[T any](ctx context.Context, open func() (T, error), discard func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := open()
		ch <- result{v, err}
	}()

	var zero T
	select {
	case r := <-ch:
		if r.err != nil {
			return zero, r.err
		}
		if err := ctx.Err(); err != nil {
			discard(r.v)
			return zero, err
		}
		return r.v, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				discard(r.v)
			}
		}()
		return zero, ctx.Err()
	}
}
