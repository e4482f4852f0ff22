// Package util holds small concurrency helpers shared by the stores, the
// transaction coordinator, and the command line tool.
package util

import (
	"context"
	"sync"
)

// A Gate limits concurrency. Every gate has a maximum number of goroutines to
// allow through at a time. Goroutines enter the gate by calling Enter() or
// EnterContext(), and signal that they are done by calling Leave().
type Gate chan struct{}

// NewGate returns a Gate which accepts at most n entries at a time. If n is
// less than one the gate accepts one entry at a time.
func NewGate(n int) Gate {
	if n < 1 {
		n = 1
	}
	return Gate(make(chan struct{}, n))
}

// Enter is called at the beginning of the section to be protected by
// the gate, and will block the calling goroutine until there are less than
// n goroutines inside.
// It is safe to call this from multiple goroutines.
func (g Gate) Enter() {
	g <- struct{}{}
}

// EnterContext is like Enter, but gives up if ctx is done first. In that case
// the gate was not entered and the context's error is returned.
func (g Gate) EnterContext(ctx context.Context) error {
	select {
	case g <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Leave marks a goroutine outside the critical section. It is important to
// balance each call to Enter with a call to Leave. Enter and Leave do not need
// to be called from the same goroutine, necessarily.
func (g Gate) Leave() {
	<-g
}

// Run calls f(i) for each i in [0, n), with no more than the gate's limit of
// calls running at once. It waits for every call to finish and returns the
// errors indexed by i. Calls which could not start because ctx was done get
// the context's error.
func (g Gate) Run(ctx context.Context, n int, f func(ctx context.Context, i int) error) []error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		err := ctx.Err()
		if err == nil {
			err = g.EnterContext(ctx)
		}
		if err != nil {
			errs[i] = err
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer g.Leave()
			errs[i] = f(ctx, i)
		}(i)
	}
	wg.Wait()
	return errs
}
