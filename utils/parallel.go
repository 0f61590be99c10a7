package utils

import (
	"context"
	"runtime"
	"sync"

	"go.viam.com/utils"
	"golang.org/x/sync/errgroup"
)

// ParallelFactor controls the max level of parallelization. Tests may lower it.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
}

// ParallelForEachRow splits [0, rows) into contiguous bands and calls f once per band from its
// own goroutine. f must only write to rows in [from, to).
func ParallelForEachRow(rows int, f func(from, to int)) {
	if rows <= 0 {
		return
	}
	groups := ParallelFactor
	if groups > rows {
		groups = rows
	}
	if groups <= 1 {
		f(0, rows)
		return
	}
	band := rows / groups
	extra := rows % groups

	var wait sync.WaitGroup
	wait.Add(groups)
	from := 0
	for g := 0; g < groups; g++ {
		to := from + band
		if g < extra {
			to++
		}
		start, end := from, to
		utils.PanicCapturingGo(func() {
			defer wait.Done()
			f(start, end)
		})
		from = to
	}
	wait.Wait()
}

// SimpleFunc is for RunInParallel.
type SimpleFunc func(ctx context.Context) error

// RunInParallel runs all functions concurrently and returns the first error. The context passed to
// the functions is cancelled as soon as one of them fails.
func RunInParallel(ctx context.Context, fs []SimpleFunc) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, f := range fs {
		group.Go(func() error {
			return f(groupCtx)
		})
	}
	return group.Wait()
}
