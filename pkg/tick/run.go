package tick

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/codeready-toolchain/drorc/pkg/coreerr"
)

// RunOptions bounds a cadence-driven multi-tick session (spec.md §4.6:
// "run ... on a fixed cadence until the run reaches done, a non-retryable
// failure halts it, or a tick budget is exhausted").
type RunOptions struct {
	CronSpec string  // e.g. "@every 30s"; empty uses Policy.TickIntervalSeconds
	MaxTicks int  // 0 means unbounded — caller relies on ctx cancellation
}

// RunResult summarizes a cadence session.
type RunResult struct {
	TicksExecuted int
	FinalStage    string
	Done          bool
	Halted        bool
	LastErr       error
}

// Run drives repeated Tick calls on a cron.Cron cadence (grounded on the
// pack's cron/v3 schedulers) until the run reaches "done", a
// non-retryable error halts it, MaxTicks is exhausted, or ctx is
// cancelled. Each tick runs independently — Run never holds the run lock
// across ticks, so an operator's concurrent `drorc tick` still works.
func Run(ctx context.Context, req Request, opts RunOptions) RunResult {
	spec := opts.CronSpec
	if spec == "" {
		interval := req.Policy.TickIntervalSeconds
		if interval <= 0 {
			interval = 30
		}
		spec = "@every " + (time.Duration(interval) * time.Second).String()
	}

	c := cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC))

	var (
		mu     sync.Mutex
		result RunResult
		done   = make(chan struct{})
		once   sync.Once
	)

	stop := func() {
		once.Do(func() { close(done) })
	}

	entryID, err := c.AddFunc(spec, func() {
		mu.Lock()
		defer mu.Unlock()

		if result.Done || result.Halted {
			stop()
			return
		}
		if opts.MaxTicks > 0 && result.TicksExecuted >= opts.MaxTicks {
			stop()
			return
		}

		outcome, tickErr := Tick(ctx, req)
		result.TicksExecuted++
		result.FinalStage = outcome.Stage

		if tickErr != nil {
			result.LastErr = tickErr
			if !coreerr.Retryable(coreerr.CodeOf(tickErr)) {
				result.Halted = true
				slog.Error("run halted by non-retryable tick failure", "run_root", req.RunRoot, "error", tickErr)
				stop()
			}
			return
		}

		if outcome.Stage == "done" {
			result.Done = true
			stop()
		}
	})
	if err != nil {
		return RunResult{LastErr: err}
	}

	c.Start()
	defer func() {
		c.Remove(entryID)
		stopCtx := c.Stop()
		<-stopCtx.Done()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		mu.Lock()
		result.LastErr = ctx.Err()
		mu.Unlock()
	}

	mu.Lock()
	defer mu.Unlock()
	return result
}
