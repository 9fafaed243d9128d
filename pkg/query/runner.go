package query

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tally/pkg/store"
)

// Result is the envelope returned to the model.
type Result struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated"`
	Dropped   []string         `json:"dropped,omitempty"`
}

// Runner compiles descriptions and executes them read-only. It keeps no state
// between calls.
type Runner struct {
	store    *store.Store
	compiler *Compiler
	timeout  time.Duration
	log      *slog.Logger
}

// RunnerConfig tunes a Runner.
type RunnerConfig struct {
	RowCap  int
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewRunner builds a Runner for s constrained to w.
func NewRunner(s *store.Store, w *Whitelist, cfg RunnerConfig) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		store:    s,
		compiler: NewCompiler(w, s.Dialect(), cfg.RowCap),
		timeout:  cfg.Timeout,
		log:      cfg.Logger,
	}
}

// Compiler exposes the compiler used by the runner.
func (r *Runner) Compiler() *Compiler { return r.compiler }

// Run validates, compiles and executes d. Whitelist violations are returned
// before the store is touched.
func (r *Runner) Run(ctx context.Context, d Description) (*Result, error) {
	compiled, err := r.compiler.Compile(d)
	if err != nil {
		return nil, err
	}
	if len(compiled.Dropped) > 0 {
		r.log.Info("query references dropped", "table", d.Table, "dropped", compiled.Dropped)
	}
	r.log.Debug("running query", "sql", compiled.SQL, "args", len(compiled.Args))

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	res := &Result{Columns: compiled.Columns, Dropped: compiled.Dropped}
	err = r.store.ReadOnly(ctx, func(ctx context.Context, q store.Querier) error {
		rows, err := q.QueryContext(ctx, compiled.SQL, compiled.Args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		_, res.Rows, err = store.Collect(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("query on %s failed: %w", d.Table, err)
	}

	res.RowCount = len(res.Rows)
	res.Truncated = res.RowCount >= r.compiler.RowCap()
	return res, nil
}
