// Package coordinator orders tables, drives extraction per table, and
// maintains the sync state.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sqlpull/sqlpull/internal/checkpoint"
	"github.com/sqlpull/sqlpull/internal/config"
	"github.com/sqlpull/sqlpull/internal/db"
	"github.com/sqlpull/sqlpull/internal/extract"
	"github.com/sqlpull/sqlpull/internal/logging"
	"github.com/sqlpull/sqlpull/internal/params"
	"github.com/sqlpull/sqlpull/internal/progress"
	"github.com/sqlpull/sqlpull/internal/retry"
	"github.com/sqlpull/sqlpull/internal/source"
	"golang.org/x/sync/errgroup"
)

// Catalog is the schema-discovery collaborator.
type Catalog interface {
	DiscoverTables(ctx context.Context, include []string) ([]source.Table, error)
	CountRows(ctx context.Context, t *source.Table) (int64, error)
}

// Destination is the sink collaborator plus the destination-side
// operations the coordinator itself needs.
type Destination interface {
	Upsert(ctx context.Context, table string, rec extract.Record) error
	Delete(ctx context.Context, table string, key map[string]any) error
	Checkpoint(ctx context.Context, state map[string]string) error
	EnsureTable(ctx context.Context, t *source.Table) error
	LoadState(ctx context.Context) (map[string]string, error)
	CountRows(ctx context.Context, table string) (int64, error)
}

// Coordinator drives one sync run.
type Coordinator struct {
	cfg     *config.Config
	catalog Catalog
	dest    Destination
	calc    *params.Calculator
	dial    db.Dialer
	state   *checkpoint.State
	prog    *progress.Tracker
	orch    *retry.Orchestrator
}

// New wires a Coordinator. state may be nil to disable the local run
// store (used by tests).
func New(
	cfg *config.Config,
	catalog Catalog,
	dest Destination,
	calc *params.Calculator,
	dial db.Dialer,
	state *checkpoint.State,
	prog *progress.Tracker,
) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		catalog: catalog,
		dest:    dest,
		calc:    calc,
		dial:    dial,
		state:   state,
		prog:    prog,
		orch:    retry.New(cfg.Sync.MaxRetries, cfg.Sync.RetryBaseDelay()),
	}
}

// descriptor pairs a discovered table with its derived size category.
type descriptor struct {
	table source.Table
	size  params.SizeCategory
}

// Run executes a full sync: discovery, small-to-large table ordering,
// per-table adaptive extraction under retry, state checkpoints, and a
// final validation pass. The first table whose retries are exhausted
// fails the run.
func (c *Coordinator) Run(ctx context.Context) error {
	runID := uuid.NewString()
	if c.state != nil {
		if err := c.state.CreateRun(runID); err != nil {
			return fmt.Errorf("creating run: %w", err)
		}
	}
	logging.Info("Starting sync run %s", runID)

	err := c.run(ctx, runID)
	if c.state != nil {
		status, errMsg := "success", ""
		if err != nil {
			status, errMsg = "failed", err.Error()
		}
		if serr := c.state.CompleteRun(runID, status, errMsg); serr != nil {
			logging.Warn("Recording run completion: %v", serr)
		}
	}
	return err
}

func (c *Coordinator) run(ctx context.Context, runID string) error {
	tables, err := c.catalog.DiscoverTables(ctx, c.cfg.Sync.Tables)
	if err != nil {
		return fmt.Errorf("discovering tables: %w", err)
	}
	if len(tables) == 0 {
		logging.Warn("No tables found in schema %s", c.cfg.Source.Schema)
		return nil
	}

	ordered := orderBySize(tables)

	syncState, err := c.dest.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("loading sync state: %w", err)
	}

	if c.prog != nil {
		var total int64
		for _, d := range ordered {
			total += d.table.RowCount
		}
		c.prog.SetTotal(total)
	}

	for i, d := range ordered {
		if err := ctx.Err(); err != nil {
			return err
		}
		logging.Info("Processing table %d/%d: %s (%s, ~%d rows)",
			i+1, len(ordered), d.table.FullName(), d.size, d.table.RowCount)

		if err := c.processTable(ctx, runID, d, syncState); err != nil {
			return fmt.Errorf("table %s: %w", d.table.Name, err)
		}
	}

	if c.prog != nil {
		c.prog.Finish()
	}

	if err := c.Validate(ctx, ordered); err != nil {
		logging.Warn("Validation pass incomplete: %v", err)
	}

	return nil
}

// processTable runs one table under the retry orchestrator, then
// advances the sync state.
func (c *Coordinator) processTable(ctx context.Context, runID string, d descriptor, syncState map[string]string) error {
	p := c.calc.Compute(d.table.Name, d.size)

	if err := c.dest.EnsureTable(ctx, &d.table); err != nil {
		return err
	}

	cursorCol, incremental := c.cfg.Sync.Incremental[d.table.Name]
	hwm, hasHWM := syncState[d.table.Name]
	syncStart := time.Now().UTC()

	consumer := &destConsumer{
		dest:  c.dest,
		table: d.table.Name,
		state: syncState,
		prog:  c.prog,
	}

	attempt := func(ctx context.Context) (int64, error) {
		if incremental && hasHWM {
			since, perr := time.Parse(time.RFC3339, hwm)
			if perr != nil {
				return 0, fmt.Errorf("invalid high-water mark %q: %w", hwm, perr)
			}
			logging.Info("Incremental load of %s since %s (cursor %s)", d.table.FullName(), hwm, cursorCol)
			return extract.IncrementalScan(ctx, d.table, cursorCol, since, p, c.dial, consumer)
		}
		logging.Info("Full load of %s", d.table.FullName())
		return extract.New(d.table, d.table.IndexColumn(), p, c.dial, consumer).Run(ctx)
	}

	delivered, err := c.orch.Do(ctx, d.table.Name, attempt)
	if c.state != nil {
		status, errMsg := "success", ""
		if err != nil {
			status, errMsg = "failed", err.Error()
		}
		if serr := c.state.RecordTable(runID, d.table.Name, delivered, status, errMsg); serr != nil {
			logging.Warn("Recording table progress: %v", serr)
		}
	}
	if err != nil {
		return err
	}

	logging.Info("Table %s complete: %d rows delivered", d.table.FullName(), delivered)

	if incremental {
		stamp := syncStart.Format(time.RFC3339)
		syncState[d.table.Name] = stamp
		if c.state != nil {
			if serr := c.state.SetHighWater(d.table.Name, stamp); serr != nil {
				logging.Warn("Mirroring high-water mark: %v", serr)
			}
		}
	}
	if err := c.dest.Checkpoint(ctx, syncState); err != nil {
		return fmt.Errorf("checkpointing state: %w", err)
	}

	return nil
}

// Validate compares source and destination row counts in parallel and
// logs any mismatch loudly.
func (c *Coordinator) Validate(ctx context.Context, ordered []descriptor) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, d := range ordered {
		d := d
		g.Go(func() error {
			srcCount, err := c.catalog.CountRows(gctx, &d.table)
			if err != nil {
				return fmt.Errorf("counting source %s: %w", d.table.Name, err)
			}
			dstCount, err := c.dest.CountRows(gctx, d.table.Name)
			if err != nil {
				return fmt.Errorf("counting destination %s: %w", d.table.Name, err)
			}
			if srcCount != dstCount {
				logging.Error("Validation mismatch for %s: source=%d destination=%d",
					d.table.Name, srcCount, dstCount)
			} else {
				logging.Info("Validation ok for %s: %d rows", d.table.Name, srcCount)
			}
			return nil
		})
	}

	return g.Wait()
}

// ValidateAll discovers tables and validates them, for the standalone
// validate command.
func (c *Coordinator) ValidateAll(ctx context.Context) error {
	tables, err := c.catalog.DiscoverTables(ctx, c.cfg.Sync.Tables)
	if err != nil {
		return fmt.Errorf("discovering tables: %w", err)
	}
	return c.Validate(ctx, orderBySize(tables))
}

// orderBySize sorts tables small to medium to large, then by row
// count, so cheap tables land early and the run fails fast on
// systemic problems.
func orderBySize(tables []source.Table) []descriptor {
	ordered := make([]descriptor, len(tables))
	for i, t := range tables {
		ordered[i] = descriptor{table: t, size: params.Categorize(t.RowCount)}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].size != ordered[j].size {
			return ordered[i].size < ordered[j].size
		}
		return ordered[i].table.RowCount < ordered[j].table.RowCount
	})
	return ordered
}

// destConsumer adapts the Destination to the extractor's Consumer.
type destConsumer struct {
	dest  Destination
	table string
	state map[string]string
	prog  *progress.Tracker
}

func (dc *destConsumer) Deliver(ctx context.Context, rec extract.Record) error {
	if err := dc.dest.Upsert(ctx, dc.table, rec); err != nil {
		return err
	}
	if dc.prog != nil {
		dc.prog.Add(1)
	}
	return nil
}

func (dc *destConsumer) Checkpoint(ctx context.Context) error {
	return dc.dest.Checkpoint(ctx, dc.state)
}
