// Package extract orchestrates one extraction run end to end: authenticate,
// resolve metadata, build the query, stream pages into the CSV writer, and
// only after the output is committed, advance the incremental state.
package extract

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forcepull/forcepull/pkg/config"
	"github.com/forcepull/forcepull/pkg/errors"
	"github.com/forcepull/forcepull/pkg/logger"
	"github.com/forcepull/forcepull/pkg/metrics"
	"github.com/forcepull/forcepull/pkg/retry"
	"github.com/forcepull/forcepull/pkg/salesforce"
	"github.com/forcepull/forcepull/pkg/schema"
	"github.com/forcepull/forcepull/pkg/state"
	"github.com/forcepull/forcepull/pkg/writer"
)

// LoadPlan tells the downstream loader how to reconcile the output table.
type LoadPlan struct {
	Table       string
	Incremental bool
	PrimaryKey  []string
}

// Result summarizes a completed run.
type Result struct {
	RunID     string
	Object    string
	Table     string
	Rows      int64
	Pages     int
	Watermark string
	Columns   []string
}

// authenticate is swapped out in tests
var authenticate = salesforce.Authenticate

// Runner executes extraction runs for one configuration.
type Runner struct {
	cfg *config.Config
}

// NewRunner creates a Runner. The configuration must already be validated.
func NewRunner(cfg *config.Config) *Runner {
	return &Runner{cfg: cfg}
}

// Run performs one extraction. On success the CSV and manifest are in place
// and, for incremental fetches, the watermark has advanced to the maximum
// observed value. On failure nothing is committed and state is untouched, so
// the next run re-fetches the same window.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	runID := uuid.NewString()
	ctx = context.WithValue(ctx, logger.RunIDKey, runID)
	log := logger.WithContext(ctx)

	mode := string(r.cfg.Loading.Mode)
	start := time.Now()

	res, err := r.run(ctx, runID)
	if err != nil {
		metrics.RunsTotal.WithLabelValues(r.cfg.Query.Object, mode, "failure").Inc()
		log.Error("run failed", zap.Error(err))
		return nil, err
	}

	metrics.RunsTotal.WithLabelValues(res.Object, mode, "success").Inc()
	log.Info("run complete",
		zap.String("object", res.Object),
		zap.String("table", res.Table),
		zap.Int64("rows", res.Rows),
		zap.Int("pages", res.Pages),
		zap.String("watermark", res.Watermark),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

func (r *Runner) run(ctx context.Context, runID string) (*Result, error) {
	sess, err := authenticate(ctx, r.cfg)
	if err != nil {
		return nil, err
	}

	policy := retry.NewPolicy(r.cfg.Reliability.RetryAttempts, r.cfg.Reliability.RetryDelay)
	describer := salesforce.NewDescriber(sess, policy)

	store, err := state.NewStore(r.cfg)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	prior, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}

	q, described, err := r.buildQuery(ctx, describer)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, logger.ObjectKey, q.Object)
	log := logger.WithContext(ctx)

	if err := r.checkPrimaryKey(ctx, q); err != nil {
		return nil, err
	}

	tracker, err := r.applyIncremental(ctx, describer, q, prior)
	if err != nil {
		return nil, err
	}

	log.Info("starting extraction",
		zap.String("query", q.Text),
		zap.Bool("include_deleted", q.IncludeDeleted))

	plan := LoadPlan{
		Table:       r.cfg.Loading.Table(q.Object),
		Incremental: r.cfg.Loading.IsIncremental(),
		PrimaryKey:  r.cfg.Loading.PrimaryKey,
	}
	out := writer.NewCSVWriter(r.cfg.Output.Dir, plan.Table)
	defer out.Abort()

	it := salesforce.NewFetcher(sess, r.cfg.Reliability).Run(ctx, q)

	desc, err := r.streamBatches(ctx, it, q, described, prior, out, tracker)
	if err != nil {
		return nil, err
	}

	if err := out.Commit(plan.Incremental); err != nil {
		return nil, err
	}

	// State advances only past the commit point. A failure anywhere above
	// leaves the previous watermark in place.
	columns := desc.Names()
	if err := r.saveState(ctx, store, tracker, columns); err != nil {
		return nil, err
	}

	return &Result{
		RunID:     runID,
		Object:    q.Object,
		Table:     plan.Table,
		Rows:      out.RowCount(),
		Pages:     it.Pages(),
		Watermark: tracker.Watermark(),
		Columns:   columns,
	}, nil
}

// buildQuery produces the SOQL query plus, for object-based extractions, the
// describe metadata backing it.
func (r *Runner) buildQuery(ctx context.Context, describer *salesforce.Describer) (*salesforce.SoqlQuery, []salesforce.FieldDescriptor, error) {
	switch r.cfg.Query.Type {
	case config.QueryTypeObject:
		described, err := describer.Describe(ctx, r.cfg.Query.Object)
		if err != nil {
			return nil, nil, err
		}
		q, err := salesforce.BuildFromObject(r.cfg.Query.Object, r.cfg.Query.Fields, described, r.cfg.Query.IncludeDeleted)
		if err != nil {
			return nil, nil, err
		}
		return q, described, nil

	case config.QueryTypeSOQL:
		q, err := salesforce.BuildFromString(r.cfg.Query.SOQL, r.cfg.Query.IncludeDeleted)
		if err != nil {
			return nil, nil, err
		}
		return q, nil, nil

	default:
		return nil, nil, errors.Newf(errors.ErrorTypeConfig, "unknown query type %q", r.cfg.Query.Type)
	}
}

// checkPrimaryKey verifies the merge key columns are part of the query
// output for incremental loads. A hand-written query whose field list could
// not be parsed is let through with a warning.
func (r *Runner) checkPrimaryKey(ctx context.Context, q *salesforce.SoqlQuery) error {
	if !r.cfg.Loading.IsIncremental() {
		return nil
	}

	if len(q.Fields) == 0 {
		logger.WithContext(ctx).Warn("cannot verify primary key against an unparsed field list",
			zap.Strings("primary_key", r.cfg.Loading.PrimaryKey))
		return nil
	}

	if missing := q.MissingFields(r.cfg.Loading.PrimaryKey); len(missing) > 0 {
		return errors.Newf(errors.ErrorTypeValidation,
			"primary key column(s) %s are not selected by the query", strings.Join(missing, ", "))
	}
	return nil
}

// applyIncremental injects the watermark predicate when incremental fetching
// is configured and a prior watermark exists. It always returns a tracker so
// the run records the maximum observed value for next time.
func (r *Runner) applyIncremental(ctx context.Context, describer *salesforce.Describer, q *salesforce.SoqlQuery, prior *state.State) (*state.Tracker, error) {
	field := r.cfg.Loading.IncrementalField

	if !r.cfg.Loading.IsIncremental() || !r.cfg.Loading.IncrementalFetch || field == "" {
		return state.NewTracker("", ""), nil
	}

	if r.cfg.Query.Type == config.QueryTypeObject {
		ok, err := describer.IsValidIncrementalField(ctx, q.Object, field)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeValidation,
				"incremental field %q is not a date or datetime field on object %q", field, q.Object)
		}
	}

	previous := ""
	if prior != nil {
		previous = prior.LastRun
	}

	if previous != "" {
		// Stored watermarks predating normalization may still carry the
		// API's +0000 offset form, so normalize again at injection
		since := state.NormalizeWatermark(previous)
		if err := q.ApplyIncremental(field, since); err != nil {
			return nil, err
		}
		logger.WithContext(ctx).Info("resuming from watermark",
			zap.String("field", field),
			zap.String("since", since))
	} else {
		logger.WithContext(ctx).Info("no previous watermark, fetching everything",
			zap.String("field", field))
	}

	return state.NewTracker(field, previous), nil
}

// streamBatches drains the iterator into the writer. The output schema comes
// from describe metadata for object extractions; for hand-written SOQL it is
// derived from the first batch's keys, or from the previous run's columns
// when the result is empty.
func (r *Runner) streamBatches(
	ctx context.Context,
	it *salesforce.BatchIterator,
	q *salesforce.SoqlQuery,
	described []salesforce.FieldDescriptor,
	prior *state.State,
	out *writer.CSVWriter,
	tracker *state.Tracker,
) (schema.Descriptor, error) {
	pkey := r.cfg.Loading.PrimaryKey
	opened := false
	var desc schema.Descriptor

	open := func(d schema.Descriptor) error {
		desc = d
		opened = true
		return out.Begin(d)
	}

	// Object extractions know their schema before the first row arrives
	if described != nil {
		if err := open(schema.MapFields(q.Fields, described, pkey)); err != nil {
			return desc, err
		}
	}

	for {
		batch, err := it.Next(ctx)
		if err != nil {
			return desc, err
		}
		if batch == nil {
			break
		}
		if len(batch.Rows) == 0 {
			continue
		}

		if !opened {
			if err := open(schema.FromRowKeys(rowKeys(batch.Rows[0]), q.Fields, pkey)); err != nil {
				return desc, err
			}
		}

		if err := out.WriteBatch(batch.Rows); err != nil {
			return desc, err
		}
		for _, row := range batch.Rows {
			tracker.Observe(row)
		}
	}

	// Zero rows and no metadata: fall back to the previous run's columns
	if !opened {
		var prev []string
		if prior != nil {
			prev = prior.PrevColumns
		}
		if len(prev) == 0 {
			logger.WithContext(ctx).Warn("empty result and no remembered columns, manifest will have no schema")
		}
		if err := open(schema.FromColumnNames(prev, pkey)); err != nil {
			return desc, err
		}
	}

	return desc, nil
}

func (r *Runner) saveState(ctx context.Context, store state.Store, tracker *state.Tracker, columns []string) error {
	s := &state.State{
		IncrementalField: tracker.Field(),
		LastRun:          tracker.Watermark(),
		PrevColumns:      columns,
		UpdatedAt:        time.Now().UTC(),
	}
	return store.Save(ctx, s)
}

// Validate performs a dry run: authenticate, resolve metadata, build the
// query and execute it with LIMIT 1. Nothing is written and state does not
// move. It returns the query that a real run would execute.
func (r *Runner) Validate(ctx context.Context) (*salesforce.SoqlQuery, error) {
	sess, err := authenticate(ctx, r.cfg)
	if err != nil {
		return nil, err
	}

	policy := retry.NewPolicy(r.cfg.Reliability.RetryAttempts, r.cfg.Reliability.RetryDelay)
	describer := salesforce.NewDescriber(sess, policy)

	q, _, err := r.buildQuery(ctx, describer)
	if err != nil {
		return nil, err
	}
	if err := r.checkPrimaryKey(ctx, q); err != nil {
		return nil, err
	}

	if r.cfg.Loading.IsIncremental() && r.cfg.Loading.IncrementalFetch &&
		r.cfg.Query.Type == config.QueryTypeObject {
		ok, err := describer.IsValidIncrementalField(ctx, q.Object, r.cfg.Loading.IncrementalField)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeValidation,
				"incremental field %q is not a date or datetime field on object %q",
				r.cfg.Loading.IncrementalField, q.Object)
		}
	}

	limited := &salesforce.SoqlQuery{
		Object:         q.Object,
		Fields:         q.Fields,
		Text:           q.WithLimit(1),
		IncludeDeleted: q.IncludeDeleted,
	}
	it := salesforce.NewFetcher(sess, r.cfg.Reliability).Run(ctx, limited)
	if _, err := it.Next(ctx); err != nil {
		return nil, err
	}

	logger.WithContext(ctx).Info("query validated",
		zap.String("object", q.Object),
		zap.String("query", q.Text))
	return q, nil
}

func rowKeys(row map[string]interface{}) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	return keys
}
