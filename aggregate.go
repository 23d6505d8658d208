package sentinel

import (
	"context"
	"time"
)

const defaultPageSize = 100

// Aggregator accumulates the reports counted towards a multi-report alert by
// paging through a time window of related reports and applying a configured
// predicate to each.
type Aggregator struct {
	store    Store
	eval     *Evaluator
	logger   Logger
	pageSize int
}

type AggregatorOption func(*Aggregator)

// WithPageSize overrides the fetch batch size.
func WithPageSize(n int) AggregatorOption {
	return func(a *Aggregator) {
		a.pageSize = n
	}
}

func WithAggregatorLogger(l Logger) AggregatorOption {
	return func(a *Aggregator) {
		a.logger = l
	}
}

func NewAggregator(store Store, eval *Evaluator, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		store:    store,
		eval:     eval,
		logger:   noopLogger{},
		pageSize: defaultPageSize,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// CountOpts bounds one counting run.
type CountOpts struct {
	// WindowDays restricts counting to reports within this many days before
	// the latest report.
	WindowDays int
	// Forms optionally restricts counting to these form codes.
	Forms []string
	// Threshold, when positive, stops paging as soon as the accumulated count
	// satisfies it. Zero pages until the window is exhausted.
	Threshold int
}

// CountReports returns the reports matching the predicate, starting with the
// latest report itself and walking backwards through the window in fixed-size
// batches. The predicate is an expression over {report, latestReport}; a
// predicate failure on one report is logged and treated as not counted, never
// aborting the rest of the batch. Pagination terminates on the first short
// batch.
func (a *Aggregator) CountReports(ctx context.Context, latest *Doc, predicate string, opts CountOpts) ([]*Doc, error) {
	latestEnv := latest.AsMap()

	var counted []*Doc
	if a.matches(ctx, latest, latestEnv, predicate) {
		counted = append(counted, latest)
	}

	windowStart := latest.ReportedDate - int64(opts.WindowDays)*time.Hour.Milliseconds()*24

	allowed := make(map[string]bool, len(opts.Forms))
	for _, f := range opts.Forms {
		allowed[f] = true
	}

	skip := 0
	for {
		if opts.Threshold > 0 && len(counted) >= opts.Threshold {
			return counted, nil
		}

		rows, err := a.store.Query(ctx, ViewReportsByDate, QueryOpts{
			StartKey:    latest.ReportedDate - 1,
			EndKey:      windowStart,
			Descending:  true,
			Skip:        skip,
			Limit:       a.pageSize,
			IncludeDocs: true,
		})
		if err != nil {
			return nil, err
		}

		for _, row := range rows {
			report := row.Doc
			if report == nil {
				continue
			}
			if len(allowed) > 0 && !allowed[report.Form] {
				continue
			}
			if a.matches(ctx, report, latestEnv, predicate) {
				counted = append(counted, report)
			}
		}

		// A short batch means the window is exhausted.
		if len(rows) < a.pageSize {
			return counted, nil
		}

		skip += a.pageSize
	}
}

func (a *Aggregator) matches(ctx context.Context, report *Doc, latestEnv map[string]any, predicate string) bool {
	env := map[string]any{
		"report":       report.AsMap(),
		"latestReport": latestEnv,
	}

	ok, err := a.eval.EvaluateBool(ctx, predicate, env)
	if err != nil {
		// NoReturnErr: a failing predicate only excludes this one report.
		a.logger.Error(ctx, err)
		return false
	}

	return ok
}
