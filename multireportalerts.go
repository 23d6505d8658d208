package sentinel

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// MultiReportAlerts raises an alert once enough related reports within a time
// window are counted by the configured predicate, and notifies the configured
// recipients. The latest report is the document the alert attaches to.
type MultiReportAlerts struct {
	deps       Dependencies
	aggregator *Aggregator
}

func NewMultiReportAlerts(d Dependencies) *MultiReportAlerts {
	return &MultiReportAlerts{
		deps:       d,
		aggregator: NewAggregator(d.Store, d.Eval, WithAggregatorLogger(d.logger())),
	}
}

var _ Transition = (*MultiReportAlerts)(nil)

func (t *MultiReportAlerts) Name() string {
	return TransitionMultiReportAlerts
}

func (t *MultiReportAlerts) Init() error {
	for _, alert := range t.deps.Config.Settings().MultiReportAlerts {
		if err := alert.validate(); err != nil {
			return err
		}
	}

	return nil
}

func (t *MultiReportAlerts) Filter(doc *Doc) bool {
	return doc != nil &&
		doc.Form != "" &&
		doc.Type == "data_record" &&
		!doc.HasRun(t.Name())
}

func (t *MultiReportAlerts) OnMatch(ctx context.Context, change *Change) (bool, error) {
	doc := change.Doc
	settings := t.deps.Config.Settings()

	var (
		changed  bool
		firstErr error
	)
	for _, alert := range settings.MultiReportAlerts {
		ok, err := t.runAlert(ctx, doc, alert)
		if err != nil {
			// NoReturnErr: one failing alert must not stop the others; the
			// first error is reported so the transition is retried.
			if firstErr == nil {
				firstErr = err
			}
			t.deps.logger().Error(ctx, err)
			continue
		}
		changed = changed || ok
	}

	if firstErr != nil {
		return changed, errors.Wrap(firstErr, "", j.MKV{
			"doc_id": change.ID,
		})
	}

	return changed, nil
}

// runAlert counts the window for one alert and, at threshold, generates the
// messages. It returns true iff the document changed.
func (t *MultiReportAlerts) runAlert(ctx context.Context, doc *Doc, alert MultiReportAlertConfig) (bool, error) {
	if len(alert.Forms) > 0 && !containsForm(alert.Forms, doc.Form) {
		return false, nil
	}

	counted, err := t.aggregator.CountReports(ctx, doc, alert.IsReportCounted, CountOpts{
		WindowDays: int(alert.TimeWindowInDays),
		Forms:      alert.Forms,
	})
	if err != nil {
		return false, err
	}

	if len(counted) < int(alert.NumReportsThreshold) {
		return false, nil
	}

	countedMaps := make([]map[string]any, 0, len(counted))
	for _, r := range counted {
		countedMaps = append(countedMaps, r.AsMap())
	}

	phones, resolveErrs := t.deps.Eval.ResolvePhones(ctx, alert.Recipients, countedMaps)

	var changed bool
	for _, msg := range resolveErrs {
		// A recipient that fails to resolve loses only its own message; the
		// failure is recorded on the document for the user to see.
		doc.AddError(msg)
		changed = true
	}
	for _, phone := range phones {
		AddMessage(doc, phone, alert.Message, t.deps.Clock.Now())
		changed = true
	}

	return changed, nil
}

func containsForm(forms []string, form string) bool {
	for _, f := range forms {
		if f == form {
			return true
		}
	}

	return false
}
