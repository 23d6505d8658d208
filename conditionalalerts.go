package sentinel

import (
	"context"
	"sort"
	"strings"
)

// ConditionalAlerts sends a configured alert message when a report of the
// configured form arrives and its condition expression evaluates truthy
// against the document.
type ConditionalAlerts struct {
	deps Dependencies
}

func NewConditionalAlerts(d Dependencies) *ConditionalAlerts {
	return &ConditionalAlerts{deps: d}
}

var _ Transition = (*ConditionalAlerts)(nil)

func (t *ConditionalAlerts) Name() string {
	return TransitionConditionalAlerts
}

func (t *ConditionalAlerts) Init() error {
	for _, alert := range t.deps.Config.Settings().Alerts {
		if err := alert.validate(); err != nil {
			return err
		}
	}

	return nil
}

// Filter matches data records that carry a form and have not yet run. The
// run check ignores the ok state of a previous failed run so the transition
// does not loop forever on a poisoned document once it has been persisted.
func (t *ConditionalAlerts) Filter(doc *Doc) bool {
	return doc != nil &&
		doc.Form != "" &&
		doc.Type == "data_record" &&
		!doc.HasRun(t.Name())
}

func (t *ConditionalAlerts) OnMatch(ctx context.Context, change *Change) (bool, error) {
	doc := change.Doc
	settings := t.deps.Config.Settings()

	var updated bool
	for _, alert := range settings.Alerts {
		if alert.Form != doc.Form {
			continue
		}

		result, err := t.evaluateCondition(ctx, doc, alert)
		if err != nil {
			return updated, err
		}
		if !result {
			continue
		}

		phone := RecipientPhone(doc, alert.Recipient)
		AddMessage(doc, phone, alert.Message, t.deps.Clock.Now())
		updated = true
	}

	return updated, nil
}

// evaluateCondition runs the alert condition with the document bound. When
// the condition references the form code itself it additionally binds an
// accessor over the clinic's recent reports of that form, so conditions can
// compare consecutive submissions, e.g. "V(0).fields.count > V(1).fields.count".
func (t *ConditionalAlerts) evaluateCondition(ctx context.Context, doc *Doc, alert AlertConfig) (bool, error) {
	env := map[string]any{"doc": doc.AsMap()}

	if strings.Contains(alert.Condition, alert.Form) {
		reports, err := t.recentReports(ctx, doc, alert.Form)
		if err != nil {
			return false, err
		}

		env[alert.Form] = func(i int) map[string]any {
			idx := len(reports) - 1 - i
			if idx < 0 || idx >= len(reports) {
				return nil
			}
			return reports[idx]
		}
	}

	return t.deps.Eval.EvaluateBool(ctx, alert.Condition, env)
}

// recentReports returns the clinic's reports of the given form ordered by
// reported date ascending.
func (t *ConditionalAlerts) recentReports(ctx context.Context, doc *Doc, form string) ([]map[string]any, error) {
	rows, err := t.deps.Store.Query(ctx, ViewReportsByFormAndClinic, QueryOpts{
		Key:         []any{form, doc.ClinicID()},
		IncludeDocs: true,
	})
	if err != nil {
		return nil, err
	}

	var reports []*Doc
	for _, row := range rows {
		if row.Doc != nil {
			reports = append(reports, row.Doc)
		}
	}
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].ReportedDate < reports[j].ReportedDate
	})

	maps := make([]map[string]any, 0, len(reports))
	for _, r := range reports {
		maps = append(maps, r.AsMap())
	}

	return maps, nil
}
