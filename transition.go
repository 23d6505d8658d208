package sentinel

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"
)

// Transition is one named, configured business rule applied to changed
// documents. Filter gates cheaply on the document alone; OnMatch may read
// related documents, mutate the document and attach messages, and must be
// idempotent across repeated delivery of the same logical change. OnMatch
// reports whether it changed the document.
type Transition interface {
	Name() string
	Filter(doc *Doc) bool
	OnMatch(ctx context.Context, change *Change) (bool, error)
}

// Initializer is implemented by transitions that validate their configuration
// once at registry load time. A failure is fatal to startup.
type Initializer interface {
	Init() error
}

// Registry is the ordered collection of enabled transitions. It is read-only
// after load and safe to share across concurrent pipeline invocations.
type Registry struct {
	transitions []Transition
}

// LoadRegistry resolves the ordered transition-name list against the
// available transition set and runs each Init hook. Unknown names and
// validation failures abort the load.
func LoadRegistry(names []string, available map[string]Transition) (*Registry, error) {
	r := &Registry{}
	for _, name := range names {
		t, ok := available[name]
		if !ok {
			return nil, errors.Wrap(ErrUnknownTransition, "", j.MKV{
				"transition": name,
			})
		}

		if init, ok := t.(Initializer); ok {
			if err := init.Init(); err != nil {
				return nil, errors.Wrap(err, "transition init failed", j.MKV{
					"transition": name,
				})
			}
		}

		r.transitions = append(r.transitions, t)
	}

	return r, nil
}

// All returns the transitions in declared order.
func (r *Registry) All() []Transition {
	return r.transitions
}

// Dependencies carries the collaborators shared by the built-in transitions.
type Dependencies struct {
	Store  Store
	Audit  AuditStore
	Config ConfigSource
	IDs    *IDPool
	Eval   *Evaluator
	Clock  clock.Clock
	Logger Logger
}

func (d Dependencies) logger() Logger {
	if d.Logger == nil {
		return noopLogger{}
	}

	return d.Logger
}

// DefaultTransitions returns the built-in transition kinds keyed by name, for
// resolution through LoadRegistry.
func DefaultTransitions(d Dependencies) map[string]Transition {
	return map[string]Transition{
		TransitionRegistration:      NewRegistration(d),
		TransitionConditionalAlerts: NewConditionalAlerts(d),
		TransitionMultiReportAlerts: NewMultiReportAlerts(d),
		TransitionPatientID:         NewPatientID(d),
	}
}

// Built-in transition names as they appear in settings and in document
// completion records.
const (
	TransitionRegistration      = "registration"
	TransitionConditionalAlerts = "conditional_alerts"
	TransitionMultiReportAlerts = "multi_report_alerts"
	TransitionPatientID         = "generate_patient_id_on_people"
)
