package sentinel

import "context"

// PatientID issues a unique patient identifier to person documents created
// without one.
type PatientID struct {
	deps Dependencies
}

func NewPatientID(d Dependencies) *PatientID {
	return &PatientID{deps: d}
}

var _ Transition = (*PatientID)(nil)

func (t *PatientID) Name() string {
	return TransitionPatientID
}

func (t *PatientID) Filter(doc *Doc) bool {
	return doc != nil &&
		doc.Type == "person" &&
		doc.PatientID == ""
}

func (t *PatientID) OnMatch(ctx context.Context, change *Change) (bool, error) {
	if err := t.deps.IDs.Assign(ctx, change.Doc); err != nil {
		return false, err
	}

	return true, nil
}
