package sentinel

import "context"

// Views consumed by the core. Store implementations must serve each of these;
// adaptertest exercises them all.
const (
	// ViewRegisteredPatients is keyed by issued patient identifier.
	ViewRegisteredPatients = "registered_patients"
	// ViewPatientByID maps a patient identifier to the patient contact document.
	ViewPatientByID = "patient_by_patient_id"
	// ViewReportsByDate is keyed by reported_date and supports descending
	// windowed pagination over data records.
	ViewReportsByDate = "reports_by_date"
	// ViewPeopleByPhone maps a phone number to person documents.
	ViewPeopleByPhone = "people_by_phone"
	// ViewReportsByFormAndClinic is keyed by [form, clinic id].
	ViewReportsByFormAndClinic = "data_records_by_form_and_clinic"
	// ViewClinicsByType lists clinic contact documents.
	ViewClinicsByType = "clinics_by_type"
)

// QueryOpts mirrors the document store's view query parameters. Exactly one of
// Key, Keys or the StartKey/EndKey pair is typically set.
type QueryOpts struct {
	Key        any
	Keys       []any
	StartKey   any
	EndKey     any
	Descending bool
	Skip       int
	Limit      int

	// IncludeDocs asks the store to attach the backing document to each row.
	IncludeDocs bool
}

// Row is a single view query result row.
type Row struct {
	ID    string
	Key   any
	Value any
	Doc   *Doc
}

// Store is the document store collaborator. Save must surface concurrent
// revision mismatches as ErrSaveConflict so the caller can re-fetch and retry.
type Store interface {
	Query(ctx context.Context, view string, opts QueryOpts) ([]Row, error)
	Get(ctx context.Context, id string) (*Doc, error)
	Save(ctx context.Context, doc *Doc) (*Doc, error)
}

// AuditStore is the append-only save collaborator used by transitions whose
// writes must not be reordered relative to the main document write.
type AuditStore interface {
	SaveDoc(ctx context.Context, doc *Doc) error
}

// ChangeFeed delivers change events in store-assigned sequence order per
// document id. It may redeliver previously seen sequence numbers after a
// restart; the pipeline's idempotency bookkeeping is the sole defense against
// double application. Next blocks until an event is available, the feed is
// closed (ErrFeedClosed) or ctx is done.
type ChangeFeed interface {
	Next(ctx context.Context) (*Change, error)
}
