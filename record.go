package sentinel

import (
	"encoding/json"
	"time"
)

// Doc is the unit of work for the pipeline: a report or person document as it
// lives in the document store. The pipeline owns the document exclusively for
// the duration of one change event and persists it at most once.
type Doc struct {
	ID  string `json:"_id,omitempty"`
	Rev string `json:"_rev,omitempty"`

	// Type discriminates between document kinds, e.g. "data_record" or "person".
	Type string `json:"type,omitempty"`
	// Form identifies which configured rule set applies to a data record.
	Form        string `json:"form,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	From        string `json:"from,omitempty"`

	// ReportedDate is epoch millis assigned when the report was submitted.
	ReportedDate int64 `json:"reported_date,omitempty"`

	PatientID string `json:"patient_id,omitempty"`

	// Fields holds the free-form submitted form data.
	Fields map[string]any `json:"fields,omitempty"`

	Contact         *Contact         `json:"contact,omitempty"`
	RelatedEntities *RelatedEntities `json:"related_entities,omitempty"`

	// Person document fields, set when a registration creates a patient.
	Name        string   `json:"name,omitempty"`
	Parent      *Contact `json:"parent,omitempty"`
	DateOfBirth string   `json:"date_of_birth,omitempty"`

	// Pregnancy registration outputs.
	LMPDate      string `json:"lmp_date,omitempty"`
	ExpectedDate string `json:"expected_date,omitempty"`
	BirthDate    string `json:"birth_date,omitempty"`

	// GetID requests id-only registration and skips schedule creation.
	GetID                bool `json:"getid,omitempty"`
	SkipScheduleCreation bool `json:"skip_schedule_creation,omitempty"`

	// Transitions maps transition name to its completion record.
	Transitions map[string]Completion `json:"transitions,omitempty"`

	// Tasks are outbound messages awaiting delivery to the gateway.
	Tasks []Task `json:"tasks,omitempty"`
	// ScheduledTasks are follow-up messages with a due time and lifecycle state.
	ScheduledTasks []ScheduledTask `json:"scheduled_tasks,omitempty"`
	// Errors are user-visible failure records shown when viewing the report.
	Errors []DocError `json:"errors,omitempty"`
}

// Contact is a place or person in the reporting hierarchy. Parent chains are
// walked by configured recipient expressions, e.g.
// "countedReports[0].contact.parent.parent.contact.phone".
type Contact struct {
	ID      string   `json:"_id,omitempty"`
	Name    string   `json:"name,omitempty"`
	Phone   string   `json:"phone,omitempty"`
	Contact *Contact `json:"contact,omitempty"`
	Parent  *Contact `json:"parent,omitempty"`
}

type RelatedEntities struct {
	Clinic *Contact `json:"clinic,omitempty"`
}

// Completion records the outcome of one transition for one document. Once OK
// is true the transition is never re-run for the document; a false OK leaves
// the transition eligible for retry on the next change event.
type Completion struct {
	Seq         string `json:"seq"`
	OK          bool   `json:"ok"`
	LastChanged int64  `json:"last_changed,omitempty"`
}

// Change is one change event from the upstream feed: a store-assigned sequence
// token and the current document snapshot. Seq is opaque but totally ordered
// per document.
type Change struct {
	ID  string `json:"id"`
	Seq string `json:"seq"`
	Doc *Doc   `json:"doc"`
}

// DocError is a user-visible failure entry on a document.
type DocError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Task is an outbound message task attached to a document.
type Task struct {
	State        State         `json:"state"`
	StateHistory []StateChange `json:"state_history,omitempty"`
	Messages     []Message     `json:"messages"`
}

// ScheduledTask is a follow-up message task with a due time.
type ScheduledTask struct {
	Type         string        `json:"type,omitempty"`
	Group        string        `json:"group,omitempty"`
	Due          int64         `json:"due,omitempty"`
	State        State         `json:"state"`
	StateHistory []StateChange `json:"state_history,omitempty"`
	Messages     []Message     `json:"messages,omitempty"`
}

// Message is a single outbound message addressed to one phone.
type Message struct {
	UUID    string `json:"uuid"`
	To      string `json:"to"`
	Message string `json:"message"`
}

// State is the lifecycle state of a task or scheduled task.
type State string

const (
	StateScheduled State = "scheduled"
	StatePending   State = "pending"
	StateSent      State = "sent"
	StateMuted     State = "muted"
	StateCleared   State = "cleared"
)

// StateChange is one entry in a task's append-only state history.
type StateChange struct {
	State State `json:"state"`
	// Timestamp is epoch millis, matching the store's task convention.
	Timestamp int64 `json:"timestamp"`
}

func historyEntry(state State, now time.Time) StateChange {
	return StateChange{
		State:     state,
		Timestamp: now.UnixMilli(),
	}
}

// HasRun reports whether the named transition has a completion record on the
// document, regardless of whether that run succeeded.
func (d *Doc) HasRun(name string) bool {
	if d == nil || d.Transitions == nil {
		return false
	}

	_, ok := d.Transitions[name]
	return ok
}

func (d *Doc) setCompletion(name, seq string, ok bool, now time.Time) {
	if d.Transitions == nil {
		d.Transitions = make(map[string]Completion)
	}

	d.Transitions[name] = Completion{
		Seq:         seq,
		OK:          ok,
		LastChanged: now.UnixMilli(),
	}
}

// AddError appends a user-visible error entry to the document.
func (d *Doc) AddError(message string) {
	d.Errors = append(d.Errors, DocError{Message: message})
}

// Field returns a named submitted field, or nil if absent.
func (d *Doc) Field(name string) any {
	if d == nil || d.Fields == nil {
		return nil
	}

	return d.Fields[name]
}

// FieldString returns a named submitted field as a string if it is one.
func (d *Doc) FieldString(name string) string {
	s, _ := d.Field(name).(string)
	return s
}

// AsMap renders the document as the generic structure bound into rule
// evaluation contexts. Expressions never see the typed document.
func (d *Doc) AsMap() map[string]any {
	b, err := json.Marshal(d)
	if err != nil {
		// Doc contains only marshallable fields.
		return map[string]any{}
	}

	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}

	return m
}

// ClinicPhone returns the phone of the document's clinic contact, falling back
// to the document contact and then the raw sender phone.
func (d *Doc) ClinicPhone() string {
	if d == nil {
		return ""
	}
	if d.RelatedEntities != nil && d.RelatedEntities.Clinic != nil {
		if c := d.RelatedEntities.Clinic.Contact; c != nil && c.Phone != "" {
			return c.Phone
		}
	}
	if d.Contact != nil && d.Contact.Phone != "" {
		return d.Contact.Phone
	}

	return d.From
}

// ClinicID returns the id of the clinic the document was reported from.
func (d *Doc) ClinicID() string {
	if d == nil || d.RelatedEntities == nil || d.RelatedEntities.Clinic == nil {
		return ""
	}

	return d.RelatedEntities.Clinic.ID
}
