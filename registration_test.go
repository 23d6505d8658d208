package sentinel_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/chwkit/sentinel"
	"github.com/chwkit/sentinel/adapters/memstore"
)

var regNow = time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC) // a Thursday

func registrationSettings() *sentinel.Settings {
	s := sentinel.DefaultSettings()
	s.Transitions = []string{sentinel.TransitionRegistration}
	s.Registrations = []sentinel.RegistrationConfig{{
		Form: "MSBR",
		Events: []sentinel.RegistrationEvent{
			{Name: "on_create", Trigger: "add_expected_date"},
			{Name: "on_create", Trigger: "add_patient"},
			{Name: "on_create", Trigger: "assign_schedule", Params: json.RawMessage(`["anc_visits"]`)},
		},
		Validations: sentinel.ValidationsConfig{
			JoinResponses: true,
			List: []sentinel.ValidationRule{{
				Property: "patient_name",
				Rule:     `fields.patient_name != nil && fields.patient_name != ""`,
				Message:  sentinel.MessageText{{Locale: "en", Content: "Name is required."}},
			}},
		},
		Messages: []sentinel.EventMessage{{
			EventType: "report_accepted",
			Recipient: "reporting_unit",
			Message:   sentinel.MessageText{{Locale: "en", Content: "Thanks {{patient_name}}, ID {{patient_id}}"}},
		}},
	}}
	s.Schedules = []sentinel.ScheduleConfig{{
		Name:      "anc_visits",
		StartFrom: "lmp_date",
		Messages: []sentinel.ScheduledMessageConfig{
			{
				Group:     "1",
				Offset:    "12 weeks",
				Recipient: "reporting_unit",
				Message:   sentinel.MessageText{{Locale: "en", Content: "ANC visit due for {{patient_name}}"}},
			},
			{
				Group:     "1",
				Offset:    "4 weeks",
				Recipient: "reporting_unit",
				Message:   sentinel.MessageText{{Locale: "en", Content: "early visit"}},
			},
		},
	}}

	return s
}

func setupRegistration(t *testing.T, settings *sentinel.Settings) (*sentinel.Runner, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	cl := clocktesting.NewFakeClock(regNow)

	pool, err := sentinel.NewIDPool(store, sentinel.WithBatchSize(10))
	jtest.RequireNil(t, err)

	deps := sentinel.Dependencies{
		Store:  store,
		Audit:  store,
		Config: sentinel.NewStaticConfig(settings),
		IDs:    pool,
		Eval:   sentinel.NewEvaluator(),
		Clock:  cl,
	}

	registry, err := sentinel.LoadRegistry(settings.Transitions, sentinel.DefaultTransitions(deps))
	jtest.RequireNil(t, err)

	return sentinel.NewRunner(registry, store, sentinel.WithClock(cl)), store
}

func saveReport(t *testing.T, store *memstore.Store, doc *sentinel.Doc) *sentinel.Doc {
	t.Helper()
	saved, err := store.Save(context.Background(), doc)
	jtest.RequireNil(t, err)
	return saved
}

func TestRegistrationSuccess(t *testing.T) {
	ctx := context.Background()
	runner, store := setupRegistration(t, registrationSettings())

	// The reporting CHW, whose parent place becomes the patient's parent.
	_, err := store.Save(ctx, &sentinel.Doc{
		ID:      "chw-1",
		Type:    "person",
		Contact: &sentinel.Contact{Phone: "+27100"},
		Parent:  &sentinel.Contact{ID: "clinic-1", Name: "Mweze Clinic"},
	})
	jtest.RequireNil(t, err)

	saved := saveReport(t, store, &sentinel.Doc{
		ID:           "report-1",
		Type:         "data_record",
		Form:         "MSBR",
		ContentType:  "xml",
		From:         "+27100",
		ReportedDate: regNow.UnixMilli(),
		Fields: map[string]any{
			"patient_name":    "Amina",
			"weeks_since_lmp": float64(8),
		},
	})

	err = runner.ProcessChange(ctx, &sentinel.Change{ID: "report-1", Seq: "7", Doc: saved})
	jtest.RequireNil(t, err)

	got, err := store.Get(ctx, "report-1")
	jtest.RequireNil(t, err)

	completion := got.Transitions[sentinel.TransitionRegistration]
	require.True(t, completion.OK)
	require.Equal(t, "7", completion.Seq)

	// Identifier issued and checksum-valid.
	require.Len(t, got.PatientID, 5)

	// LMP is 8 weeks before the start of the current week; expected date is
	// 40 weeks after LMP.
	require.Equal(t, "2023-04-02T00:00:00Z", got.LMPDate)
	require.Equal(t, "2024-01-07T00:00:00Z", got.ExpectedDate)

	// The patient person document exists and resolves by identifier.
	rows, err := store.Query(ctx, sentinel.ViewPatientByID, sentinel.QueryOpts{
		Key:         got.PatientID,
		IncludeDocs: true,
	})
	jtest.RequireNil(t, err)
	require.Len(t, rows, 1)
	patient := rows[0].Doc
	require.Equal(t, "Amina", patient.Name)
	require.Equal(t, "clinic-1", patient.Parent.ID)
	require.Equal(t, regNow.UnixMilli(), patient.ReportedDate)

	// Only the schedule message still in the future was added.
	require.Len(t, got.ScheduledTasks, 1)
	task := got.ScheduledTasks[0]
	require.Equal(t, sentinel.StateScheduled, task.State)
	require.Equal(t, "anc_visits", task.Type)
	due := time.Date(2023, 4, 2, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 7*12)
	require.Equal(t, due.UnixMilli(), task.Due)
	require.Equal(t, "ANC visit due for Amina", task.Messages[0].Message)

	// The acceptance reply renders the issued identifier.
	require.Len(t, got.Tasks, 1)
	require.Equal(t, "+27100", got.Tasks[0].Messages[0].To)
	require.Equal(t, "Thanks Amina, ID "+got.PatientID, got.Tasks[0].Messages[0].Message)
}

func TestRegistrationValidationFailure(t *testing.T) {
	ctx := context.Background()
	runner, store := setupRegistration(t, registrationSettings())

	saved := saveReport(t, store, &sentinel.Doc{
		ID:           "report-1",
		Type:         "data_record",
		Form:         "MSBR",
		ContentType:  "xml",
		From:         "+27100",
		ReportedDate: regNow.UnixMilli(),
		Fields:       map[string]any{"weeks_since_lmp": float64(8)},
	})

	err := runner.ProcessChange(ctx, &sentinel.Change{ID: "report-1", Seq: "7", Doc: saved})
	jtest.RequireNil(t, err)

	got, err := store.Get(ctx, "report-1")
	jtest.RequireNil(t, err)

	// Rejected: error recorded, reply sent, no patient registered.
	require.Len(t, got.Errors, 1)
	require.Equal(t, "Name is required.", got.Errors[0].Message)
	require.Len(t, got.Tasks, 1)
	require.Equal(t, "Name is required.", got.Tasks[0].Messages[0].Message)
	require.Empty(t, got.PatientID)
	require.Empty(t, got.ScheduledTasks)
	require.True(t, got.Transitions[sentinel.TransitionRegistration].OK)
}

func TestRegistrationNotFound(t *testing.T) {
	ctx := context.Background()

	settings := registrationSettings()
	// A follow-up form that references an existing patient.
	settings.Registrations = append(settings.Registrations, sentinel.RegistrationConfig{
		Form: "V",
	})

	runner, store := setupRegistration(t, settings)

	saved := saveReport(t, store, &sentinel.Doc{
		ID:           "report-1",
		Type:         "data_record",
		Form:         "V",
		ContentType:  "xml",
		From:         "+27100",
		ReportedDate: regNow.UnixMilli(),
		Fields:       map[string]any{"patient_id": "99999"},
	})

	err := runner.ProcessChange(ctx, &sentinel.Change{ID: "report-1", Seq: "7", Doc: saved})
	jtest.RequireNil(t, err)

	got, err := store.Get(ctx, "report-1")
	jtest.RequireNil(t, err)
	require.Len(t, got.Errors, 1)
	require.Len(t, got.Tasks, 1)
	require.True(t, got.Transitions[sentinel.TransitionRegistration].OK)
}

func TestRegistrationFixedID(t *testing.T) {
	ctx := context.Background()

	settings := registrationSettings()
	settings.Registrations[0].Events = []sentinel.RegistrationEvent{{
		Name:    "on_create",
		Trigger: "add_patient_id",
		Params:  json.RawMessage(`{"patient_id": "external_id"}`),
	}}

	t.Run("Unique", func(t *testing.T) {
		runner, store := setupRegistration(t, settings)

		saved := saveReport(t, store, &sentinel.Doc{
			ID:           "report-1",
			Type:         "data_record",
			Form:         "MSBR",
			ContentType:  "xml",
			From:         "+27100",
			ReportedDate: regNow.UnixMilli(),
			Fields: map[string]any{
				"patient_name": "Amina",
				"external_id":  "12348",
			},
		})

		err := runner.ProcessChange(ctx, &sentinel.Change{ID: "report-1", Seq: "7", Doc: saved})
		jtest.RequireNil(t, err)

		got, err := store.Get(ctx, "report-1")
		jtest.RequireNil(t, err)
		require.Equal(t, "12348", got.PatientID)
		require.Empty(t, got.Errors)
	})

	t.Run("Taken", func(t *testing.T) {
		runner, store := setupRegistration(t, settings)

		_, err := store.Save(ctx, &sentinel.Doc{Type: "person", PatientID: "12348"})
		jtest.RequireNil(t, err)

		saved := saveReport(t, store, &sentinel.Doc{
			ID:           "report-1",
			Type:         "data_record",
			Form:         "MSBR",
			ContentType:  "xml",
			From:         "+27100",
			ReportedDate: regNow.UnixMilli(),
			Fields: map[string]any{
				"patient_name": "Amina",
				"external_id":  "12348",
			},
		})

		err = runner.ProcessChange(ctx, &sentinel.Change{ID: "report-1", Seq: "7", Doc: saved})
		jtest.RequireNil(t, err)

		// The report is annotated rather than failing the transition.
		got, err := store.Get(ctx, "report-1")
		jtest.RequireNil(t, err)
		require.Empty(t, got.PatientID)
		require.Len(t, got.Errors, 1)
		require.True(t, got.Transitions[sentinel.TransitionRegistration].OK)
	})
}

func TestRegistrationIDOnly(t *testing.T) {
	ctx := context.Background()
	runner, store := setupRegistration(t, registrationSettings())

	saved := saveReport(t, store, &sentinel.Doc{
		ID:           "report-1",
		Type:         "data_record",
		Form:         "MSBR",
		ContentType:  "xml",
		From:         "+27100",
		ReportedDate: regNow.UnixMilli(),
		GetID:        true,
		Fields: map[string]any{
			"patient_name":    "Amina",
			"weeks_since_lmp": float64(8),
		},
	})

	err := runner.ProcessChange(ctx, &sentinel.Change{ID: "report-1", Seq: "7", Doc: saved})
	jtest.RequireNil(t, err)

	got, err := store.Get(ctx, "report-1")
	jtest.RequireNil(t, err)
	require.NotEmpty(t, got.PatientID)
	// Id-only registrations skip schedule creation.
	require.Empty(t, got.ScheduledTasks)
}

func TestRegistrationBirthDate(t *testing.T) {
	ctx := context.Background()

	settings := registrationSettings()
	settings.Registrations = []sentinel.RegistrationConfig{{
		Form: "BIR",
		Events: []sentinel.RegistrationEvent{{
			Name:     "on_create",
			Trigger:  "add_birth_date",
			BoolExpr: "days_since_birth != nil",
		}},
	}}

	t.Run("Applied", func(t *testing.T) {
		runner, store := setupRegistration(t, settings)

		saved := saveReport(t, store, &sentinel.Doc{
			ID:           "report-1",
			Type:         "data_record",
			Form:         "BIR",
			ContentType:  "xml",
			From:         "+27100",
			ReportedDate: regNow.UnixMilli(),
			Fields:       map[string]any{"days_since_birth": float64(7)},
		})

		err := runner.ProcessChange(ctx, &sentinel.Change{ID: "report-1", Seq: "7", Doc: saved})
		jtest.RequireNil(t, err)

		got, err := store.Get(ctx, "report-1")
		jtest.RequireNil(t, err)
		require.Equal(t, "2023-05-25T00:00:00Z", got.BirthDate)
	})

	t.Run("DocScopedGate", func(t *testing.T) {
		// Configured gates address submitted fields through the doc binding
		// too.
		scoped := registrationSettings()
		scoped.Registrations = []sentinel.RegistrationConfig{{
			Form: "BIR",
			Events: []sentinel.RegistrationEvent{{
				Name:     "on_create",
				Trigger:  "add_birth_date",
				BoolExpr: "doc.days_since_birth != nil",
			}},
		}}

		runner, store := setupRegistration(t, scoped)

		saved := saveReport(t, store, &sentinel.Doc{
			ID:           "report-1",
			Type:         "data_record",
			Form:         "BIR",
			ContentType:  "xml",
			From:         "+27100",
			ReportedDate: regNow.UnixMilli(),
			Fields:       map[string]any{"days_since_birth": float64(7)},
		})

		err := runner.ProcessChange(ctx, &sentinel.Change{ID: "report-1", Seq: "7", Doc: saved})
		jtest.RequireNil(t, err)

		got, err := store.Get(ctx, "report-1")
		jtest.RequireNil(t, err)
		require.Equal(t, "2023-05-25T00:00:00Z", got.BirthDate)
	})

	t.Run("GateSkipsTrigger", func(t *testing.T) {
		runner, store := setupRegistration(t, settings)

		// Without the gated field the expression cannot evaluate and the
		// trigger is skipped.
		saved := saveReport(t, store, &sentinel.Doc{
			ID:           "report-1",
			Type:         "data_record",
			Form:         "BIR",
			ContentType:  "xml",
			From:         "+27100",
			ReportedDate: regNow.UnixMilli(),
			Fields:       map[string]any{"note": "none"},
		})

		err := runner.ProcessChange(ctx, &sentinel.Change{ID: "report-1", Seq: "7", Doc: saved})
		jtest.RequireNil(t, err)

		got, err := store.Get(ctx, "report-1")
		jtest.RequireNil(t, err)
		require.Empty(t, got.BirthDate)
		require.True(t, got.Transitions[sentinel.TransitionRegistration].OK)
	})
}

func TestRegistrationClearSchedule(t *testing.T) {
	ctx := context.Background()

	settings := registrationSettings()
	settings.Registrations = append(settings.Registrations, sentinel.RegistrationConfig{
		Form: "DEL",
		Events: []sentinel.RegistrationEvent{{
			Name:    "on_create",
			Trigger: "clear_schedule",
			Params:  json.RawMessage(`["anc_visits"]`),
		}},
	})

	runner, store := setupRegistration(t, settings)

	// A delivery report carrying the pregnancy's remaining schedule.
	saved := saveReport(t, store, &sentinel.Doc{
		ID:           "report-1",
		Type:         "data_record",
		Form:         "DEL",
		ContentType:  "xml",
		From:         "+27100",
		ReportedDate: regNow.UnixMilli(),
		ScheduledTasks: []sentinel.ScheduledTask{
			{Type: "anc_visits", State: sentinel.StateScheduled, Due: regNow.Add(24 * time.Hour).UnixMilli()},
			{Type: "other", State: sentinel.StateScheduled, Due: regNow.Add(24 * time.Hour).UnixMilli()},
		},
	})

	err := runner.ProcessChange(ctx, &sentinel.Change{ID: "report-1", Seq: "7", Doc: saved})
	jtest.RequireNil(t, err)

	got, err := store.Get(ctx, "report-1")
	jtest.RequireNil(t, err)
	require.Equal(t, sentinel.StateCleared, got.ScheduledTasks[0].State)
	require.Equal(t, sentinel.StateScheduled, got.ScheduledTasks[1].State)
}

func TestRegistrationFilter(t *testing.T) {
	ctx := context.Background()
	runner, store := setupRegistration(t, registrationSettings())

	// Unknown form, SMS content, no clinic: the transition must not match and
	// nothing is written.
	saved := saveReport(t, store, &sentinel.Doc{
		ID:           "report-1",
		Type:         "data_record",
		Form:         "OTHER",
		ReportedDate: regNow.UnixMilli(),
	})
	rev := saved.Rev

	err := runner.ProcessChange(ctx, &sentinel.Change{ID: "report-1", Seq: "7", Doc: saved})
	jtest.RequireNil(t, err)

	got, err := store.Get(ctx, "report-1")
	jtest.RequireNil(t, err)
	require.Equal(t, rev, got.Rev)
	require.Empty(t, got.Transitions)
}
