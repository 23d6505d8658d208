package sentinel

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// xformContentType marks a report submitted as an xform rather than
// structured SMS.
const xformContentType = "xml"

// Registration processes patient registration reports for configured forms:
// it validates the submission, fires the configured on_create triggers
// (identifier issuance, patient creation, birth date calculation, schedule
// assignment) and sends the configured response messages.
type Registration struct {
	deps Dependencies
}

func NewRegistration(d Dependencies) *Registration {
	return &Registration{deps: d}
}

var _ Transition = (*Registration)(nil)

func (t *Registration) Name() string {
	return TransitionRegistration
}

func (t *Registration) Init() error {
	settings := t.deps.Config.Settings()
	for _, reg := range settings.Registrations {
		if reg.Form == "" {
			return errors.Wrap(ErrConfig, "registration config missing form", j.MKV{})
		}
		for _, event := range reg.Events {
			switch event.Trigger {
			case "add_patient", "add_patient_id", "add_expected_date", "add_birth_date":
			case "assign_schedule", "clear_schedule":
				if len(event.ParamList()) == 0 {
					return errors.Wrap(ErrConfig, "trigger requires at least one schedule name", j.MKV{
						"form":    reg.Form,
						"trigger": event.Trigger,
					})
				}
			default:
				return errors.Wrap(ErrConfig, "unknown registration trigger", j.MKV{
					"form":    reg.Form,
					"trigger": event.Trigger,
				})
			}
		}
	}

	return nil
}

// Filter matches registration submissions: a data record with a configured
// form that has not yet run, submitted either as an xform, by a known clinic,
// or to a public form.
func (t *Registration) Filter(doc *Doc) bool {
	if doc == nil || doc.Type != "data_record" || doc.HasRun(t.Name()) {
		return false
	}

	settings := t.deps.Config.Settings()
	if _, ok := settings.RegistrationForForm(doc.Form); !ok {
		return false
	}

	if doc.ContentType == xformContentType {
		return true
	}
	if doc.ClinicPhone() != "" {
		return true
	}

	return settings.Forms[doc.Form].PublicForm
}

func (t *Registration) OnMatch(ctx context.Context, change *Change) (bool, error) {
	doc := change.Doc
	settings := t.deps.Config.Settings()

	cfg, ok := settings.RegistrationForForm(doc.Form)
	if !ok {
		return false, nil
	}

	if msgs := t.validate(ctx, cfg, doc); len(msgs) > 0 {
		t.reject(doc, cfg, msgs)
		return true, nil
	}

	// A submitted patient_id attaches the registration to an existing
	// patient; make sure that patient exists.
	if submitted := doc.FieldString("patient_id"); submitted != "" {
		contactID, err := t.patientContactID(ctx, submitted)
		if err != nil {
			return false, err
		}
		if contactID == "" {
			AddRegistrationNotFoundMessage(doc, cfg.Messages, settings.Locale, t.deps.Clock.Now())
			return true, nil
		}
	}

	if err := t.fireTriggers(ctx, cfg, doc); err != nil {
		return false, err
	}

	// Messages go last so data set by the triggers can be used in them.
	t.addMessages(cfg, doc)
	return true, nil
}

// validate runs the configured validation rules over the submitted fields and
// returns the rendered message for each rule that rejects the report.
func (t *Registration) validate(ctx context.Context, cfg RegistrationConfig, doc *Doc) []string {
	settings := t.deps.Config.Settings()

	var msgs []string
	for _, rule := range cfg.Validations.List {
		env := map[string]any{
			"doc":    doc.AsMap(),
			"fields": fieldsEnv(doc),
		}

		ok, err := t.deps.Eval.EvaluateBool(ctx, rule.Rule, env)
		if err != nil {
			// NoReturnErr: an unevaluable rule rejects the report rather than
			// silently accepting it.
			t.deps.logger().Error(ctx, err)
			ok = false
		}
		if !ok {
			msg := rule.Message.Text(settings.Locale)
			if msg == "" {
				msg = "invalid value for " + rule.Property
			}
			msgs = append(msgs, msg)
		}
	}

	return msgs
}

// reject records the validation failures on the document and replies with all
// of them joined or just the first, per configuration.
func (t *Registration) reject(doc *Doc, cfg RegistrationConfig, msgs []string) {
	for _, msg := range msgs {
		doc.AddError(msg)
	}

	reply := msgs[0]
	if cfg.Validations.JoinResponses {
		reply = strings.Join(msgs, "  ")
	}
	AddReply(doc, reply, t.deps.Clock.Now())
}

// patientContactID resolves an issued patient identifier to the id of its
// contact document, or "" when no registration exists.
func (t *Registration) patientContactID(ctx context.Context, patientID string) (string, error) {
	rows, err := t.deps.Store.Query(ctx, ViewPatientByID, QueryOpts{Key: patientID})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}

	return rows[0].ID, nil
}

func (t *Registration) fireTriggers(ctx context.Context, cfg RegistrationConfig, doc *Doc) error {
	for _, event := range cfg.Events {
		if event.Name != "on_create" {
			continue
		}
		if !t.triggerApplies(ctx, event, doc) {
			continue
		}

		var err error
		switch event.Trigger {
		case "add_patient", "add_patient_id":
			err = t.addPatient(ctx, cfg, event, doc)
		case "add_expected_date":
			t.setExpectedBirthDate(doc)
		case "add_birth_date":
			t.setBirthDate(doc)
		case "assign_schedule":
			err = t.assignSchedules(ctx, doc, event.ParamList())
		case "clear_schedule":
			ClearScheduledMessages(doc, event.ParamList(), t.deps.Clock.Now())
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// triggerApplies evaluates the event's optional gating expression against the
// document with the submitted fields promoted to the top level, both bare and
// under the doc binding, so "field" and "doc.field" gate alike. An unevaluable
// expression skips the trigger.
func (t *Registration) triggerApplies(ctx context.Context, event RegistrationEvent, doc *Doc) bool {
	if event.BoolExpr == "" {
		return true
	}

	merged := doc.AsMap()
	for k, v := range fieldsEnv(doc) {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}

	env := make(map[string]any, len(merged)+1)
	for k, v := range merged {
		env[k] = v
	}
	env["doc"] = merged

	ok, err := t.deps.Eval.EvaluateBool(ctx, event.BoolExpr, env)
	if err != nil {
		// NoReturnErr: a broken gate expression skips its trigger only.
		t.deps.logger().Error(ctx, err)
		return false
	}

	return ok
}

// addPatient issues or adopts a patient identifier and creates the patient
// person document if it does not already exist.
func (t *Registration) addPatient(ctx context.Context, cfg RegistrationConfig, event RegistrationEvent, doc *Doc) error {
	// A patient id issued by an earlier delivery makes this a no-op.
	if doc.PatientID != "" {
		return nil
	}

	if err := t.setID(ctx, cfg, event, doc); err != nil {
		return err
	}
	if doc.PatientID == "" {
		// The configured fixed id was unusable; the document already carries
		// the rejection.
		return nil
	}

	return t.createPatient(ctx, event, doc)
}

// setID assigns the patient identifier: either a value configured to be read
// from the submission, verified unique, or a fresh one from the pool. A
// configured id that is taken annotates the document instead of failing the
// transition.
func (t *Registration) setID(ctx context.Context, cfg RegistrationConfig, event RegistrationEvent, doc *Doc) error {
	path := event.ParamMap()["patient_id"]
	if path == "" {
		return t.deps.IDs.Assign(ctx, doc)
	}

	located, ok := fieldPath(doc, path)
	if !ok {
		t.deps.logger().Debug(ctx, "configured patient_id path not found on submission", MKV{
			"path": path,
		})
		return nil
	}

	unique, err := IsIDUnique(ctx, t.deps.Store, located)
	if err != nil {
		return err
	}
	if !unique {
		settings := t.deps.Config.Settings()
		AddRejectionMessage(doc, cfg.Messages, "provided_patient_id_not_unique", settings.Locale, t.deps.Clock.Now())
		return nil
	}

	doc.PatientID = located
	return nil
}

func (t *Registration) createPatient(ctx context.Context, event RegistrationEvent, doc *Doc) error {
	contactID, err := t.patientContactID(ctx, doc.PatientID)
	if err != nil {
		return err
	}
	if contactID != "" {
		return nil
	}

	nameField := "patient_name"
	if f := event.ParamMap()["patient_name_field"]; f != "" {
		nameField = f
	}

	// The submitter's contact provides the parent place for the new patient.
	rows, err := t.deps.Store.Query(ctx, ViewPeopleByPhone, QueryOpts{
		Key:         []any{doc.From},
		IncludeDocs: true,
	})
	if err != nil {
		return err
	}

	var parent *Contact
	if len(rows) > 0 && rows[0].Doc != nil {
		parent = rows[0].Doc.Parent
	}

	patient := &Doc{
		Type:         "person",
		Name:         doc.FieldString(nameField),
		Parent:       parent,
		ReportedDate: doc.ReportedDate,
		PatientID:    doc.PatientID,
	}
	if doc.BirthDate != "" {
		patient.DateOfBirth = doc.BirthDate
	}

	return t.deps.Audit.SaveDoc(ctx, patient)
}

// setExpectedBirthDate derives lmp_date and expected_date from the weeks
// since last menstrual period. An LMP of zero means the baby was already born
// and the registration is id-only.
func (t *Registration) setExpectedBirthDate(doc *Doc) {
	lmp, ok := numberField(doc, "weeks_since_lmp", "last_menstrual_period", "lmp")
	if !ok {
		return
	}

	if lmp == 0 {
		doc.LMPDate = ""
		doc.ExpectedDate = ""
		return
	}

	start := startOfWeek(t.deps.Clock.Now()).AddDate(0, 0, -7*int(lmp))
	doc.LMPDate = start.Format(time.RFC3339)
	doc.ExpectedDate = start.AddDate(0, 0, 7*40).Format(time.RFC3339)
}

func (t *Registration) setBirthDate(doc *Doc) {
	dob := t.dateOfBirth(doc)
	doc.BirthDate = dob.Format(time.RFC3339)
}

// dateOfBirth works from whichever age field the form supplied, in weeks then
// days, falling back to today as the best available estimate.
func (t *Registration) dateOfBirth(doc *Doc) time.Time {
	today := startOfDay(t.deps.Clock.Now())

	if weeks, ok := numberField(doc, "weeks_since_dob", "dob", "weeks_since_birth", "age_in_weeks"); ok {
		return startOfWeek(today).AddDate(0, 0, -7*int(weeks))
	}
	if days, ok := numberField(doc, "days_since_dob", "days_since_birth", "age_in_days"); ok {
		return today.AddDate(0, 0, -int(days))
	}

	return today
}

func (t *Registration) assignSchedules(ctx context.Context, doc *Doc, names []string) error {
	// Id-only registrations skip schedule creation.
	if doc.GetID || doc.SkipScheduleCreation {
		return nil
	}

	settings := t.deps.Config.Settings()
	for _, name := range names {
		sc, ok := settings.ScheduleByName(name)
		if !ok {
			return errors.Wrap(ErrConfig, "schedule is not configured", j.MKV{
				"schedule": name,
			})
		}
		t.assignSchedule(ctx, doc, sc)
	}

	return nil
}

// assignSchedule adds the schedule's future messages as scheduled tasks.
// Messages whose offset already passed are not added.
func (t *Registration) assignSchedule(ctx context.Context, doc *Doc, sc ScheduleConfig) {
	now := t.deps.Clock.Now()
	settings := t.deps.Config.Settings()

	start := time.UnixMilli(doc.ReportedDate)
	if sc.StartFrom == "lmp_date" && doc.LMPDate != "" {
		if parsed, err := time.Parse(time.RFC3339, doc.LMPDate); err == nil {
			start = parsed
		}
	}

	for _, msg := range sc.Messages {
		offset, err := parseOffset(msg.Offset)
		if err != nil {
			// NoReturnErr: a malformed offset drops its message only.
			t.deps.logger().Error(ctx, err)
			continue
		}

		due := start.Add(offset)
		if !due.After(now) {
			continue
		}

		AddScheduledMessage(doc, ScheduledMessage{
			Message: RenderMessage(msg.Message.Text(settings.Locale), doc),
			Due:     due,
			Phone:   RecipientPhone(doc, msg.Recipient),
			Type:    sc.Name,
			Group:   msg.Group,
		}, now)
	}
}

func (t *Registration) addMessages(cfg RegistrationConfig, doc *Doc) {
	settings := t.deps.Config.Settings()
	now := t.deps.Clock.Now()

	for _, msg := range cfg.Messages {
		if msg.EventType != "" && msg.EventType != "report_accepted" {
			continue
		}
		AddMessage(doc, RecipientPhone(doc, msg.Recipient), RenderMessage(msg.Message.Text(settings.Locale), doc), now)
	}
}

// fieldsEnv exposes the submitted fields for rule evaluation, never nil.
func fieldsEnv(doc *Doc) map[string]any {
	if doc.Fields == nil {
		return map[string]any{}
	}

	return doc.Fields
}

// fieldPath walks a dotted path through the submitted fields and returns the
// string it lands on. A leading "fields." segment is accepted for configs
// written against the full document shape.
func fieldPath(doc *Doc, path string) (string, bool) {
	path = strings.TrimPrefix(path, "fields.")

	var cur any = doc.Fields
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[part]
		if !ok {
			return "", false
		}
	}

	s, ok := cur.(string)
	if !ok || s == "" {
		return "", false
	}

	return s, true
}

// numberField returns the first of the named fields that holds a numeric
// value, including zero.
func numberField(doc *Doc, names ...string) (float64, bool) {
	for _, name := range names {
		switch v := doc.Field(name).(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, true
			}
		}
	}

	return 0, false
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func startOfWeek(t time.Time) time.Time {
	day := startOfDay(t)
	return day.AddDate(0, 0, -int(day.Weekday()))
}

// parseOffset parses schedule offsets of the form "8 weeks", "30 days",
// "12 hours" or "15 minutes".
func parseOffset(offset string) (time.Duration, error) {
	parts := strings.Fields(offset)
	if len(parts) != 2 {
		return 0, errors.Wrap(ErrConfig, "invalid schedule offset", j.MKV{
			"offset": offset,
		})
	}

	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, errors.Wrap(ErrConfig, "invalid schedule offset value", j.MKV{
			"offset": offset,
		})
	}

	switch strings.TrimSuffix(parts[1], "s") {
	case "minute":
		return time.Duration(n) * time.Minute, nil
	case "hour":
		return time.Duration(n) * time.Hour, nil
	case "day":
		return time.Duration(n) * 24 * time.Hour, nil
	case "week":
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, errors.Wrap(ErrConfig, "invalid schedule offset unit", j.MKV{
			"offset": offset,
		})
	}
}
