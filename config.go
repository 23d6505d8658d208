package sentinel

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// Settings is the configuration surface consumed by the pipeline. It is
// loaded from a settings document in the store and reloaded when that
// document changes; between reloads it is read-only and shared freely across
// concurrent pipeline invocations.
type Settings struct {
	// Locale selects message translations when a document has no preference.
	Locale string `json:"locale,omitempty"`

	// Transitions is the ordered list of transition names to run.
	Transitions []string `json:"transitions,omitempty"`

	Registrations     []RegistrationConfig     `json:"registrations,omitempty"`
	Alerts            map[string]AlertConfig   `json:"alerts,omitempty"`
	MultiReportAlerts []MultiReportAlertConfig `json:"multi_report_alerts,omitempty"`
	Schedules         []ScheduleConfig         `json:"schedules,omitempty"`
	Reminders         []ReminderConfig         `json:"reminders,omitempty"`

	Forms map[string]FormConfig `json:"forms,omitempty"`

	// ScheduleDurationDays is the grace window for obsoleting overdue
	// scheduled tasks.
	ScheduleDurationDays int `json:"schedule_duration_days,omitempty"`
}

func DefaultSettings() *Settings {
	return &Settings{
		Locale:               "en",
		ScheduleDurationDays: 60,
	}
}

type FormConfig struct {
	PublicForm bool `json:"public_form,omitempty"`
}

// AlertConfig is a single-report conditional alert: when a report of Form
// arrives and Condition evaluates truthy, Message is sent to Recipient.
type AlertConfig struct {
	Form      string `json:"form"`
	Condition string `json:"condition"`
	Message   string `json:"message"`
	Recipient string `json:"recipient"`
}

func (a AlertConfig) validate() error {
	var missing []string
	if a.Form == "" {
		missing = append(missing, "form")
	}
	if a.Condition == "" {
		missing = append(missing, "condition")
	}
	if a.Message == "" {
		missing = append(missing, "message")
	}
	if len(missing) > 0 {
		return errors.Wrap(ErrConfig, "alert config missing required fields", j.MKV{
			"fields": strings.Join(missing, ","),
		})
	}

	return nil
}

// IntString is an integer that also unmarshals from its decimal string form,
// since settings documents carry thresholds both ways.
type IntString int

func (i *IntString) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	n, err := strconv.Atoi(s)
	if err != nil {
		return errors.Wrap(ErrConfig, "expected an integer", j.MKV{
			"value": s,
		})
	}

	*i = IntString(n)
	return nil
}

// MultiReportAlertConfig is a multi-report alert: reports within a time
// window are counted by an expression predicate and Message is sent to the
// Recipients once the count reaches the threshold.
type MultiReportAlertConfig struct {
	Name string `json:"name,omitempty"`

	// IsReportCounted is evaluated per report with {report, latestReport}.
	IsReportCounted     string    `json:"is_report_counted"`
	NumReportsThreshold IntString `json:"num_reports_threshold"`
	Message             string    `json:"message"`
	Recipients          []string  `json:"recipients"`
	TimeWindowInDays    IntString `json:"time_window_in_days"`

	// Forms optionally restricts counting to an allow-list of form codes.
	Forms []string `json:"forms,omitempty"`
}

func (a MultiReportAlertConfig) validate() error {
	var missing []string
	if a.IsReportCounted == "" {
		missing = append(missing, "is_report_counted")
	}
	if a.NumReportsThreshold == 0 {
		missing = append(missing, "num_reports_threshold")
	}
	if a.Message == "" {
		missing = append(missing, "message")
	}
	if len(a.Recipients) == 0 {
		missing = append(missing, "recipients")
	}
	if a.TimeWindowInDays == 0 {
		missing = append(missing, "time_window_in_days")
	}
	if len(missing) > 0 {
		return errors.Wrap(ErrConfig, "multi report alert config missing required fields", j.MKV{
			"name":   a.Name,
			"fields": strings.Join(missing, ","),
		})
	}

	return nil
}

// RegistrationConfig is the per-form registration rule set.
type RegistrationConfig struct {
	Form        string              `json:"form"`
	Events      []RegistrationEvent `json:"events,omitempty"`
	Validations ValidationsConfig   `json:"validations,omitempty"`
	Messages    []EventMessage      `json:"messages,omitempty"`
}

// RegistrationEvent wires a named trigger to the registration lifecycle.
type RegistrationEvent struct {
	Name    string `json:"name"`
	Trigger string `json:"trigger"`
	// BoolExpr optionally gates the trigger on the submitted data.
	BoolExpr string `json:"bool_expr,omitempty"`
	// Params is either a comma separated string, a JSON array of strings or
	// an object, depending on the trigger.
	Params json.RawMessage `json:"params,omitempty"`
}

// ParamList renders Params as a list of strings.
func (e RegistrationEvent) ParamList() []string {
	if len(e.Params) == 0 {
		return nil
	}

	var list []string
	if err := json.Unmarshal(e.Params, &list); err == nil {
		return list
	}

	var s string
	if err := json.Unmarshal(e.Params, &s); err == nil {
		if s == "" {
			return nil
		}
		parts := strings.Split(s, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}

	return nil
}

// ParamMap renders Params as an object of string values.
func (e RegistrationEvent) ParamMap() map[string]string {
	m := make(map[string]string)
	if len(e.Params) == 0 {
		return m
	}

	// NoReturnErr: params that are not an object resolve to an empty map.
	_ = json.Unmarshal(e.Params, &m)
	return m
}

type ValidationsConfig struct {
	JoinResponses bool             `json:"join_responses,omitempty"`
	List          []ValidationRule `json:"list,omitempty"`
}

// ValidationRule accepts a report when Rule evaluates truthy against the
// submitted fields.
type ValidationRule struct {
	Property string      `json:"property"`
	Rule     string      `json:"rule"`
	Message  MessageText `json:"message,omitempty"`
}

// ScheduleConfig is a named group of scheduled messages assigned to a
// registration.
type ScheduleConfig struct {
	Name string `json:"name"`
	// StartFrom names the document date the offsets are relative to,
	// "lmp_date" or "reported_date".
	StartFrom string                   `json:"start_from,omitempty"`
	Messages  []ScheduledMessageConfig `json:"messages,omitempty"`
}

type ScheduledMessageConfig struct {
	Group string `json:"group,omitempty"`
	// Offset is a duration from the schedule start, e.g. "8 weeks" or "30 days".
	Offset    string      `json:"offset"`
	Recipient string      `json:"recipient,omitempty"`
	Message   MessageText `json:"message"`
}

// ReminderConfig is a clinic reminder schedule, matched by the reminder job
// outside the transition pipeline.
type ReminderConfig struct {
	Form string `json:"form"`
	Cron string `json:"cron"`
	// Message supports {{week}} and {{year}} placeholders.
	Message string `json:"message"`
	// MuteAfterFormFor suppresses the reminder for clinics that submitted the
	// form within this duration, e.g. "3 days".
	MuteAfterFormFor string `json:"mute_after_form_for,omitempty"`
}

// Validate checks every configured rule set. It is run once at registry load
// time; a failure is fatal to pipeline startup, never to a single document.
func (s *Settings) Validate() error {
	for _, a := range s.Alerts {
		if err := a.validate(); err != nil {
			return err
		}
	}
	for _, a := range s.MultiReportAlerts {
		if err := a.validate(); err != nil {
			return err
		}
	}
	for _, r := range s.Registrations {
		if r.Form == "" {
			return errors.Wrap(ErrConfig, "registration config missing form", j.MKV{})
		}
	}
	for _, r := range s.Reminders {
		if r.Cron == "" || r.Form == "" {
			return errors.Wrap(ErrConfig, "reminder config missing required fields", j.MKV{
				"form": r.Form,
			})
		}
	}

	return nil
}

// RegistrationForForm returns the registration rule set for a form code, if
// configured. Form codes match case-insensitively.
func (s *Settings) RegistrationForForm(form string) (RegistrationConfig, bool) {
	for _, r := range s.Registrations {
		if strings.EqualFold(r.Form, form) {
			return r, true
		}
	}

	return RegistrationConfig{}, false
}

// ScheduleByName returns the named schedule config.
func (s *Settings) ScheduleByName(name string) (ScheduleConfig, bool) {
	for _, sc := range s.Schedules {
		if sc.Name == name {
			return sc, true
		}
	}

	return ScheduleConfig{}, false
}

// ConfigSource provides the current settings. Implementations must return a
// settings value that is safe to read concurrently; reloads swap the whole
// value.
type ConfigSource interface {
	Settings() *Settings
}

// StaticConfig is a ConfigSource over a fixed settings value.
type StaticConfig struct {
	settings *Settings
}

func NewStaticConfig(s *Settings) *StaticConfig {
	return &StaticConfig{settings: s}
}

func (c *StaticConfig) Settings() *Settings {
	return c.settings
}

var _ ConfigSource = (*StaticConfig)(nil)

// LoadSettings reads and parses the settings document, layering it over
// DefaultSettings.
func LoadSettings(ctx context.Context, store Store, docID string) (*Settings, error) {
	doc, err := store.Get(ctx, docID)
	if err != nil {
		return nil, err
	}

	s := DefaultSettings()
	if doc.Fields != nil {
		b, err := json.Marshal(doc.Fields)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, s); err != nil {
			return nil, errors.Wrap(ErrConfig, err.Error(), j.MKV{
				"doc_id": docID,
			})
		}
	}

	return s, nil
}
