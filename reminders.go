package sentinel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/robfig/cron/v3"
	"k8s.io/utils/clock"
)

// reminderWindow is how far back a cron fire time still counts as the current
// reminder slot. Runs are expected at least this often.
const reminderWindow = time.Hour

// ReminderJob sends periodic form reminders to clinics. It runs outside the
// change pipeline, typically on a ticker, and is idempotent per cron slot: a
// clinic gets at most one reminder task per configured fire time.
type ReminderJob struct {
	store  Store
	audit  AuditStore
	config ConfigSource
	clock  clock.Clock
	logger Logger
	parser cron.Parser
}

type ReminderOption func(*ReminderJob)

func WithReminderClock(c clock.Clock) ReminderOption {
	return func(j *ReminderJob) {
		j.clock = c
	}
}

func WithReminderLogger(l Logger) ReminderOption {
	return func(j *ReminderJob) {
		j.logger = l
	}
}

func NewReminderJob(store Store, audit AuditStore, config ConfigSource, opts ...ReminderOption) *ReminderJob {
	j := &ReminderJob{
		store:  store,
		audit:  audit,
		config: config,
		clock:  clock.RealClock{},
		logger: noopLogger{},
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
	for _, opt := range opts {
		opt(j)
	}

	return j
}

// Execute runs one pass over the configured reminders. Errors on one reminder
// do not block the others; the first error is returned after all have run.
func (r *ReminderJob) Execute(ctx context.Context) error {
	settings := r.config.Settings()

	var firstErr error
	for _, rc := range settings.Reminders {
		if err := r.executeReminder(ctx, rc); err != nil {
			// NoReturnErr: logged here, surfaced once all reminders ran.
			r.logger.Error(ctx, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

func (r *ReminderJob) executeReminder(ctx context.Context, rc ReminderConfig) error {
	due, ok, err := r.matchSchedule(rc)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	clinics, err := r.clinics(ctx)
	if err != nil {
		return err
	}

	for _, clinic := range clinics {
		if err := r.remindClinic(ctx, rc, clinic, due); err != nil {
			return err
		}
	}

	return nil
}

// matchSchedule returns the most recent cron fire time within the reminder
// window, if any.
func (r *ReminderJob) matchSchedule(rc ReminderConfig) (time.Time, bool, error) {
	sched, err := r.parser.Parse(rc.Cron)
	if err != nil {
		return time.Time{}, false, errors.Wrap(ErrConfig, "invalid reminder cron", j.MKV{
			"form": rc.Form,
			"cron": rc.Cron,
		})
	}

	now := r.clock.Now()

	var match time.Time
	next := sched.Next(now.Add(-reminderWindow))
	for !next.After(now) {
		match = next
		next = sched.Next(next)
	}
	if match.IsZero() {
		return time.Time{}, false, nil
	}

	return match, true, nil
}

func (r *ReminderJob) clinics(ctx context.Context) ([]*Doc, error) {
	rows, err := r.store.Query(ctx, ViewClinicsByType, QueryOpts{
		Key:         "clinic",
		IncludeDocs: true,
	})
	if err != nil {
		return nil, err
	}

	docs := make([]*Doc, 0, len(rows))
	for _, row := range rows {
		if row.Doc != nil {
			docs = append(docs, row.Doc)
		}
	}

	return docs, nil
}

func (r *ReminderJob) remindClinic(ctx context.Context, rc ReminderConfig, clinic *Doc, due time.Time) error {
	typ := reminderType(rc.Form)

	// Already reminded for this slot.
	for _, task := range clinic.ScheduledTasks {
		if task.Type == typ && task.Due == due.UnixMilli() {
			return nil
		}
	}

	muted, err := r.muted(ctx, rc, clinic, due)
	if err != nil {
		return err
	}
	if muted {
		return nil
	}

	phone := clinic.ClinicPhone()
	if phone == "" {
		r.logger.Debug(ctx, "clinic has no phone, skipping reminder", MKV{
			"clinic": clinic.ID,
			"form":   rc.Form,
		})
		return nil
	}

	AddScheduledMessage(clinic, ScheduledMessage{
		Message: renderReminder(rc.Message, due),
		Due:     due,
		Phone:   phone,
		Type:    typ,
	}, r.clock.Now())

	return r.audit.SaveDoc(ctx, clinic)
}

// muted reports whether the clinic submitted the reminded form recently enough
// to suppress this reminder.
func (r *ReminderJob) muted(ctx context.Context, rc ReminderConfig, clinic *Doc, due time.Time) (bool, error) {
	if rc.MuteAfterFormFor == "" {
		return false, nil
	}

	mute, err := parseOffset(rc.MuteAfterFormFor)
	if err != nil {
		return false, err
	}

	rows, err := r.store.Query(ctx, ViewReportsByFormAndClinic, QueryOpts{
		Key:         []any{rc.Form, clinic.ID},
		IncludeDocs: true,
	})
	if err != nil {
		return false, err
	}

	cutoff := due.Add(-mute)
	for _, row := range rows {
		if row.Doc == nil {
			continue
		}
		if !time.UnixMilli(row.Doc.ReportedDate).Before(cutoff) {
			return true, nil
		}
	}

	return false, nil
}

func reminderType(form string) string {
	return "reminder:" + form
}

// renderReminder substitutes the {{week}} and {{year}} placeholders with the
// ISO week of the reminder's fire time.
func renderReminder(message string, due time.Time) string {
	year, week := due.ISOWeek()
	message = strings.ReplaceAll(message, "{{week}}", fmt.Sprintf("%d", week))
	message = strings.ReplaceAll(message, "{{year}}", fmt.Sprintf("%d", year))

	return message
}
