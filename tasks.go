package sentinel

import "time"

// setTaskState moves a scheduled task to a new state and appends exactly one
// state history entry. A task without a history is treated as having an empty
// one.
func setTaskState(t *ScheduledTask, state State, now time.Time) {
	t.State = state
	if t.StateHistory == nil {
		t.StateHistory = []StateChange{}
	}
	t.StateHistory = append(t.StateHistory, historyEntry(state, now))
}

// ScheduledMessage describes a follow-up message to schedule on a document.
type ScheduledMessage struct {
	Message string
	Due     time.Time
	Phone   string
	Type    string
	Group   string
}

// AddScheduledMessage appends a new scheduled task in state scheduled.
func AddScheduledMessage(doc *Doc, msg ScheduledMessage, now time.Time) {
	task := ScheduledTask{
		Type:  msg.Type,
		Group: msg.Group,
		Due:   msg.Due.UnixMilli(),
		Messages: []Message{
			newMessage(msg.Phone, msg.Message),
		},
	}
	setTaskState(&task, StateScheduled, now)

	doc.ScheduledTasks = append(doc.ScheduledTasks, task)
}

// ClearScheduledMessages clears every scheduled task whose type appears in
// types. Already cleared tasks are left untouched so the call is always safe
// to repeat.
func ClearScheduledMessages(doc *Doc, types []string, now time.Time) {
	for i := range doc.ScheduledTasks {
		task := &doc.ScheduledTasks[i]
		if task.State == StateCleared {
			continue
		}
		for _, typ := range types {
			if task.Type == typ {
				setTaskState(task, StateCleared, now)
				break
			}
		}
	}
}

// ObsoleteScheduledMessages clears scheduled tasks of the given type whose due
// time plus grace has passed. When a qualifying task belongs to a group the
// whole group is cleared regardless of the due times of its other members.
// It returns true iff at least one task changed state, and is a no-op when
// applied a second time with identical inputs.
func ObsoleteScheduledMessages(doc *Doc, typ string, grace time.Duration, now time.Time) bool {
	groups := make(map[string]bool)
	var changed bool

	for i := range doc.ScheduledTasks {
		task := &doc.ScheduledTasks[i]
		if task.Type != typ || task.State != StateScheduled {
			continue
		}
		due := time.UnixMilli(task.Due).Add(grace)
		if due.After(now) {
			continue
		}

		if task.Group != "" {
			groups[task.Group] = true
			continue
		}

		setTaskState(task, StateCleared, now)
		changed = true
	}

	for i := range doc.ScheduledTasks {
		task := &doc.ScheduledTasks[i]
		if task.Type != typ || task.State != StateScheduled {
			continue
		}
		if groups[task.Group] {
			setTaskState(task, StateCleared, now)
			changed = true
		}
	}

	return changed
}

// MuteScheduledMessages mutes all scheduled tasks on the document.
func MuteScheduledMessages(doc *Doc, now time.Time) {
	for i := range doc.ScheduledTasks {
		task := &doc.ScheduledTasks[i]
		if task.State == StateScheduled {
			setTaskState(task, StateMuted, now)
		}
	}
}

// UnmuteScheduledMessages re-schedules muted tasks that are not yet due. Tasks
// whose due time passed while muted stay muted; they are not resurrected past
// their deadline.
func UnmuteScheduledMessages(doc *Doc, now time.Time) {
	for i := range doc.ScheduledTasks {
		task := &doc.ScheduledTasks[i]
		if task.State != StateMuted {
			continue
		}
		if time.UnixMilli(task.Due).After(now) {
			setTaskState(task, StateScheduled, now)
		}
	}
}
