package sentinel

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	phoneLiteral = regexp.MustCompile(`^\+[0-9]+$`)
	placeholder  = regexp.MustCompile(`{{\s*([#/]?[\w.]+)\s*}}`)
)

// RenderMessage substitutes {{field}} placeholders in a configured message
// with values from the document. Top-level document values win over submitted
// fields; unknown placeholders render empty.
func RenderMessage(template string, doc *Doc) string {
	if !strings.Contains(template, "{{") {
		return template
	}

	env := doc.AsMap()

	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		if v, ok := env[key]; ok {
			return renderValue(v)
		}
		if v := doc.Field(key); v != nil {
			return renderValue(v)
		}

		return ""
	})
}

func renderValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func newMessage(to, message string) Message {
	return Message{
		UUID:    uuid.New().String(),
		To:      to,
		Message: message,
	}
}

// AddMessage attaches an outbound message task in state pending. A task is
// what gets sent back to the caller via SMS.
func AddMessage(doc *Doc, phone, message string, now time.Time) {
	task := Task{
		State:        StatePending,
		StateHistory: []StateChange{historyEntry(StatePending, now)},
		Messages:     []Message{newMessage(phone, message)},
	}

	doc.Tasks = append(doc.Tasks, task)
}

// AddReply sends a message back to the reporting unit of the document.
func AddReply(doc *Doc, message string, now time.Time) {
	AddMessage(doc, doc.ClinicPhone(), message, now)
}

// LocalizedText is one translation of a configured message.
type LocalizedText struct {
	Locale  string `json:"locale,omitempty"`
	Content string `json:"content"`
}

// MessageText is a configured message in one or more locales.
type MessageText []LocalizedText

// Text returns the content for the given locale, falling back to the first
// configured translation.
func (m MessageText) Text(locale string) string {
	for _, t := range m {
		if t.Locale == locale {
			return t.Content
		}
	}
	if len(m) > 0 {
		return m[0].Content
	}

	return ""
}

// EventMessage is a configured per-event message on a registration rule set.
type EventMessage struct {
	EventType string      `json:"event_type,omitempty"`
	Recipient string      `json:"recipient,omitempty"`
	Message   MessageText `json:"message"`
}

// RecipientPhone resolves a configured recipient keyword or literal against
// the document. Unknown keywords fall back to the reporting unit's phone.
func RecipientPhone(doc *Doc, recipient string) string {
	switch recipient {
	case "", "reporting_unit", "clinic":
		return doc.ClinicPhone()
	case "from":
		if doc.From != "" {
			return doc.From
		}
		return doc.ClinicPhone()
	case "parent":
		if doc.RelatedEntities != nil && doc.RelatedEntities.Clinic != nil {
			if p := doc.RelatedEntities.Clinic.Parent; p != nil && p.Contact != nil && p.Contact.Phone != "" {
				return p.Contact.Phone
			}
		}
		return doc.ClinicPhone()
	}

	if phoneLiteral.MatchString(recipient) {
		return recipient
	}
	if s := doc.FieldString(recipient); s != "" {
		return s
	}

	return doc.ClinicPhone()
}

// AddRejectionMessage adds both a reply message and a user-visible error of
// the configured key to the report. The message indicates something went
// wrong; the key indicates what.
func AddRejectionMessage(doc *Doc, msgs []EventMessage, errorKey, locale string, now time.Time) {
	phone := RecipientPhone(doc, "from")
	text := "messages.generic." + errorKey

	for _, msg := range msgs {
		if msg.EventType == errorKey {
			phone = RecipientPhone(doc, msg.Recipient)
			text = msg.Message.Text(locale)
		}
	}

	AddMessage(doc, phone, text, now)
	doc.AddError(text)
}

// AddRegistrationNotFoundMessage rejects a report that references a patient id
// with no matching registration.
func AddRegistrationNotFoundMessage(doc *Doc, msgs []EventMessage, locale string, now time.Time) {
	AddRejectionMessage(doc, msgs, "registration_not_found", locale, now)
}
