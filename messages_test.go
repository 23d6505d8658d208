package sentinel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecipientPhone(t *testing.T) {
	doc := &Doc{
		From: "+27100",
		RelatedEntities: &RelatedEntities{
			Clinic: &Contact{
				ID:      "clinic-1",
				Contact: &Contact{Phone: "+27200"},
				Parent: &Contact{
					Contact: &Contact{Phone: "+27300"},
				},
			},
		},
		Fields: map[string]any{"supervisor_phone": "+27400"},
	}

	testCases := []struct {
		name      string
		recipient string
		expect    string
	}{
		{name: "default", recipient: "", expect: "+27200"},
		{name: "reporting unit", recipient: "reporting_unit", expect: "+27200"},
		{name: "clinic", recipient: "clinic", expect: "+27200"},
		{name: "from", recipient: "from", expect: "+27100"},
		{name: "parent", recipient: "parent", expect: "+27300"},
		{name: "literal", recipient: "+27999", expect: "+27999"},
		{name: "field", recipient: "supervisor_phone", expect: "+27400"},
		{name: "unknown falls back", recipient: "nope", expect: "+27200"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expect, RecipientPhone(doc, tc.recipient))
		})
	}
}

func TestAddMessage(t *testing.T) {
	doc := &Doc{}
	AddMessage(doc, "+27123", "hello", t0)

	require.Len(t, doc.Tasks, 1)
	require.Equal(t, StatePending, doc.Tasks[0].State)
	require.Len(t, doc.Tasks[0].StateHistory, 1)
	require.Equal(t, "+27123", doc.Tasks[0].Messages[0].To)
	require.Equal(t, "hello", doc.Tasks[0].Messages[0].Message)
}

func TestMessageTextLocale(t *testing.T) {
	m := MessageText{
		{Locale: "en", Content: "hello"},
		{Locale: "sw", Content: "habari"},
	}

	require.Equal(t, "habari", m.Text("sw"))
	require.Equal(t, "hello", m.Text("en"))
	// Unknown locales fall back to the first translation.
	require.Equal(t, "hello", m.Text("fr"))
	require.Empty(t, MessageText{}.Text("en"))
}

func TestRenderMessage(t *testing.T) {
	doc := &Doc{
		PatientID: "12348",
		Fields: map[string]any{
			"patient_name": "Amina",
			"serial":       float64(7),
		},
	}

	testCases := []struct {
		name     string
		template string
		expect   string
	}{
		{name: "no placeholders", template: "thank you", expect: "thank you"},
		{name: "top level", template: "ID {{patient_id}}", expect: "ID 12348"},
		{name: "field", template: "Thanks {{patient_name}}", expect: "Thanks Amina"},
		{name: "number renders plain", template: "No {{serial}}", expect: "No 7"},
		{name: "unknown renders empty", template: "x{{nope}}x", expect: "xx"},
		{name: "spaced", template: "{{ patient_id }}", expect: "12348"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expect, RenderMessage(tc.template, doc))
		})
	}
}

func TestAddRejectionMessage(t *testing.T) {
	doc := &Doc{From: "+27100"}

	AddRejectionMessage(doc, nil, "registration_not_found", "en", t0)
	require.Len(t, doc.Tasks, 1)
	require.Equal(t, "+27100", doc.Tasks[0].Messages[0].To)
	require.Len(t, doc.Errors, 1)

	// A configured message for the error key overrides the generic text.
	doc = &Doc{From: "+27100"}
	AddRejectionMessage(doc, []EventMessage{{
		EventType: "registration_not_found",
		Message:   MessageText{{Locale: "en", Content: "No patient found with that ID."}},
	}}, "registration_not_found", "en", t0)
	require.Equal(t, "No patient found with that ID.", doc.Tasks[0].Messages[0].Message)
	require.Equal(t, "No patient found with that ID.", doc.Errors[0].Message)
}
