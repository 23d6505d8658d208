package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/chwkit/sentinel"
)

// Query serves the named views over the in-memory documents with the same
// key, windowing and paging semantics the production store provides.
func (s *Store) Query(ctx context.Context, view string, opts sentinel.QueryOpts) ([]sentinel.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queryErr != nil {
		return nil, s.queryErr
	}

	var rows []sentinel.Row
	for _, doc := range s.docs {
		rows = append(rows, emit(view, doc)...)
	}

	rows = filterRows(rows, opts)
	sortRows(rows, opts.Descending)
	rows = pageRows(rows, opts)

	if !opts.IncludeDocs {
		for i := range rows {
			rows[i].Doc = nil
		}
	} else {
		for i := range rows {
			rows[i].Doc = cloneDoc(rows[i].Doc)
		}
	}

	return rows, nil
}

// emit mirrors the map function of each view.
func emit(view string, doc *sentinel.Doc) []sentinel.Row {
	switch view {
	case sentinel.ViewRegisteredPatients:
		if doc.PatientID == "" {
			return nil
		}
		return []sentinel.Row{{ID: doc.ID, Key: doc.PatientID, Doc: doc}}

	case sentinel.ViewPatientByID:
		if doc.Type != "person" || doc.PatientID == "" {
			return nil
		}
		return []sentinel.Row{{ID: doc.ID, Key: doc.PatientID, Doc: doc}}

	case sentinel.ViewReportsByDate:
		if doc.Type != "data_record" {
			return nil
		}
		return []sentinel.Row{{ID: doc.ID, Key: float64(doc.ReportedDate), Doc: doc}}

	case sentinel.ViewPeopleByPhone:
		if doc.Type != "person" || doc.From == "" && (doc.Contact == nil || doc.Contact.Phone == "") {
			return nil
		}
		phone := doc.From
		if phone == "" {
			phone = doc.Contact.Phone
		}
		return []sentinel.Row{{ID: doc.ID, Key: []any{phone}, Doc: doc}}

	case sentinel.ViewReportsByFormAndClinic:
		if doc.Type != "data_record" || doc.Form == "" || doc.ClinicID() == "" {
			return nil
		}
		return []sentinel.Row{{
			ID:    doc.ID,
			Key:   []any{doc.Form, doc.ClinicID()},
			Value: float64(doc.ReportedDate),
			Doc:   doc,
		}}

	case sentinel.ViewClinicsByType:
		if doc.Type != "clinic" {
			return nil
		}
		return []sentinel.Row{{ID: doc.ID, Key: "clinic", Doc: doc}}
	}

	return nil
}

func filterRows(rows []sentinel.Row, opts sentinel.QueryOpts) []sentinel.Row {
	var out []sentinel.Row
	for _, row := range rows {
		if opts.Key != nil && !keyEqual(row.Key, opts.Key) {
			continue
		}
		if len(opts.Keys) > 0 && !keyIn(row.Key, opts.Keys) {
			continue
		}
		if !inWindow(row.Key, opts) {
			continue
		}
		out = append(out, row)
	}

	return out
}

// inWindow applies the StartKey/EndKey bounds, inclusive on both ends,
// honouring the reversed bound order of descending queries.
func inWindow(key any, opts sentinel.QueryOpts) bool {
	lo, hi := opts.StartKey, opts.EndKey
	if opts.Descending {
		lo, hi = hi, lo
	}
	if lo != nil && keyLess(key, lo) {
		return false
	}
	if hi != nil && keyLess(hi, key) {
		return false
	}

	return true
}

func sortRows(rows []sentinel.Row, descending bool) {
	sort.SliceStable(rows, func(i, j int) bool {
		less := keyLess(rows[i].Key, rows[j].Key)
		if descending {
			return keyLess(rows[j].Key, rows[i].Key)
		}
		return less
	})
}

func pageRows(rows []sentinel.Row, opts sentinel.QueryOpts) []sentinel.Row {
	if opts.Skip > 0 {
		if opts.Skip >= len(rows) {
			return nil
		}
		rows = rows[opts.Skip:]
	}
	if opts.Limit > 0 && opts.Limit < len(rows) {
		rows = rows[:opts.Limit]
	}

	return rows
}

func keyEqual(a, b any) bool {
	return !keyLess(a, b) && !keyLess(b, a)
}

func keyIn(key any, keys []any) bool {
	for _, k := range keys {
		if keyEqual(key, k) {
			return true
		}
	}

	return false
}

// keyLess orders view keys: numbers numerically, everything else by its
// string form, and composite keys element-wise.
func keyLess(a, b any) bool {
	al, aok := a.([]any)
	bl, bok := b.([]any)
	if aok && bok {
		for i := 0; i < len(al) && i < len(bl); i++ {
			if keyLess(al[i], bl[i]) {
				return true
			}
			if keyLess(bl[i], al[i]) {
				return false
			}
		}
		return len(al) < len(bl)
	}

	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af < bf
	}

	return fmt.Sprint(a) < fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}

	return 0, false
}
