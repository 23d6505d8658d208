package sqlstore

import (
	"context"
	"database/sql"
	"strings"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/chwkit/sentinel"
)

// Query serves the named views from the extracted columns. Unknown views fail
// with ErrUnknownView.
func (s *SQLStore) Query(ctx context.Context, view string, opts sentinel.QueryOpts) ([]sentinel.Row, error) {
	switch view {
	case sentinel.ViewRegisteredPatients:
		return s.queryPatientIDs(ctx, "patient_id is not null", opts)

	case sentinel.ViewPatientByID:
		return s.queryPatientIDs(ctx, "doc_type='person' and patient_id is not null", opts)

	case sentinel.ViewReportsByDate:
		return s.queryReportsByDate(ctx, opts)

	case sentinel.ViewPeopleByPhone:
		phone, ok := firstKeyElem(opts.Key)
		if !ok {
			return nil, errors.New("people_by_phone requires a phone key")
		}
		return s.listWhere(ctx, "doc_type='person' and phone=? order by id", opts, phone)

	case sentinel.ViewReportsByFormAndClinic:
		key, _ := opts.Key.([]any)
		if len(key) != 2 {
			return nil, errors.New("data_records_by_form_and_clinic requires a [form, clinic] key")
		}
		return s.listWhere(ctx, "doc_type='data_record' and form=? and clinic_id=? order by reported_date", opts, key[0], key[1])

	case sentinel.ViewClinicsByType:
		return s.listWhere(ctx, "doc_type='clinic' order by id", opts)
	}

	return nil, errors.Wrap(sentinel.ErrUnknownView, "", j.KV("view", view))
}

// queryPatientIDs serves the identifier-keyed views, supporting single-key and
// multi-key lookups.
func (s *SQLStore) queryPatientIDs(ctx context.Context, where string, opts sentinel.QueryOpts) ([]sentinel.Row, error) {
	var args []any
	if opts.Key != nil {
		where += " and patient_id=?"
		args = append(args, opts.Key)
	}
	if len(opts.Keys) > 0 {
		where += " and patient_id in (?" + strings.Repeat(",?", len(opts.Keys)-1) + ")"
		args = append(args, opts.Keys...)
	}

	return s.listWhere(ctx, where+" order by patient_id", opts, args...)
}

func (s *SQLStore) queryReportsByDate(ctx context.Context, opts sentinel.QueryOpts) ([]sentinel.Row, error) {
	where := "doc_type='data_record'"
	var args []any

	// The window bounds are inclusive and reversed for descending queries.
	lo, hi := opts.StartKey, opts.EndKey
	if opts.Descending {
		lo, hi = hi, lo
	}
	if lo != nil {
		where += " and reported_date>=?"
		args = append(args, lo)
	}
	if hi != nil {
		where += " and reported_date<=?"
		args = append(args, hi)
	}

	where += " order by reported_date"
	if opts.Descending {
		where += " desc"
	}

	return s.listWhere(ctx, where, opts, args...)
}

func (s *SQLStore) listWhere(ctx context.Context, where string, opts sentinel.QueryOpts, args ...any) ([]sentinel.Row, error) {
	q := "select id, patient_id, reported_date, doc from " + s.docTable + " where " + where
	if opts.Limit > 0 {
		q += " limit ?"
		args = append(args, opts.Limit)
		if opts.Skip > 0 {
			q += " offset ?"
			args = append(args, opts.Skip)
		}
	} else if opts.Skip > 0 {
		// MySQL has no offset without limit.
		q += " limit 18446744073709551615 offset ?"
		args = append(args, opts.Skip)
	}

	rows, err := s.reader.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query view")
	}
	defer rows.Close()

	var res []sentinel.Row
	for rows.Next() {
		var (
			id           string
			patientID    sql.NullString
			reportedDate int64
			blob         []byte
		)
		if err := rows.Scan(&id, &patientID, &reportedDate, &blob); err != nil {
			return nil, errors.Wrap(err, "scan view row")
		}

		row := sentinel.Row{ID: id}
		if patientID.Valid {
			row.Key = patientID.String
		} else {
			row.Key = float64(reportedDate)
		}
		if opts.IncludeDocs {
			doc, err := unmarshalDoc(blob)
			if err != nil {
				return nil, err
			}
			row.Doc = doc
		}
		res = append(res, row)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "view rows")
	}

	return res, nil
}

func firstKeyElem(key any) (any, bool) {
	switch k := key.(type) {
	case []any:
		if len(k) > 0 {
			return k[0], true
		}
	case string:
		return k, true
	}

	return nil, false
}
