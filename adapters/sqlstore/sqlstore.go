// Package sqlstore provides a MySQL-backed document store. Documents are
// stored as JSON blobs with the queryable fields extracted into indexed
// columns; every save also appends a row to a change log table which backs the
// change feed. A unique index on person_patient_id makes the database the
// final arbiter of identifier uniqueness across concurrent writers.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/chwkit/sentinel"
)

type SQLStore struct {
	writer *sql.DB
	reader *sql.DB

	docTable    string
	changeTable string
}

func New(writer *sql.DB, reader *sql.DB) *SQLStore {
	return &SQLStore{
		writer:      writer,
		reader:      reader,
		docTable:    "documents",
		changeTable: "document_changes",
	}
}

var (
	_ sentinel.Store      = (*SQLStore)(nil)
	_ sentinel.AuditStore = (*SQLStore)(nil)
)

func (s *SQLStore) Get(ctx context.Context, id string) (*sentinel.Doc, error) {
	var blob []byte
	err := s.reader.QueryRowContext(ctx,
		"select doc from "+s.docTable+" where id=?", id,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(sentinel.ErrDocNotFound, "", j.KV("id", id))
	} else if err != nil {
		return nil, errors.Wrap(err, "get document", j.KV("id", id))
	}

	return unmarshalDoc(blob)
}

// Save upserts the document and appends a change log row in one transaction.
// A revision mismatch, or a duplicate issued patient identifier, fails with
// ErrSaveConflict.
func (s *SQLStore) Save(ctx context.Context, doc *sentinel.Doc) (*sentinel.Doc, error) {
	d := *doc
	if d.ID == "" {
		d.ID = uuid.New().String()
	}

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin save")
	}
	defer tx.Rollback()

	var existingRev string
	err = tx.QueryRowContext(ctx,
		"select rev from "+s.docTable+" where id=? for update", d.ID,
	).Scan(&existingRev)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return nil, errors.Wrap(err, "lock document", j.KV("id", d.ID))
	}

	if exists && existingRev != d.Rev || !exists && d.Rev != "" {
		return nil, errors.Wrap(sentinel.ErrSaveConflict, "", j.MKV{
			"id":        d.ID,
			"rev":       d.Rev,
			"saved_rev": existingRev,
		})
	}

	d.Rev = nextRev(d.Rev)
	blob, err := json.Marshal(&d)
	if err != nil {
		return nil, errors.Wrap(err, "marshal document")
	}

	// The unique person_patient_id column covers person documents only: a
	// registration report legitimately shares its patient's identifier.
	var personPatientID any
	if d.Type == "person" {
		personPatientID = nullable(d.PatientID)
	}

	if exists {
		_, err = tx.ExecContext(ctx, "update "+s.docTable+" set "+
			" rev=?, doc_type=?, form=?, patient_id=?, person_patient_id=?, clinic_id=?, phone=?, reported_date=?, doc=?, updated_at=now(3) "+
			" where id=?",
			d.Rev, d.Type, d.Form, nullable(d.PatientID), personPatientID, nullable(d.ClinicID()), nullable(phoneOf(&d)), d.ReportedDate, blob, d.ID,
		)
	} else {
		_, err = tx.ExecContext(ctx, "insert into "+s.docTable+" set "+
			" id=?, rev=?, doc_type=?, form=?, patient_id=?, person_patient_id=?, clinic_id=?, phone=?, reported_date=?, doc=?, created_at=now(3), updated_at=now(3) ",
			d.ID, d.Rev, d.Type, d.Form, nullable(d.PatientID), personPatientID, nullable(d.ClinicID()), nullable(phoneOf(&d)), d.ReportedDate, blob,
		)
	}
	if isDuplicate(err) {
		return nil, errors.Wrap(sentinel.ErrSaveConflict, "duplicate patient identifier", j.MKV{
			"id":         d.ID,
			"patient_id": d.PatientID,
		})
	} else if err != nil {
		return nil, errors.Wrap(err, "write document", j.KV("id", d.ID))
	}

	_, err = tx.ExecContext(ctx, "insert into "+s.changeTable+" set "+
		" doc_id=?, doc=?, created_at=now(3) ",
		d.ID, blob,
	)
	if err != nil {
		return nil, errors.Wrap(err, "write change", j.KV("id", d.ID))
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit save")
	}

	return &d, nil
}

func (s *SQLStore) SaveDoc(ctx context.Context, doc *sentinel.Doc) error {
	saved, err := s.Save(ctx, doc)
	if err != nil {
		return err
	}

	*doc = *saved
	return nil
}

// phoneOf is the column the people_by_phone view reads: the contact phone for
// person documents, falling back to the sender phone.
func phoneOf(d *sentinel.Doc) string {
	if d.Contact != nil && d.Contact.Phone != "" {
		return d.Contact.Phone
	}

	return d.From
}

// nullable maps "" to NULL so sparse unique indexes ignore absent values.
func nullable(s string) any {
	if s == "" {
		return nil
	}

	return s
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

func nextRev(rev string) string {
	var n int64
	if i := strings.IndexByte(rev, '-'); i > 0 {
		n, _ = strconv.ParseInt(rev[:i], 10, 64)
	}

	return strconv.FormatInt(n+1, 10) + "-" + uuid.New().String()[:8]
}

func unmarshalDoc(blob []byte) (*sentinel.Doc, error) {
	var doc sentinel.Doc
	if err := json.Unmarshal(blob, &doc); err != nil {
		return nil, errors.Wrap(err, "unmarshal document")
	}

	return &doc, nil
}
