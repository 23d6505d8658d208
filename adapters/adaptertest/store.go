// Package adaptertest exercises Store, AuditStore and ChangeFeed
// implementations against the semantics the pipeline relies on. Every adapter
// runs the same suite.
package adaptertest

import (
	"context"
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/chwkit/sentinel"
)

// Connector builds a fresh, empty store and a change feed over it.
type Connector func(t *testing.T) (sentinel.Store, sentinel.AuditStore, sentinel.ChangeFeed)

func RunStoreTest(t *testing.T, connector Connector) {
	tests := []func(t *testing.T, connector Connector){
		testSaveAndGet,
		testSaveConflict,
		testRegisteredPatients,
		testPatientByID,
		testReportsByDate,
		testPeopleByPhone,
		testReportsByFormAndClinic,
		testClinicsByType,
		testChangeFeed,
	}

	for _, test := range tests {
		test(t, connector)
	}
}

func testSaveAndGet(t *testing.T, connector Connector) {
	t.Run("SaveAndGet", func(t *testing.T) {
		store, _, _ := connector(t)
		ctx := context.Background()

		saved, err := store.Save(ctx, &sentinel.Doc{
			ID:           "report-1",
			Type:         "data_record",
			Form:         "V",
			ReportedDate: 1000,
		})
		jtest.RequireNil(t, err)
		require.NotEmpty(t, saved.Rev)

		got, err := store.Get(ctx, "report-1")
		jtest.RequireNil(t, err)
		require.Equal(t, "V", got.Form)
		require.Equal(t, saved.Rev, got.Rev)

		_, err = store.Get(ctx, "missing")
		jtest.Require(t, sentinel.ErrDocNotFound, err)
	})
}

func testSaveConflict(t *testing.T, connector Connector) {
	t.Run("SaveConflict", func(t *testing.T) {
		store, _, _ := connector(t)
		ctx := context.Background()

		saved, err := store.Save(ctx, &sentinel.Doc{ID: "doc-1", Type: "data_record"})
		jtest.RequireNil(t, err)

		// A stale revision must not overwrite the newer one.
		_, err = store.Save(ctx, &sentinel.Doc{ID: "doc-1", Type: "data_record", Rev: "9-stale"})
		jtest.Require(t, sentinel.ErrSaveConflict, err)

		saved.Form = "V"
		_, err = store.Save(ctx, saved)
		jtest.RequireNil(t, err)
	})
}

func testRegisteredPatients(t *testing.T, connector Connector) {
	t.Run("RegisteredPatients", func(t *testing.T) {
		store, _, _ := connector(t)
		ctx := context.Background()

		_, err := store.Save(ctx, &sentinel.Doc{ID: "p1", Type: "person", PatientID: "12348"})
		jtest.RequireNil(t, err)
		_, err = store.Save(ctx, &sentinel.Doc{ID: "p2", Type: "person", PatientID: "55555"})
		jtest.RequireNil(t, err)

		rows, err := store.Query(ctx, sentinel.ViewRegisteredPatients, sentinel.QueryOpts{
			Keys: []any{"12348", "99999"},
		})
		jtest.RequireNil(t, err)
		require.Len(t, rows, 1)
		require.Equal(t, "12348", rows[0].Key)
	})
}

func testPatientByID(t *testing.T, connector Connector) {
	t.Run("PatientByID", func(t *testing.T) {
		store, _, _ := connector(t)
		ctx := context.Background()

		_, err := store.Save(ctx, &sentinel.Doc{ID: "p1", Type: "person", PatientID: "12348"})
		jtest.RequireNil(t, err)
		// A report referencing the patient must not satisfy the person lookup.
		_, err = store.Save(ctx, &sentinel.Doc{ID: "r1", Type: "data_record", PatientID: "12348"})
		jtest.RequireNil(t, err)

		rows, err := store.Query(ctx, sentinel.ViewPatientByID, sentinel.QueryOpts{Key: "12348"})
		jtest.RequireNil(t, err)
		require.Len(t, rows, 1)
		require.Equal(t, "p1", rows[0].ID)
	})
}

func testReportsByDate(t *testing.T, connector Connector) {
	t.Run("ReportsByDate", func(t *testing.T) {
		store, _, _ := connector(t)
		ctx := context.Background()

		for i, date := range []int64{1000, 2000, 3000, 4000} {
			_, err := store.Save(ctx, &sentinel.Doc{
				ID:           letterID("r", i),
				Type:         "data_record",
				Form:         "V",
				ReportedDate: date,
			})
			jtest.RequireNil(t, err)
		}

		// Descending window from 3500 back to 1500 inclusive.
		rows, err := store.Query(ctx, sentinel.ViewReportsByDate, sentinel.QueryOpts{
			StartKey:    int64(3500),
			EndKey:      int64(1500),
			Descending:  true,
			IncludeDocs: true,
		})
		jtest.RequireNil(t, err)
		require.Len(t, rows, 2)
		require.Equal(t, int64(3000), rows[0].Doc.ReportedDate)
		require.Equal(t, int64(2000), rows[1].Doc.ReportedDate)

		// Paging.
		rows, err = store.Query(ctx, sentinel.ViewReportsByDate, sentinel.QueryOpts{
			Descending: true,
			Skip:       1,
			Limit:      2,
		})
		jtest.RequireNil(t, err)
		require.Len(t, rows, 2)
	})
}

func testPeopleByPhone(t *testing.T, connector Connector) {
	t.Run("PeopleByPhone", func(t *testing.T) {
		store, _, _ := connector(t)
		ctx := context.Background()

		_, err := store.Save(ctx, &sentinel.Doc{
			ID:      "p1",
			Type:    "person",
			Contact: &sentinel.Contact{Phone: "+27123"},
		})
		jtest.RequireNil(t, err)

		rows, err := store.Query(ctx, sentinel.ViewPeopleByPhone, sentinel.QueryOpts{
			Key:         []any{"+27123"},
			IncludeDocs: true,
		})
		jtest.RequireNil(t, err)
		require.Len(t, rows, 1)
		require.Equal(t, "p1", rows[0].Doc.ID)
	})
}

func testReportsByFormAndClinic(t *testing.T, connector Connector) {
	t.Run("ReportsByFormAndClinic", func(t *testing.T) {
		store, _, _ := connector(t)
		ctx := context.Background()

		clinic := &sentinel.RelatedEntities{Clinic: &sentinel.Contact{ID: "clinic-1"}}
		for i, date := range []int64{3000, 1000, 2000} {
			_, err := store.Save(ctx, &sentinel.Doc{
				ID:              letterID("r", i),
				Type:            "data_record",
				Form:            "MSBR",
				ReportedDate:    date,
				RelatedEntities: clinic,
			})
			jtest.RequireNil(t, err)
		}

		rows, err := store.Query(ctx, sentinel.ViewReportsByFormAndClinic, sentinel.QueryOpts{
			Key:         []any{"MSBR", "clinic-1"},
			IncludeDocs: true,
		})
		jtest.RequireNil(t, err)
		require.Len(t, rows, 3)
		// Reported date ascending.
		require.Equal(t, int64(1000), rows[0].Doc.ReportedDate)
		require.Equal(t, int64(3000), rows[2].Doc.ReportedDate)
	})
}

func testClinicsByType(t *testing.T, connector Connector) {
	t.Run("ClinicsByType", func(t *testing.T) {
		store, _, _ := connector(t)
		ctx := context.Background()

		_, err := store.Save(ctx, &sentinel.Doc{
			ID:      "clinic-1",
			Type:    "clinic",
			Contact: &sentinel.Contact{Phone: "+27999"},
		})
		jtest.RequireNil(t, err)
		_, err = store.Save(ctx, &sentinel.Doc{ID: "p1", Type: "person"})
		jtest.RequireNil(t, err)

		rows, err := store.Query(ctx, sentinel.ViewClinicsByType, sentinel.QueryOpts{
			Key:         "clinic",
			IncludeDocs: true,
		})
		jtest.RequireNil(t, err)
		require.Len(t, rows, 1)
		require.Equal(t, "clinic-1", rows[0].Doc.ID)
	})
}

func testChangeFeed(t *testing.T, connector Connector) {
	t.Run("ChangeFeed", func(t *testing.T) {
		store, audit, feed := connector(t)
		ctx := context.Background()

		saved, err := store.Save(ctx, &sentinel.Doc{ID: "doc-1", Type: "data_record"})
		jtest.RequireNil(t, err)

		change, err := feed.Next(ctx)
		jtest.RequireNil(t, err)
		require.Equal(t, "doc-1", change.ID)
		require.NotEmpty(t, change.Seq)

		saved.Form = "V"
		err = audit.SaveDoc(ctx, saved)
		jtest.RequireNil(t, err)

		next, err := feed.Next(ctx)
		jtest.RequireNil(t, err)
		require.Equal(t, "doc-1", next.ID)
		require.Equal(t, "V", next.Doc.Form)

		// Sequence tokens are totally ordered per document.
		require.Greater(t, next.Seq, change.Seq)
	})
}

func letterID(prefix string, i int) string {
	return prefix + string(rune('a'+i))
}
