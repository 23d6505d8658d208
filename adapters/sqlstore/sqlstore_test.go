package sqlstore_test

import (
	"context"
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/chwkit/sentinel"
	"github.com/chwkit/sentinel/adapters/adaptertest"
	"github.com/chwkit/sentinel/adapters/sqlstore"
)

func TestStore(t *testing.T) {
	adaptertest.RunStoreTest(t, func(t *testing.T) (sentinel.Store, sentinel.AuditStore, sentinel.ChangeFeed) {
		dbc := ConnectForTesting(t)
		s := sqlstore.New(dbc, dbc)

		feed, err := s.Feed("")
		jtest.RequireNil(t, err)

		return s, s, feed
	})
}

func TestDuplicatePatientID(t *testing.T) {
	ctx := context.Background()
	dbc := ConnectForTesting(t)
	s := sqlstore.New(dbc, dbc)

	_, err := s.Save(ctx, &sentinel.Doc{ID: "p1", Type: "person", PatientID: "12348"})
	jtest.RequireNil(t, err)

	// A second person with the same identifier loses the race.
	_, err = s.Save(ctx, &sentinel.Doc{ID: "p2", Type: "person", PatientID: "12348"})
	jtest.Require(t, sentinel.ErrSaveConflict, err)

	// A report carrying the patient's identifier is not a conflict.
	_, err = s.Save(ctx, &sentinel.Doc{ID: "r1", Type: "data_record", Form: "V", PatientID: "12348"})
	jtest.RequireNil(t, err)
}

func TestFeedResume(t *testing.T) {
	ctx := context.Background()
	dbc := ConnectForTesting(t)
	s := sqlstore.New(dbc, dbc)

	_, err := s.Save(ctx, &sentinel.Doc{ID: "d1", Type: "data_record"})
	jtest.RequireNil(t, err)
	_, err = s.Save(ctx, &sentinel.Doc{ID: "d2", Type: "data_record"})
	jtest.RequireNil(t, err)

	feed, err := s.Feed("")
	jtest.RequireNil(t, err)

	first, err := feed.Next(ctx)
	jtest.RequireNil(t, err)
	require.Equal(t, "d1", first.ID)

	// Resuming from the first sequence skips straight to the second change.
	resumed, err := s.Feed(first.Seq)
	jtest.RequireNil(t, err)

	second, err := resumed.Next(ctx)
	jtest.RequireNil(t, err)
	require.Equal(t, "d2", second.ID)
}
