package memstore_test

import (
	"context"
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/chwkit/sentinel"
	"github.com/chwkit/sentinel/adapters/adaptertest"
	"github.com/chwkit/sentinel/adapters/memstore"
)

func TestStore(t *testing.T) {
	adaptertest.RunStoreTest(t, func(t *testing.T) (sentinel.Store, sentinel.AuditStore, sentinel.ChangeFeed) {
		s := memstore.New()
		return s, s, s.Feed()
	})
}

func TestFeedRewind(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	feed := s.Feed()

	_, err := s.Save(ctx, &sentinel.Doc{ID: "doc-1", Type: "data_record"})
	jtest.RequireNil(t, err)

	first, err := feed.Next(ctx)
	jtest.RequireNil(t, err)

	// A rewound feed redelivers the same change with the same sequence.
	feed.Rewind()
	again, err := feed.Next(ctx)
	jtest.RequireNil(t, err)
	require.Equal(t, first.Seq, again.Seq)
	require.Equal(t, first.ID, again.ID)
}

func TestSaveErrInjection(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	boom := context.DeadlineExceeded
	s.SetSaveErr(boom)
	_, err := s.Save(ctx, &sentinel.Doc{ID: "doc-1"})
	jtest.Require(t, boom, err)

	s.SetSaveErr(nil)
	_, err = s.Save(ctx, &sentinel.Doc{ID: "doc-1"})
	jtest.RequireNil(t, err)
}
