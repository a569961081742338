package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := OpenWithDB(context.Background(), db, "sqlite3", nil)
	require.NoError(t, err)
	return s
}

type record struct {
	Name string `json:"name"`
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, KindAgent, "a1", record{Name: "alice"}))

	var out record
	require.NoError(t, s.Get(ctx, KindAgent, "a1", &out))
	require.Equal(t, "alice", out.Name)
}

func TestGetMissingReturnsErrNoRows(t *testing.T) {
	s := newTestStore(t)
	var out record
	err := s.Get(context.Background(), KindAgent, "missing", &out)
	require.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestPutUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, KindAgent, "a1", record{Name: "alice"}))
	require.NoError(t, s.Put(ctx, KindAgent, "a1", record{Name: "alice-v2"}))

	var out record
	require.NoError(t, s.Get(ctx, KindAgent, "a1", &out))
	require.Equal(t, "alice-v2", out.Name)
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, KindAgent, "a1", record{Name: "alice"}))
	require.NoError(t, s.Put(ctx, KindAgent, "a2", record{Name: "bob"}))
	require.NoError(t, s.Put(ctx, KindWallet, "w1", record{Name: "should not appear"}))

	var names []string
	require.NoError(t, s.List(ctx, KindAgent, func(raw []byte) error {
		var r record
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		names = append(names, r.Name)
		return nil
	}))
	require.ElementsMatch(t, []string{"alice", "bob"}, names)
}
