package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type row struct {
	id string
	at time.Time
}

func TestBuildCursorPageInfo(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := []*row{{"a", now}, {"b", now.Add(-time.Second)}, {"c", now.Add(-2 * time.Second)}}

	page, info, err := BuildCursorPageInfo(rows, 2, func(r *row) Cursor { return Cursor{CreatedAt: r.at, ID: r.id} })
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.True(t, info.HasMore)

	cur, err := DecodeCursor(info.NextCursor)
	require.NoError(t, err)
	require.Equal(t, "b", cur.ID)
	require.True(t, cur.CreatedAt.Equal(now.Add(-time.Second)))

	page, info, err = BuildCursorPageInfo(rows, 3, func(r *row) Cursor { return Cursor{CreatedAt: r.at, ID: r.id} })
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.False(t, info.HasMore)
	require.Empty(t, info.NextCursor)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("not-base64!!")
	require.Error(t, err)

	empty, err := EncodeCursor(Cursor{})
	require.NoError(t, err)
	_, err = DecodeCursor(empty)
	require.Error(t, err)
}

func TestNormalize(t *testing.T) {
	require.Equal(t, DefaultLimit, Pagination{}.Normalize().Limit)
	require.Equal(t, MaxLimit, Pagination{Limit: 10000}.Normalize().Limit)
	require.Equal(t, 7, Pagination{Limit: 7}.Normalize().Limit)
}
