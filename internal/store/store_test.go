package store_test

import (
	"testing"
	"time"

	"github.com/2beens/fitsync/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyWrite(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	current := store.Data{"likes": float64(2), "authorId": "u1"}

	next, err := store.ApplyWrite(current, true, store.OpUpdate, store.Data{
		"likes":     store.Increment(-1),
		"editedAt":  store.ServerTimestamp,
		"followers": store.Increment(1),
	}, now)
	require.NoError(t, err)
	assert.Equal(t, store.Data{
		"likes":     float64(1),
		"authorId":  "u1",
		"editedAt":  "2024-01-02T03:04:05Z",
		"followers": float64(1),
	}, next)
	// the input is never mutated
	assert.Equal(t, float64(2), current["likes"])

	next, err = store.ApplyWrite(current, true, store.OpSet, store.Data{"likes": 5}, now)
	require.NoError(t, err)
	assert.Equal(t, store.Data{"likes": float64(5)}, next)

	next, err = store.ApplyWrite(current, true, store.OpSetMerge, store.Data{"likes": 5}, now)
	require.NoError(t, err)
	assert.Equal(t, store.Data{"likes": float64(5), "authorId": "u1"}, next)

	_, err = store.ApplyWrite(nil, false, store.OpUpdate, store.Data{"likes": 1}, now)
	assert.ErrorIs(t, err, store.ErrDocNotFound)

	_, err = store.ApplyWrite(current, true, store.OpUpdate, store.Data{"authorId": store.Increment(1)}, now)
	assert.ErrorIs(t, err, store.ErrNotANumber)

	next, err = store.ApplyWrite(current, true, store.OpDelete, nil, now)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestHasSentinels(t *testing.T) {
	assert.False(t, store.HasSentinels(store.Data{"a": 1}))
	assert.True(t, store.HasSentinels(store.Data{"a": store.Increment(1)}))
	assert.True(t, store.HasSentinels(store.Data{"a": store.ServerTimestamp}))
}

func TestConversions(t *testing.T) {
	f, err := store.ToFloat(nil)
	require.NoError(t, err)
	assert.Zero(t, f)

	n, err := store.ToInt(2.9999999)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = store.ToInt("7")
	assert.ErrorIs(t, err, store.ErrNotANumber)

	ids, err := store.ToStringSlice([]any{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	_, err = store.ToStringSlice([]any{"a", 1.0})
	assert.ErrorIs(t, err, store.ErrInvalidDocument)
}

func TestEncodeDecode(t *testing.T) {
	type post struct {
		ID        string    `json:"id"`
		Likes     int       `json:"likes"`
		CreatedAt time.Time `json:"createdAt"`
	}
	in := post{ID: "p1", Likes: 3, CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	data, err := store.Encode(in)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:00:00Z", data["createdAt"])

	var out post
	require.NoError(t, store.Decode(data, &out))
	assert.Equal(t, in, out)
}

func snaps(docs map[string]store.Data) []store.Snapshot {
	out := make([]store.Snapshot, 0, len(docs))
	for id, d := range docs {
		n, _ := store.Normalize(d)
		out = append(out, store.Snapshot{Ref: store.Doc("posts", id), Data: n, Exists: true})
	}
	return out
}

func ids(s []store.Snapshot) []string {
	out := make([]string, 0, len(s))
	for _, snap := range s {
		out = append(out, snap.Ref.ID)
	}
	return out
}

func TestApplyQuery(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	docs := snaps(map[string]store.Data{
		"a": {"authorId": "u1", "createdAt": base, "tags": []string{"legs"}, "likes": 3},
		"b": {"authorId": "u2", "createdAt": base.Add(time.Hour), "tags": []string{"push"}, "likes": 10},
		"c": {"authorId": "u1", "createdAt": base.Add(2 * time.Hour), "likes": 3},
		"d": {"authorId": "u3", "createdAt": "not a date", "likes": 1},
	})

	tests := []struct {
		name string
		q    store.Query
		want []string
	}{
		{
			name: "equality",
			q:    store.NewQuery("posts").Where("authorId", store.OpEq, "u1"),
			want: []string{"a", "c"},
		},
		{
			name: "not equal",
			q:    store.NewQuery("posts").Where("authorId", store.OpNeq, "u1"),
			want: []string{"b", "d"},
		},
		{
			name: "in with time ordering desc",
			q: store.NewQuery("posts").
				Where("authorId", store.OpIn, []string{"u1", "u2"}).
				Order("createdAt", true),
			want: []string{"c", "b", "a"},
		},
		{
			name: "range on times ignores strings",
			q:    store.NewQuery("posts").Where("createdAt", store.OpGt, base),
			want: []string{"b", "c"},
		},
		{
			name: "array contains",
			q:    store.NewQuery("posts").Where("tags", store.OpArrayContains, "push"),
			want: []string{"b"},
		},
		{
			name: "order ties broken by id, then limit",
			q:    store.NewQuery("posts").Order("likes", false).WithLimit(3),
			want: []string{"d", "a", "c"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, tc.q.Validate())
			assert.Equal(t, tc.want, ids(store.ApplyQuery(tc.q, docs)))
		})
	}
}

func TestQueryValidate(t *testing.T) {
	assert.Error(t, store.Query{}.Validate())
	assert.Error(t, store.NewQuery("posts").Where("", store.OpEq, 1).Validate())
	assert.Error(t, store.NewQuery("posts").Where("a", "~", 1).Validate())
	assert.Error(t, store.NewQuery("posts").Where("a", store.OpIn, "x").Validate())
	assert.Error(t, store.NewQuery("posts").WithLimit(-1).Validate())
	assert.NoError(t, store.NewQuery("posts").Where("a", store.OpIn, []any{"x"}).Validate())
}

func TestWhereDoesNotAlias(t *testing.T) {
	base := store.NewQuery("posts").Where("a", store.OpEq, 1)
	q1 := base.Where("b", store.OpEq, 2)
	q2 := base.Where("c", store.OpEq, 3)
	assert.Len(t, base.Filters, 1)
	assert.Equal(t, "b", q1.Filters[1].Field)
	assert.Equal(t, "c", q2.Filters[1].Field)
}
