package schema

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type article struct {
	OrgScoped
	Title   string
	Summary string `gorm:"column:abstract"`
	Cover   FileID `gorm:"column:cover_id"`
	Icon    *FileID
	Views   int64
	hidden  string
	Skipped string `gorm:"-"`
}

func TestToSnake(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Title", "title"},
		{"ID", "id"},
		{"OrgID", "org_id"},
		{"CreatedAt", "created_at"},
		{"TmdbID", "tmdb_id"},
		{"HTTPTimeout", "http_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ToSnake(tt.input))
		})
	}
}

func TestColumnsOf(t *testing.T) {
	cols := ColumnsOf(&article{})

	// Embedded shape columns are collected recursively.
	for _, name := range []string{"id", "created_at", "updated_at", "user_id", "org_id", "deleted_at", "title", "abstract", "cover_id", "icon", "views"} {
		assert.True(t, cols.Has(name), name)
	}

	assert.False(t, cols.Has("hidden"), "unexported fields are skipped")
	assert.False(t, cols.Has("skipped"), "gorm:\"-\" fields are skipped")

	files := cols.FileColumns()
	require.Len(t, files, 2)
	names := []string{files[0].Name, files[1].Name}
	assert.Contains(t, names, "cover_id")
	assert.Contains(t, names, "icon")
}

func TestColumnSet_Sanitize(t *testing.T) {
	cols := ColumnsOf(&article{})

	clean := cols.Sanitize(map[string]any{
		"title":      "ok",
		"abstract":   "ok",
		"id":         uuid.New(),              // protected
		"user_id":    uuid.New(),              // protected
		"org_id":     uuid.New(),              // protected
		"deleted_at": time.Now(),              // protected
		"editors":    []uuid.UUID{uuid.New()}, // protected
		"unknown":    "dropped",
	})

	assert.Equal(t, map[string]any{"title": "ok", "abstract": "ok"}, clean)
}

func TestColumnSet_ValueAndSetValue(t *testing.T) {
	cols := ColumnsOf(&article{})
	a := &article{Title: "hello"}

	v, ok := cols.Value(a, "title")
	require.True(t, ok)
	assert.Equal(t, "hello", v)

	_, ok = cols.Value(a, "missing")
	assert.False(t, ok)

	// Assignable and convertible writes.
	require.NoError(t, cols.SetValue(a, "title", "changed"))
	assert.Equal(t, "changed", a.Title)

	require.NoError(t, cols.SetValue(a, "cover_id", "blob-1"))
	assert.Equal(t, FileID("blob-1"), a.Cover)

	require.NoError(t, cols.SetValue(a, "views", 7))
	assert.EqualValues(t, 7, a.Views)

	// Values into pointer fields, and nil to clear.
	require.NoError(t, cols.SetValue(a, "icon", "blob-2"))
	require.NotNil(t, a.Icon)
	assert.Equal(t, FileID("blob-2"), *a.Icon)
	require.NoError(t, cols.SetValue(a, "icon", nil))
	assert.Nil(t, a.Icon)

	now := time.Now()
	require.NoError(t, cols.SetValue(a, "deleted_at", now))
	require.NotNil(t, a.DeletedAt)
	assert.True(t, a.DeletedAt.Equal(now))

	// Incompatible kinds are rejected.
	assert.Error(t, cols.SetValue(a, "title", 42))
}

func TestCacheEntry_Fresh(t *testing.T) {
	now := time.Now()
	e := &CacheEntry{UpdatedAt: now.Add(-time.Hour)}

	assert.True(t, e.Fresh(time.Hour+time.Millisecond, now))
	assert.False(t, e.Fresh(time.Hour, now))
	assert.False(t, e.Fresh(time.Hour-time.Millisecond, now))
}

func TestUUIDList_Contains(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	l := UUIDList{a}

	assert.True(t, l.Contains(a))
	assert.False(t, l.Contains(b))
	assert.False(t, UUIDList(nil).Contains(a))
}
