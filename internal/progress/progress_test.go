package progress

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldops/internal/model"
)

func TestRecordSets(t *testing.T) {
	rec := Record{ID: "v-1"}
	assert.True(t, rec.Empty())

	photo := Key(model.ActivityPhoto, "storefront")
	survey := Key(model.ActivitySurvey, "satisfaction")

	rec.MarkSkipped(survey)
	rec.MarkSkipped(survey)
	require.Len(t, rec.Skipped, 1)

	// Completion wins over an earlier skip of the same activity.
	rec.MarkCompleted(survey)
	assert.True(t, rec.HasCompleted(survey))
	assert.False(t, rec.HasSkipped(survey))

	// A later skip cannot demote a completion.
	rec.MarkSkipped(survey)
	assert.True(t, rec.HasCompleted(survey))
	assert.False(t, rec.HasSkipped(survey))

	rec.MarkCompleted(photo)
	rec.MarkCompleted(photo)
	require.Len(t, rec.Completed, 2)

	rec.AddMedia(model.MediaRef{ID: "m-1"})
	rec.AddMedia(model.MediaRef{ID: "m-1"})
	require.Len(t, rec.Media, 1)
	assert.False(t, rec.Empty())
}

func TestKeyDisambiguatesTypeAndName(t *testing.T) {
	assert.NotEqual(t,
		Key(model.ActivityPhoto, "shelf"),
		Key(model.ActivityStockCount, "shelf"))
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.db")

	st, err := OpenSQLite(path)
	require.NoError(t, err)

	rec := Record{ID: "v-1"}
	rec.MarkCompleted(Key(model.ActivityPhoto, "storefront"))
	rec.AddMedia(model.MediaRef{ID: "m-1", Kind: "photo", URI: "file:///tmp/m-1.jpg"})
	require.NoError(t, st.Save(rec))
	require.NoError(t, st.Close())

	// Same file, new process.
	st, err = OpenSQLite(path)
	require.NoError(t, err)
	defer st.Close()

	got, ok, err := st.Load("v-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.HasCompleted(Key(model.ActivityPhoto, "storefront")))
	require.Len(t, got.Media, 1)
	assert.Equal(t, "file:///tmp/m-1.jpg", got.Media[0].URI)
	assert.NotEmpty(t, got.UpdatedAt)

	_, ok, err = st.Load("v-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteSaveOverwritesAndDelete(t *testing.T) {
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "progress.db"))
	require.NoError(t, err)
	defer st.Close()

	rec := Record{ID: "v-1"}
	rec.MarkCompleted("photo|a")
	require.NoError(t, st.Save(rec))
	rec.MarkCompleted("photo|b")
	require.NoError(t, st.Save(rec))

	got, ok, err := st.Load("v-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got.Completed, 2)

	require.NoError(t, st.Delete("v-1"))
	_, ok, err = st.Load("v-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting an absent record is a no-op.
	require.NoError(t, st.Delete("v-1"))
}
