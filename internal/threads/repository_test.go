package threads

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janhq/cortex/pkg/cortexerr"
	"github.com/janhq/cortex/pkg/models"
)

func newRepo(t *testing.T) *Repository {
	t.Helper()
	r, err := NewRepository(t.TempDir())
	require.NoError(t, err)
	return r
}

func TestCreateRetrieveRoundTrip(t *testing.T) {
	r := newRepo(t)
	th := models.Thread{Title: "chat", Metadata: map[string]any{"pinned": true}}
	require.NoError(t, r.Create(&th))
	require.NotEmpty(t, th.ID)

	got, err := r.Retrieve(th.ID)
	require.NoError(t, err)
	assert.Equal(t, th.ID, got.ID)
	assert.Equal(t, "chat", got.Title)
	assert.Equal(t, true, got.Metadata["pinned"])
	assert.Equal(t, "thread", got.Object)
	assert.NotZero(t, got.CreatedAt)
}

func TestCreateRejectsExistingID(t *testing.T) {
	r := newRepo(t)
	th := models.Thread{ID: "fixed"}
	require.NoError(t, r.Create(&th))

	dup := models.Thread{ID: "fixed"}
	err := r.Create(&dup)
	assert.True(t, cortexerr.Is(err, cortexerr.KindAlreadyExists))
}

func TestModifyRequiresMetadata(t *testing.T) {
	r := newRepo(t)
	th := models.Thread{ID: "t1"}
	require.NoError(t, r.Create(&th))

	_, err := r.Modify("t1", models.ThreadPatch{})
	assert.True(t, cortexerr.Is(err, cortexerr.KindBadRequest))

	title := "renamed"
	got, err := r.Modify("t1", models.ThreadPatch{
		Title:    &title,
		Metadata: map[string]any{"k": "v"},
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)
	assert.Equal(t, "v", got.Metadata["k"])
}

func TestDeleteRemovesThreadAndLock(t *testing.T) {
	r := newRepo(t)
	th := models.Thread{ID: "gone"}
	require.NoError(t, r.Create(&th))
	require.NoError(t, r.Delete("gone"))

	r.metaMu.RLock()
	_, held := r.locks["gone"]
	r.metaMu.RUnlock()
	assert.False(t, held)

	_, err := r.Retrieve("gone")
	assert.True(t, cortexerr.Is(err, cortexerr.KindNotFound))

	err = r.Delete("gone")
	assert.True(t, cortexerr.Is(err, cortexerr.KindNotFound))
}

func TestListOrderAndCursor(t *testing.T) {
	r := newRepo(t)
	for i, id := range []string{"a", "b", "c"} {
		th := models.Thread{ID: id, CreatedAt: int64(100 + i)}
		require.NoError(t, r.Create(&th))
	}

	asc, err := r.List(10, "asc", "", "")
	require.NoError(t, err)
	require.Len(t, asc, 3)
	assert.Equal(t, "a", asc[0].ID)
	assert.Equal(t, "c", asc[2].ID)

	desc, err := r.List(10, "desc", "", "")
	require.NoError(t, err)
	assert.Equal(t, "c", desc[0].ID)

	after, err := r.List(10, "asc", "a", "")
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "b", after[0].ID)

	limited, err := r.List(1, "asc", "", "")
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMessagesAppendAndList(t *testing.T) {
	r := newRepo(t)
	th := models.Thread{ID: "t1"}
	require.NoError(t, r.Create(&th))

	for _, text := range []string{"one", "two", "three"} {
		m := models.Message{Role: models.RoleUser, Content: text}
		require.NoError(t, r.CreateMessage("t1", &m))
		assert.NotEmpty(t, m.ID)
		assert.Equal(t, "t1", m.ThreadID)
	}

	msgs, err := r.ListMessages("t1", 0, "asc", "", "")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "three", msgs[2].Content)

	desc, err := r.ListMessages("t1", 2, "desc", "", "")
	require.NoError(t, err)
	require.Len(t, desc, 2)
	assert.Equal(t, "three", desc[0].Content)
}

func TestMessageModifyAndDelete(t *testing.T) {
	r := newRepo(t)
	require.NoError(t, r.Create(&models.Thread{ID: "t1"}))

	m := models.Message{Role: models.RoleUser, Content: "before"}
	require.NoError(t, r.CreateMessage("t1", &m))

	got, err := r.ModifyMessage("t1", m.ID, "after")
	require.NoError(t, err)
	assert.Equal(t, "after", got.Content)

	reread, err := r.RetrieveMessage("t1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, "after", reread.Content)

	require.NoError(t, r.DeleteMessage("t1", m.ID))
	_, err = r.RetrieveMessage("t1", m.ID)
	assert.True(t, cortexerr.Is(err, cortexerr.KindNotFound))
}

func TestMessageToMissingThread(t *testing.T) {
	r := newRepo(t)
	m := models.Message{Role: models.RoleUser, Content: "x"}
	err := r.CreateMessage("nope", &m)
	assert.True(t, cortexerr.Is(err, cortexerr.KindNotFound))
}

// Readers racing a writer must always see a complete document.
func TestConcurrentReadersSeeWholeDocument(t *testing.T) {
	r := newRepo(t)
	require.NoError(t, r.Create(&models.Thread{ID: "t1", Metadata: map[string]any{"n": 0.0}}))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, err := r.Modify("t1", models.ThreadPatch{Metadata: map[string]any{"n": float64(i)}})
			assert.NoError(t, err)
		}
		close(stop)
	}()

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				got, err := r.Retrieve("t1")
				if assert.NoError(t, err) {
					assert.Contains(t, got.Metadata, "n")
				}
			}
		}()
	}
	wg.Wait()
}
