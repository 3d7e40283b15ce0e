package syncqueue

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/bestbefore/internal/events"
	"github.com/msageha/bestbefore/internal/kv"
	"github.com/msageha/bestbefore/internal/model"
	"github.com/msageha/bestbefore/internal/remote"
	"github.com/msageha/bestbefore/internal/remote/postgrest"
)

type fakeIdentity struct {
	mu     sync.Mutex
	userID string
}

func (f *fakeIdentity) CurrentUser(context.Context) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userID, f.userID != ""
}

func (f *fakeIdentity) set(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userID = userID
}

// countingStore records writes made through it.
type countingStore struct {
	kv.Store
	mu     sync.Mutex
	writes int
}

func (c *countingStore) Set(ctx context.Context, key, value string) error {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	return c.Store.Set(ctx, key, value)
}

func (c *countingStore) Remove(ctx context.Context, key string) error {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	return c.Store.Remove(ctx, key)
}

func (c *countingStore) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []events.EventType
}

func (r *recordingPublisher) Publish(t events.EventType, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, t)
}

func (r *recordingPublisher) seen() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.EventType(nil), r.types...)
}

type fixture struct {
	store    kv.Store
	backend  *remote.MemoryBackend
	identity *fakeIdentity
	queue    *Queue
}

func newFixture(t *testing.T, store kv.Store) *fixture {
	t.Helper()
	if store == nil {
		store = kv.NewMemoryStore()
	}
	f := &fixture{
		store:    store,
		backend:  remote.NewMemoryBackend(),
		identity: &fakeIdentity{userID: "user-1"},
	}
	f.queue = New(f.store, f.backend, f.identity, Options{RequestTimeout: time.Second})
	return f
}

func product(name string) model.AddPayload {
	return model.AddPayload{ID: uuid.NewString(), Name: name, ExpiryDate: "2025-01-10", Category: "Dairy"}
}

func strPtr(s string) *string { return &s }

func (f *fixture) enqueue(t *testing.T, action model.Action, payload any) model.QueueEntry {
	t.Helper()
	e, err := f.queue.Enqueue(context.Background(), action, payload)
	require.NoError(t, err)
	return e
}

func entryIDs(entries []model.QueueEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func TestEnqueue_PersistsInOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	milk := product("Milk")
	a := f.enqueue(t, model.ActionAdd, milk)
	b := f.enqueue(t, model.ActionEdit, model.EditPayload{ID: milk.ID, Updates: model.ProductPatch{Name: strPtr("Oat milk")}})
	c := f.enqueue(t, model.ActionDelete, model.DeletePayload{ID: milk.ID})

	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, entryIDs(pending))
	assert.Equal(t, "user-1", pending[0].UserID)

	raw, found, err := f.store.Get(ctx, QueueKey("user-1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, raw, `"action":"EDIT"`)
}

func TestEnqueue_NoSession(t *testing.T) {
	f := newFixture(t, nil)
	f.identity.set("")

	_, err := f.queue.Enqueue(context.Background(), model.ActionDelete, model.DeletePayload{ID: "p1"})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestEnqueue_KeysAreUserScoped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.enqueue(t, model.ActionDelete, model.DeletePayload{ID: "p1"})
	f.identity.set("user-2")
	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	keys, err := f.store.Keys(ctx, QueueKeyPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{QueueKey("user-1")}, keys)
}

func TestReplay_FIFO(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	milk, eggs := product("Milk"), product("Eggs")
	f.enqueue(t, model.ActionAdd, milk)
	f.enqueue(t, model.ActionAdd, eggs)
	f.enqueue(t, model.ActionEdit, model.EditPayload{ID: milk.ID, Updates: model.ProductPatch{ExpiryDate: strPtr("2025-01-12")}})
	f.enqueue(t, model.ActionDelete, model.DeletePayload{ID: eggs.ID})

	report, err := f.queue.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Loaded)
	assert.Equal(t, 4, report.Applied)
	assert.False(t, report.Halted)

	assert.Equal(t, []remote.Call{
		{Op: "insert", UserID: "user-1", ProductID: milk.ID},
		{Op: "insert", UserID: "user-1", ProductID: eggs.ID},
		{Op: "update", UserID: "user-1", ProductID: milk.ID},
		{Op: "delete", UserID: "user-1", ProductID: eggs.ID},
	}, f.backend.Calls())

	got, ok := f.backend.Product(milk.ID)
	require.True(t, ok)
	assert.Equal(t, "2025-01-12", got.ExpiryDate)
	_, ok = f.backend.Product(eggs.ID)
	assert.False(t, ok)

	_, found, err := f.store.Get(ctx, QueueKey("user-1"))
	require.NoError(t, err)
	assert.False(t, found, "a fully replayed queue is removed")

	last, ok := f.queue.LastReport("user-1")
	require.True(t, ok)
	assert.Equal(t, 4, last.Applied)
}

func TestReplay_RetryableFailurePreservesWholeQueue(t *testing.T) {
	for _, failAt := range []int{1, 2, 3} {
		f := newFixture(t, nil)
		ctx := context.Background()

		f.enqueue(t, model.ActionAdd, product("Milk"))
		f.enqueue(t, model.ActionAdd, product("Eggs"))
		f.enqueue(t, model.ActionAdd, product("Butter"))

		before, _, err := f.store.Get(ctx, QueueKey("user-1"))
		require.NoError(t, err)

		n := 0
		f.backend.Intercept = func(remote.Call) error {
			n++
			if n == failAt {
				return remote.Retryable("insert", errors.New("connection refused"))
			}
			return nil
		}

		report, err := f.queue.Replay(ctx)
		require.Error(t, err)
		assert.True(t, report.Halted)
		assert.Equal(t, failAt, report.HaltPosition)
		assert.Len(t, f.backend.Calls(), failAt, "no entry after the failing one is attempted")

		after, found, err := f.store.Get(ctx, QueueKey("user-1"))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, before, after, "failAt=%d", failAt)
	}
}

func TestReplay_ExpiredJWTHaltsInsteadOfDeadLettering(t *testing.T) {
	var expired atomic.Bool
	expired.Store(true)
	var inserts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		if expired.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"code":"PGRST301","message":"JWT expired"}`)
			return
		}
		inserts.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)

	store := kv.NewMemoryStore()
	identity := &fakeIdentity{userID: "user-1"}
	q := New(store, postgrest.New(srv.URL, "anon-key"), identity, Options{RequestTimeout: time.Second})
	ctx := context.Background()
	for _, name := range []string{"Milk", "Eggs", "Butter"} {
		_, err := q.Enqueue(ctx, model.ActionAdd, product(name))
		require.NoError(t, err)
	}
	before, _, err := store.Get(ctx, QueueKey("user-1"))
	require.NoError(t, err)

	report, err := q.Replay(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrUnauthorized)
	assert.True(t, report.Halted)
	assert.Equal(t, 1, report.HaltPosition)
	assert.Zero(t, report.DeadLettered)

	after, _, err := store.Get(ctx, QueueKey("user-1"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	letters, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, letters)

	// After signing in again the same entries go through.
	expired.Store(false)
	report, err = q.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Applied)
	assert.EqualValues(t, 3, inserts.Load())
	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReplay_SignOutMidPassHalts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.enqueue(t, model.ActionAdd, product("Milk"))
	f.enqueue(t, model.ActionAdd, product("Eggs"))
	f.enqueue(t, model.ActionAdd, product("Butter"))

	f.backend.Intercept = func(remote.Call) error {
		f.identity.set("")
		return nil
	}

	report, err := f.queue.Replay(ctx)
	require.ErrorIs(t, err, ErrNoSession)
	assert.True(t, report.Halted)
	assert.Equal(t, 2, report.HaltPosition)
	assert.Len(t, f.backend.Calls(), 1, "nothing is sent once the session is gone")

	f.backend.Intercept = nil
	f.identity.set("user-1")
	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 3, "the whole loaded queue is kept")

	report, err = f.queue.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)
	assert.Equal(t, 1, report.AlreadyApplied, "the add that landed before sign-out conflicts on replay")
}

func TestReplay_EmptyQueueDoesNotWrite(t *testing.T) {
	store := &countingStore{Store: kv.NewMemoryStore()}
	f := newFixture(t, store)

	report, err := f.queue.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Loaded)
	assert.Zero(t, store.writeCount())
	assert.Empty(t, f.backend.Calls())
}

func TestReplay_NoSessionMakesNoCalls(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t, model.ActionAdd, product("Milk"))
	f.identity.set("")

	report, err := f.queue.Replay(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Empty(t, f.backend.Calls())

	f.identity.set("user-1")
	pending, err := f.queue.Pending(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestReplay_PermanentFailureDeadLettersAndContinues(t *testing.T) {
	pub := &recordingPublisher{}
	f := newFixture(t, nil)
	f.queue = New(f.store, f.backend, f.identity, Options{Events: pub})
	ctx := context.Background()

	milk := product("Milk")
	f.enqueue(t, model.ActionEdit, model.EditPayload{ID: "missing", Updates: model.ProductPatch{Name: strPtr("x")}})
	bad := f.enqueue(t, model.ActionAdd, model.AddPayload{ID: uuid.NewString()})
	f.enqueue(t, model.ActionAdd, milk)

	f.backend.Intercept = func(c remote.Call) error {
		if c.Op == "insert" && c.ProductID != milk.ID {
			return remote.Permanent("insert", errors.New("null value in column \"name\""))
		}
		return nil
	}

	report, err := f.queue.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.DeadLettered)
	assert.Equal(t, 1, report.Applied)

	_, ok := f.backend.Product(milk.ID)
	assert.True(t, ok)

	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	letters, err := f.queue.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, bad.ID, letters[1].Entry.ID)
	assert.True(t, model.IsLocalID(letters[0].ID))
	assert.Contains(t, letters[0].Reason, "no matching row")

	assert.Contains(t, pub.seen(), events.EventEntryDeadLettered)
	assert.Contains(t, pub.seen(), events.EventReplayCompleted)
}

func TestReplay_AlreadyApplied(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	milk := product("Milk")
	require.NoError(t, f.backend.Insert(ctx, "user-1", milk))

	f.enqueue(t, model.ActionAdd, milk)
	f.enqueue(t, model.ActionDelete, model.DeletePayload{ID: "gone"})

	report, err := f.queue.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.AlreadyApplied)
	assert.Zero(t, report.DeadLettered)

	letters, err := f.queue.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestReplay_UndecodableEntriesAreDeadLettered(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	raw := `[
		{"id":"mq_1736467200123_a3f2b7c1","action":"UPSERT","table":"products","payload":{"id":"p1"},"timestamp":"2025-01-10T00:00:00.123Z"},
		{"id":"mq_1736467200124_a3f2b7c2","action":"DELETE","table":"products","payload":{},"timestamp":"2025-01-10T00:00:00.124Z"},
		{"id":"mq_1736467200125_a3f2b7c3","action":"DELETE","table":"products","payload":{"id":"p2"},"timestamp":"2025-01-10T00:00:00.125Z"}
	]`
	require.NoError(t, f.store.Set(ctx, QueueKey("user-1"), raw))

	report, err := f.queue.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.DeadLettered)
	assert.Equal(t, 1, report.AlreadyApplied)
	assert.Equal(t, []remote.Call{{Op: "delete", UserID: "user-1", ProductID: "p2"}}, f.backend.Calls())
}

func TestReplay_EntriesEnqueuedDuringReplaySurvive(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.enqueue(t, model.ActionAdd, product("Milk"))
	f.enqueue(t, model.ActionAdd, product("Eggs"))

	var late model.QueueEntry
	var once sync.Once
	f.backend.Intercept = func(remote.Call) error {
		once.Do(func() {
			var err error
			late, err = f.queue.Enqueue(ctx, model.ActionDelete, model.DeletePayload{ID: "p-late"})
			require.NoError(t, err)
		})
		return nil
	}

	report, err := f.queue.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)

	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{late.ID}, entryIDs(pending))
}

func TestReplay_ConcurrentCallsAreSerialized(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.enqueue(t, model.ActionAdd, product("Item"))
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.queue.Replay(ctx)
		}()
	}
	wg.Wait()

	// Each entry is dispatched exactly once across all passes.
	assert.Len(t, f.backend.Calls(), 5)
	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

type blockingStore struct{ remote.ProductStore }

func (blockingStore) Insert(ctx context.Context, _ string, _ model.ProductRecord) error {
	<-ctx.Done()
	return remote.Retryable("insert", ctx.Err())
}

func TestReplay_RequestTimeoutHalts(t *testing.T) {
	store := kv.NewMemoryStore()
	identity := &fakeIdentity{userID: "user-1"}
	q := New(store, blockingStore{}, identity, Options{RequestTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, model.ActionAdd, product("Milk"))
	require.NoError(t, err)

	start := time.Now()
	report, err := q.Replay(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, report.Halted)
	assert.Less(t, time.Since(start), 5*time.Second)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRequeueAndPurge(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	milk := product("Milk")
	edit := f.enqueue(t, model.ActionEdit, model.EditPayload{ID: milk.ID, Updates: model.ProductPatch{Name: strPtr("Oat milk")}})
	f.enqueue(t, model.ActionDelete, model.DeletePayload{ID: "p-other"})

	_, err := f.queue.Replay(ctx)
	require.NoError(t, err)
	letters, err := f.queue.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	_, err = f.queue.Requeue(ctx, "dl_1736467200123_00000000")
	assert.ErrorIs(t, err, ErrDeadLetterNotFound)

	// Once the product exists the edit can go through.
	require.NoError(t, f.backend.Insert(ctx, "user-1", milk))
	requeued, err := f.queue.Requeue(ctx, edit.ID)
	require.NoError(t, err)
	assert.Equal(t, edit.ID, requeued.ID)

	letters, err = f.queue.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, letters)

	report, err := f.queue.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	got, _ := f.backend.Product(milk.ID)
	assert.Equal(t, "Oat milk", got.Name)

	f.enqueue(t, model.ActionEdit, model.EditPayload{ID: "missing", Updates: model.ProductPatch{Name: strPtr("x")}})
	_, err = f.queue.Replay(ctx)
	require.NoError(t, err)

	n, err := f.queue.PurgeDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	letters, err = f.queue.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestLoad_CorruptQueueIsDiscardedNotRolledBack(t *testing.T) {
	base := t.TempDir()
	store, err := kv.NewFileStore(base, base+"/state")
	require.NoError(t, err)
	f := newFixture(t, store)
	ctx := context.Background()

	// The .bak still holds the edit after it has been applied.
	edit := f.enqueue(t, model.ActionEdit, model.EditPayload{ID: "p1", Updates: model.ProductPatch{Name: strPtr("Oat milk")}})
	f.enqueue(t, model.ActionDelete, model.DeletePayload{ID: "p2"})
	require.FileExists(t, store.PathFor(QueueKey("user-1"))+".bak")

	require.NoError(t, os.WriteFile(store.PathFor(QueueKey("user-1")), []byte(`[{"id":`), 0644))

	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "the stale generation holding %s is not replayed", edit.ID)
	assert.NoFileExists(t, store.PathFor(QueueKey("user-1"))+".bak")

	quarantined, err := os.ReadDir(base + "/quarantine")
	require.NoError(t, err)
	assert.Len(t, quarantined, 1)

	report, err := f.queue.Replay(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Loaded)
	assert.Empty(t, f.backend.Calls())
}

func TestLoad_CorruptDeadLettersRestoreBackup(t *testing.T) {
	base := t.TempDir()
	store, err := kv.NewFileStore(base, base+"/state")
	require.NoError(t, err)
	ctx := context.Background()

	first := `[{"id":"dl_1700000000000_0000abcd"}]`
	require.NoError(t, store.Set(ctx, DeadLetterKey("user-1"), first))
	require.NoError(t, store.Set(ctx, DeadLetterKey("user-1"), `[]`))
	require.NoError(t, os.WriteFile(store.PathFor(DeadLetterKey("user-1")), []byte(`[{`), 0644))

	q := New(store, remote.NewMemoryBackend(), &fakeIdentity{userID: "user-1"}, Options{})
	letters, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "dl_1700000000000_0000abcd", letters[0].ID)
}

func TestLoad_CorruptValueWithoutBackupIsEmpty(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, QueueKey("user-1"), "not json"))

	report, err := f.queue.Replay(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Loaded)

	// The queue is usable again afterwards.
	f.enqueue(t, model.ActionDelete, model.DeletePayload{ID: "p1"})
	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
