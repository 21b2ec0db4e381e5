package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlops/internal/crawler"
	"github.com/JakeFAU/crawlops/internal/session"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store, err := Open(context.Background(), Options{Dir: t.TempDir(), Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store, clock
}

func hours(v int) *int { return &v }

func TestOpenCreatesDatabaseFile(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested")
	store, err := Open(context.Background(), Options{Dir: dir})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	require.Equal(t, filepath.Join(dir, FileName), store.Path())
	require.FileExists(t, store.Path())

	_, err = Open(context.Background(), Options{})
	require.Error(t, err)
}

func TestSaveSupersedesSameKey(t *testing.T) {
	t.Parallel()

	store, clock := newStore(t)
	ctx := context.Background()

	first, err := store.Save(ctx, "corp.example", json.RawMessage(`{"cookies":{"sid":"one"}}`), session.SaveOptions{SessionName: "work"})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	second, err := store.Save(ctx, "Corp.Example", json.RawMessage(`{"cookies":{"sid":"two"}}`), session.SaveOptions{SessionName: "work", Notes: "re-login"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	active, err := store.List(ctx, session.ListFilter{Domain: "corp.example", ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.JSONEq(t, `{"cookies":{"sid":"two"}}`, string(active[0].Payload))
	require.Equal(t, "re-login", active[0].Notes)

	loaded, err := store.Load(ctx, "corp.example", "work")
	require.NoError(t, err)
	require.JSONEq(t, `{"cookies":{"sid":"two"}}`, string(loaded.Payload))
	require.Equal(t, clock.Now(), loaded.CreatedAt)
}

func TestLoadExpiredIsNotFound(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := context.Background()

	rec, err := store.Save(ctx, "corp.example", json.RawMessage(`{"tokens":{"token":"x"}}`), session.SaveOptions{ExpiresInHours: hours(0)})
	require.NoError(t, err)
	require.Positive(t, rec.ID)

	_, err = store.Load(ctx, "corp.example", "")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	all, err := store.List(ctx, session.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1, "expired rows stay until cleared")
}

func TestLoadExpiresWithClock(t *testing.T) {
	t.Parallel()

	store, clock := newStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, "a.test", json.RawMessage(`{}`), session.SaveOptions{ExpiresInHours: hours(1)})
	require.NoError(t, err)
	_, err = store.Load(ctx, "a.test", "")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = store.Load(ctx, "a.test", "")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestLoadWithoutNamePrefersCanonical(t *testing.T) {
	t.Parallel()

	store, clock := newStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, "a.test", json.RawMessage(`{"n":"canonical"}`), session.SaveOptions{})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = store.Save(ctx, "a.test", json.RawMessage(`{"n":"named"}`), session.SaveOptions{SessionName: "alt"})
	require.NoError(t, err)

	rec, err := store.Load(ctx, "a.test", "")
	require.NoError(t, err)
	require.JSONEq(t, `{"n":"canonical"}`, string(rec.Payload))

	_, err = store.Delete(ctx, session.DeleteRequest{Domain: "a.test", SessionName: new(string)})
	require.NoError(t, err)
	rec, err = store.Load(ctx, "a.test", "")
	require.NoError(t, err)
	require.Equal(t, "alt", rec.SessionName)

	_, err = store.Load(ctx, "b.test", "")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestSaveRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, "a.test", json.RawMessage(`{}`), session.SaveOptions{ExpiresInHours: hours(-2)})
	require.ErrorIs(t, err, crawler.ErrInvalidInput)
	_, err = store.Save(ctx, " ", json.RawMessage(`{}`), session.SaveOptions{})
	require.ErrorIs(t, err, crawler.ErrInvalidInput)

	domains, err := store.Domains(ctx)
	require.NoError(t, err)
	require.Empty(t, domains)
}

func TestDeleteVariants(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := context.Background()

	a1, err := store.Save(ctx, "a.test", json.RawMessage(`{}`), session.SaveOptions{SessionName: "one"})
	require.NoError(t, err)
	_, err = store.Save(ctx, "a.test", json.RawMessage(`{}`), session.SaveOptions{SessionName: "two"})
	require.NoError(t, err)
	_, err = store.Save(ctx, "a.test", json.RawMessage(`{}`), session.SaveOptions{SessionName: "three"})
	require.NoError(t, err)
	_, err = store.Save(ctx, "b.test", json.RawMessage(`{}`), session.SaveOptions{})
	require.NoError(t, err)

	n, err := store.Delete(ctx, session.DeleteRequest{ID: a1.ID})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	two := "two"
	n, err = store.Delete(ctx, session.DeleteRequest{Domain: "a.test", SessionName: &two})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = store.Delete(ctx, session.DeleteRequest{Domain: "a.test"})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	domains, err := store.Domains(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"b.test"}, domains)

	_, err = store.Delete(ctx, session.DeleteRequest{})
	require.ErrorIs(t, err, crawler.ErrInvalidInput)
}

func TestClearExpiredAndClear(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, "a.test", json.RawMessage(`{}`), session.SaveOptions{SessionName: "old", ExpiresInHours: hours(0)})
	require.NoError(t, err)
	_, err = store.Save(ctx, "a.test", json.RawMessage(`{}`), session.SaveOptions{SessionName: "fresh"})
	require.NoError(t, err)
	_, err = store.Save(ctx, "b.test", json.RawMessage(`{}`), session.SaveOptions{ExpiresInHours: hours(0)})
	require.NoError(t, err)

	n, err := store.ClearExpired(ctx, "a.test")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = store.ClearExpired(ctx, "")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	all, err := store.List(ctx, session.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "fresh", all[0].SessionName)

	n, err = store.Clear(ctx, "", false)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestUsageLogAndStats(t *testing.T) {
	t.Parallel()

	store, clock := newStore(t)
	ctx := context.Background()

	rec, err := store.Save(ctx, "a.test", json.RawMessage(`{}`), session.SaveOptions{})
	require.NoError(t, err)

	stats, err := store.Stats(ctx, rec.ID)
	require.NoError(t, err)
	require.Zero(t, stats.TotalUses)
	require.Nil(t, stats.LastUsed)

	require.NoError(t, store.LogUsage(ctx, rec.ID, "https://a.test/1", true, ""))
	clock.Advance(time.Second)
	require.NoError(t, store.LogUsage(ctx, rec.ID, "https://a.test/2", false, "403"))

	stats, err = store.Stats(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.TotalUses)
	require.Equal(t, int64(1), stats.SuccessfulUses)
	require.InDelta(t, 50.0, stats.SuccessRate, 1e-9)
	require.NotNil(t, stats.LastUsed)
	require.Equal(t, clock.Now(), *stats.LastUsed)

	require.ErrorIs(t, store.LogUsage(ctx, 9999, "https://a.test/", true, ""), crawler.ErrNotFound)
	_, err = store.Stats(ctx, 9999)
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestConcurrentSavesDifferentKeys(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, d := range []string{"a.test", "b.test", "c.test", "d.test"} {
		wg.Add(1)
		go func(domain string) {
			defer wg.Done()
			_, err := store.Save(ctx, domain, json.RawMessage(`{}`), session.SaveOptions{})
			require.NoError(t, err)
		}(d)
	}
	wg.Wait()

	domains, err := store.Domains(ctx)
	require.NoError(t, err)
	require.Len(t, domains, 4)
}
