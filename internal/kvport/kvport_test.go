package kvport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSetDel(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "missing")
	assert.Equal(t, ErrNotFound, err)

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, m.Del(ctx, "k"))
	_, err = m.Get(ctx, "k")
	assert.Equal(t, ErrNotFound, err)
}

func TestMemoryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, err := m.Get(ctx, "k")
	assert.Equal(t, ErrNotFound, err)
}

func TestMemoryIncrWindow(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i := 0; i < 3; i++ {
		res, err := m.IncrWindow(ctx, "w", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res, err := m.IncrWindow(ctx, "w", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.True(t, res.ResetAt.After(time.Now()))
}

func TestMemoryIncrWindowResets(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	res, err := m.IncrWindow(ctx, "w", 1, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, _ = m.IncrWindow(ctx, "w", 1, 10*time.Millisecond)
	assert.False(t, res.Allowed)

	time.Sleep(20 * time.Millisecond)
	res, _ = m.IncrWindow(ctx, "w", 1, 10*time.Millisecond)
	assert.True(t, res.Allowed)
}

func TestMemoryDelPrefix(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Set(ctx, "ticket:a", []byte("1"), time.Minute))
	require.NoError(t, m.Set(ctx, "ticket:b", []byte("2"), time.Minute))
	require.NoError(t, m.Set(ctx, "other:c", []byte("3"), time.Minute))

	require.NoError(t, m.DelPrefix(ctx, "ticket:"))

	_, err := m.Get(ctx, "ticket:a")
	assert.Equal(t, ErrNotFound, err)
	_, err = m.Get(ctx, "other:c")
	assert.NoError(t, err)
}

func TestMemoryDelOneClaimsOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))

	ok, err := m.DelOne(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.DelOne(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryDelOneConcurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))

	const callers = 16
	var claims int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.DelOne(ctx, "k")
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&claims, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&claims))
}

// brokenKV fails every call, standing in for a down Redis.
type brokenKV struct{}

var errDown = errors.New("connection refused")

func (brokenKV) Get(context.Context, string) ([]byte, error) { return nil, errDown }
func (brokenKV) Set(context.Context, string, []byte, time.Duration) error {
	return errDown
}
func (brokenKV) Del(context.Context, ...string) error { return errDown }
func (brokenKV) DelOne(context.Context, string) (bool, error) {
	return false, errDown
}
func (brokenKV) IncrWindow(context.Context, string, int, time.Duration) (WindowResult, error) {
	return WindowResult{}, errDown
}
func (brokenKV) DelPrefix(context.Context, string) error { return errDown }

func TestFailoverFallsBack(t *testing.T) {
	ctx := context.Background()
	f := NewFailover(brokenKV{}, NewMemory())

	require.NoError(t, f.Set(ctx, "k", []byte("v"), time.Minute))
	v, err := f.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	res, err := f.IncrWindow(ctx, "w", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	ok, err := f.DelOne(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = f.DelOne(ctx, "k")
	assert.False(t, ok)
}

func TestFailoverNilPrimary(t *testing.T) {
	ctx := context.Background()
	f := NewFailover(nil, NewMemory())

	require.NoError(t, f.Set(ctx, "k", []byte("v"), time.Minute))
	v, err := f.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}
