package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequencer_SubmissionOrder(t *testing.T) {
	s := NewSequencer()
	ctx := context.Background()

	const n = 5
	reservations := make([]*Reservation, n)
	for i := range reservations {
		reservations[i] = s.Reserve("transactions")
	}

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	// start in reverse so arrival order differs from submission order
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := reservations[i]
			assert.NoError(t, r.Acquire(ctx, "transactions"))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			r.ReleaseAll()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestSequencer_IndependentKeys(t *testing.T) {
	s := NewSequencer()
	first := s.Reserve("transactions")
	second := s.Reserve("balances")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, first.Acquire(ctx, "transactions"))
	// a balance batch does not wait for a transaction batch
	require.NoError(t, second.Acquire(ctx, "balances"))

	first.ReleaseAll()
	second.ReleaseAll()
}

func TestSequencer_CancelledWaiterForfeits(t *testing.T) {
	s := NewSequencer()
	first := s.Reserve("debts")
	second := s.Reserve("debts")
	third := s.Reserve("debts")

	require.NoError(t, first.Acquire(context.Background(), "debts"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := second.Acquire(ctx, "debts")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- third.Acquire(context.Background(), "debts") }()

	first.Release("debts")
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("third batch blocked behind a forfeited ticket")
	}
	third.ReleaseAll()
	third.ReleaseAll()

	assert.Empty(t, s.queues, "idle keys are dropped")
}

func TestSequencer_UnreservedKey(t *testing.T) {
	r := NewSequencer().Reserve("accounts")
	assert.NoError(t, r.Acquire(context.Background(), "categories"))
	r.Release("categories")
	r.ReleaseAll()
}

func TestRedisLocker_LockUnlock(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewRedisLocker(db, RedisOptions{TTL: 30 * time.Second, Wait: time.Second})
	l.token = func() string { return "tok-1" }

	mock.ExpectSetNX("ledger:lock:transactions", "tok-1", 30*time.Second).SetVal(true)
	mock.ExpectEval(unlockScript, []string{"ledger:lock:transactions"}, "tok-1").SetVal(int64(1))

	unlock, err := l.Lock(context.Background(), "transactions")
	require.NoError(t, err)
	require.NoError(t, unlock(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLocker_WaitTimeoutIsUnavailable(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewRedisLocker(db, RedisOptions{TTL: time.Second, Wait: time.Millisecond, Retry: 50 * time.Millisecond})
	l.token = func() string { return "tok-2" }

	mock.ExpectSetNX("ledger:lock:debts", "tok-2", time.Second).SetVal(false)

	_, err := l.Lock(context.Background(), "debts")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.True(t, domain.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLocker_RedisDown(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewRedisLocker(db, RedisOptions{Wait: time.Second})
	l.token = func() string { return "tok-3" }

	mock.ExpectSetNX("ledger:lock:accounts", "tok-3", 30*time.Second).SetErr(errors.New("dial tcp: connection refused"))

	_, err := l.Lock(context.Background(), "accounts")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestNop(t *testing.T) {
	unlock, err := Nop{}.Lock(context.Background(), "x")
	require.NoError(t, err)
	assert.NoError(t, unlock(context.Background()))
}
