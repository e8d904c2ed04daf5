package devicestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	known, err := s.Known(ctx, "acct", "fp-1")
	require.NoError(t, err)
	assert.False(t, known)

	require.NoError(t, s.Remember(ctx, "acct", "fp-1"))
	require.NoError(t, s.Remember(ctx, "acct", "fp-1"))

	known, _ = s.Known(ctx, "acct", "fp-1")
	assert.True(t, known)
	known, _ = s.Known(ctx, "other", "fp-1")
	assert.False(t, known, "history is per account")
	assert.Equal(t, 1, s.DeviceCount("acct"))

	now = now.Add(2 * time.Hour)
	known, _ = s.Known(ctx, "acct", "fp-1")
	assert.False(t, known, "expired entries are forgotten")
}

func TestRedisStore_Known(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewRedisStore(db, time.Hour)

	mock.ExpectSIsMember("shield:devices:acct", hashFingerprint("fp-1")).SetVal(true)
	mock.ExpectSIsMember("shield:devices:acct", hashFingerprint("fp-2")).SetVal(false)

	known, err := s.Known(context.Background(), "acct", "fp-1")
	require.NoError(t, err)
	assert.True(t, known)

	known, err = s.Known(context.Background(), "acct", "fp-2")
	require.NoError(t, err)
	assert.False(t, known)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_KnownError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewRedisStore(db, time.Hour)

	mock.ExpectSIsMember("shield:devices:acct", hashFingerprint("fp-1")).SetErr(errors.New("connection refused"))

	_, err := s.Known(context.Background(), "acct", "fp-1")
	assert.ErrorContains(t, err, "connection refused")
}

func TestRedisStore_Remember(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewRedisStore(db, 24*time.Hour)

	mock.ExpectTxPipeline()
	mock.ExpectSAdd("shield:devices:acct", hashFingerprint("fp-1")).SetVal(1)
	mock.ExpectExpire("shield:devices:acct", 24*time.Hour).SetVal(true)
	mock.ExpectTxPipelineExec()

	require.NoError(t, s.Remember(context.Background(), "acct", "fp-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHashFingerprint(t *testing.T) {
	a := hashFingerprint("fp")
	assert.Len(t, a, 32)
	assert.Equal(t, a, hashFingerprint("fp"))
	assert.NotEqual(t, a, hashFingerprint("fp2"))
}
