package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSlot — слот в памяти с переключаемым отказом записи.
type stubSlot struct {
	mu      sync.Mutex
	data    map[string]string
	failSet bool
}

func newStubSlot() *stubSlot {
	return &stubSlot{data: make(map[string]string)}
}

func (s *stubSlot) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *stubSlot) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSet {
		return errors.New("disk full")
	}
	s.data[key] = value
	return nil
}

func (s *stubSlot) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *stubSlot) Close() error { return nil }

func (s *stubSlot) raw(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *stubSlot) put(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

func TestReplicatedWriteReadRoundtrip(t *testing.T) {
	primary, backup := newStubSlot(), newStubSlot()
	r, err := NewReplicated(primary, backup)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, r.Write(ctx, "user", `{"id":"u1"}`))

	got, err := r.Read(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"u1"}`, got)

	// Обе копии на месте
	_, ok := primary.raw("user")
	assert.True(t, ok)
	_, ok = backup.raw("user")
	assert.True(t, ok)
}

func TestReplicatedReadMissingKey(t *testing.T) {
	r, err := NewReplicated(newStubSlot(), newStubSlot())
	require.NoError(t, err)

	_, err = r.Read(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplicatedHealsMissingSlot(t *testing.T) {
	primary, backup := newStubSlot(), newStubSlot()
	r, err := NewReplicated(primary, backup)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, r.Write(ctx, "user", "v1"))

	// Primary теряет данные (симуляция затирания хранилища)
	require.NoError(t, primary.Delete(ctx, "user"))

	got, err := r.Read(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	healed, ok := primary.raw("user")
	require.True(t, ok, "primary должен быть долит из backup")
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(healed), &env))
	assert.Equal(t, "v1", env.Payload)
}

func TestReplicatedHealsCorruptSlot(t *testing.T) {
	primary, backup := newStubSlot(), newStubSlot()
	r, err := NewReplicated(primary, backup)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, r.Write(ctx, "user", "v1"))
	backup.put("user", "{not json")

	got, err := r.Read(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	healed, _ := backup.raw("user")
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(healed), &env))
	assert.Equal(t, "v1", env.Payload)
}

func TestReplicatedStaleBackupDoesNotWin(t *testing.T) {
	primary, backup := newStubSlot(), newStubSlot()
	r, err := NewReplicated(primary, backup)
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	ctx := context.Background()
	require.NoError(t, r.Write(ctx, "user", "old"))

	// Backup застрял на старой копии, primary ушёл вперёд
	staleRaw, _ := backup.raw("user")
	r.now = func() time.Time { return base.Add(time.Minute) }
	require.NoError(t, r.Write(ctx, "user", "new"))
	backup.put("user", staleRaw)

	got, err := r.Read(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, "new", got)

	healed, _ := backup.raw("user")
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(healed), &env))
	assert.Equal(t, "new", env.Payload, "backup должен подтянуться к свежей копии")
}

func TestReplicatedAllGarbagePurged(t *testing.T) {
	primary, backup := newStubSlot(), newStubSlot()
	r, err := NewReplicated(primary, backup)
	require.NoError(t, err)

	primary.put("user", "garbage")
	backup.put("user", "\x00\x01\x02")

	_, err = r.Read(context.Background(), "user")
	assert.ErrorIs(t, err, ErrNotFound)

	// Мусор стёрт в обоих слотах
	_, ok := primary.raw("user")
	assert.False(t, ok)
	_, ok = backup.raw("user")
	assert.False(t, ok)
}

func TestReplicatedWritePartialFailureStillSucceeds(t *testing.T) {
	primary, backup := newStubSlot(), newStubSlot()
	primary.failSet = true
	r, err := NewReplicated(primary, backup)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, r.Write(ctx, "user", "v1"))

	got, err := r.Read(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, "v1", got)
}

func TestReplicatedWriteAllSlotsFailed(t *testing.T) {
	primary, backup := newStubSlot(), newStubSlot()
	primary.failSet = true
	backup.failSet = true
	r, err := NewReplicated(primary, backup)
	require.NoError(t, err)

	err = r.Write(context.Background(), "user", "v1")
	assert.ErrorIs(t, err, ErrAllSlotsFailed)
}

func TestReplicatedDeleteIdempotent(t *testing.T) {
	r, err := NewReplicated(newStubSlot(), newStubSlot())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, r.Write(ctx, "user", "v1"))
	require.NoError(t, r.Delete(ctx, "user"))
	require.NoError(t, r.Delete(ctx, "user"))

	_, err = r.Read(ctx, "user")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPrefixedSlotKeyspace(t *testing.T) {
	inner := newStubSlot()
	p := Prefixed{Slot: inner, Prefix: "backup_"}

	ctx := context.Background()
	require.NoError(t, p.Set(ctx, "user", "v"))

	_, ok := inner.raw("backup_user")
	assert.True(t, ok)
	_, ok = inner.raw("user")
	assert.False(t, ok)

	got, err := p.Get(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}
