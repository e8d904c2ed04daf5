// Package devicestore remembers which devices each account has verified from.
package devicestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Store records and answers account/device pairs
type Store interface {
	Known(ctx context.Context, accountID, fingerprint string) (bool, error)
	Remember(ctx context.Context, accountID, fingerprint string) error
}

// hashFingerprint keeps raw fingerprints out of storage
func hashFingerprint(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:16])
}

type deviceData struct {
	FirstSeen time.Time
	LastSeen  time.Time
	Count     int
}

// MemoryStore is an in-process Store. Entries older than ttl are forgotten.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]map[string]*deviceData
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore creates an empty store. ttl <= 0 keeps entries forever.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]map[string]*deviceData),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryStore) Known(_ context.Context, accountID, fingerprint string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[accountID][hashFingerprint(fingerprint)]
	if !ok {
		return false, nil
	}
	if s.ttl > 0 && s.now().Sub(d.LastSeen) > s.ttl {
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) Remember(_ context.Context, accountID, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := hashFingerprint(fingerprint)

	if _, ok := s.devices[accountID]; !ok {
		s.devices[accountID] = make(map[string]*deviceData)
	}
	d, ok := s.devices[accountID][key]
	if !ok {
		d = &deviceData{FirstSeen: now}
		s.devices[accountID][key] = d
	}
	d.LastSeen = now
	d.Count++
	return nil
}

// DeviceCount returns how many distinct devices an account has used
func (s *MemoryStore) DeviceCount(accountID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices[accountID])
}
