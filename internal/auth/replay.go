package auth

import (
	"sync"
	"time"
)

// replayKey identifies one signed request: signer and request digest.
type replayKey [64]byte

func newReplayKey(signer []byte, digest []byte) replayKey {
	var k replayKey
	copy(k[:32], signer)
	copy(k[32:], digest)
	return k
}

// replayCache remembers signed requests until their timestamp leaves the
// skew window, after which the timestamp check rejects them anyway.
type replayCache struct {
	mu        sync.Mutex
	seen      map[replayKey]time.Time
	nextSweep time.Time
	sweepGap  time.Duration
}

func newReplayCache(window time.Duration) *replayCache {
	return &replayCache{
		seen:     make(map[replayKey]time.Time),
		sweepGap: window,
	}
}

// reserve records k until expires. It reports false if k is already held.
func (rc *replayCache) reserve(k replayKey, expires, now time.Time) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if now.After(rc.nextSweep) {
		for key, exp := range rc.seen {
			if now.After(exp) {
				delete(rc.seen, key)
			}
		}
		rc.nextSweep = now.Add(rc.sweepGap)
	}

	if exp, ok := rc.seen[k]; ok && !now.After(exp) {
		return false
	}
	rc.seen[k] = expires
	return true
}

// release forgets k so the same signed request may be sent again.
func (rc *replayCache) release(k replayKey) {
	rc.mu.Lock()
	delete(rc.seen, k)
	rc.mu.Unlock()
}

func (rc *replayCache) size() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.seen)
}
