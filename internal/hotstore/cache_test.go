package hotstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScoreLRUPrefersRecentAccess(t *testing.T) {
	now := time.Now()
	stale := &Entry{LastAccess: now.Add(-time.Hour)}
	fresh := &Entry{LastAccess: now}
	assert.Less(t, score(stale, PolicyLRU, now), score(fresh, PolicyLRU, now))
}

func TestScoreLFUPrefersHigherFrequency(t *testing.T) {
	now := time.Now()
	rare := &Entry{AccessCount: 1, LastAccess: now}
	common := &Entry{AccessCount: 100, LastAccess: now}
	assert.Less(t, score(rare, PolicyLFU, now), score(common, PolicyLFU, now))
}

func TestRAMCacheEvictsLowestScoreUnderLRU(t *testing.T) {
	c := newRAMCache(PolicyLRU, 0, 0)
	now := time.Now()

	var kOld, kNew Key
	kOld[0], kNew[0] = 1, 2
	c.insert(&Entry{Key: kOld, LastAccess: now.Add(-time.Hour)})
	c.insert(&Entry{Key: kNew, LastAccess: now})

	victim, ok := c.victim(now)
	assert.True(t, ok)
	assert.Equal(t, kOld, victim)
}

func TestRAMCacheWouldExceedMaxEntries(t *testing.T) {
	c := newRAMCache(PolicyAdaptive, 2, 0)
	var k1, k2 Key
	k1[0], k2[0] = 1, 2
	c.insert(&Entry{Key: k1})
	c.insert(&Entry{Key: k2})

	assert.True(t, c.wouldExceed(0, true))
	assert.False(t, c.wouldExceed(0, false))
}

func TestRAMCacheWouldExceedMaxMemory(t *testing.T) {
	c := newRAMCache(PolicyAdaptive, 0, 100)
	assert.True(t, c.wouldExceed(200, true))
	assert.False(t, c.wouldExceed(50, true))
}

func TestRAMCacheDeleteUpdatesMemory(t *testing.T) {
	c := newRAMCache(PolicyAdaptive, 0, 0)
	var k Key
	k[0] = 9
	e := &Entry{Key: k, Account: Account{Data: make([]byte, 16)}}
	c.insert(e)
	assert.Equal(t, e.Size(), c.curMemory)

	c.delete(k)
	assert.Equal(t, 0, c.curMemory)
	assert.Equal(t, 0, c.len())
}
