// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package chunkclient

import (
	"fmt"
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/chunkstore/client/internal/core"
)

// unstableTracker is the default UnstableHelper: it classifies a
// chunkserver's health purely from a consecutive-timeout counter, the same
// shape the source's health tracker uses. Thresholds are configurable so
// tests can drive it through all three states deterministically.
type unstableTracker struct {
	lock sync.Mutex

	counts map[core.ChunkServerID]int

	chunkserverUnstableAfter int
	serverUnstableAfter      int
}

func newUnstableTracker(chunkserverUnstableAfter, serverUnstableAfter int) *unstableTracker {
	return &unstableTracker{
		counts:                   make(map[core.ChunkServerID]int),
		chunkserverUnstableAfter: chunkserverUnstableAfter,
		serverUnstableAfter:      serverUnstableAfter,
	}
}

func (u *unstableTracker) IncreTimeout(id core.ChunkServerID) {
	u.lock.Lock()
	defer u.lock.Unlock()
	u.counts[id]++
}

func (u *unstableTracker) ClearTimeout(id core.ChunkServerID, endpoint string) {
	u.lock.Lock()
	defer u.lock.Unlock()
	u.counts[id] = 0
}

func (u *unstableTracker) GetCurrentUnstableState(id core.ChunkServerID, endpoint string) ChunkServerHealth {
	u.lock.Lock()
	defer u.lock.Unlock()
	n := u.counts[id]
	if n >= u.serverUnstableAfter {
		return ServerUnstable
	}
	if n >= u.chunkserverUnstableAfter {
		return ChunkServerUnstable
	}
	return Healthy
}

// MemMetadataCache is an in-memory MetadataCache, the retry engine's
// analogue of the teacher's lookupCache: an LRU of believed copyset
// leaders backed by an authoritative map that stands in for a real
// cluster metadata service. Suitable for tests and for a standalone demo
// client talking to nothing but itself.
type MemMetadataCache struct {
	lock sync.Mutex

	believed *lru.Cache // CopysetKey -> LeaderInfo

	// authoritative is what GetLeader(..., refreshFromAuthority=true)
	// consults; set it directly to script cluster state in tests.
	authoritative map[core.CopysetKey]LeaderInfo

	leaderMayChange map[core.CopysetKey]bool
	latestFileSn    map[core.FileID]uint64
	serverUnstable  map[string]bool
	csUnstable      map[core.ChunkServerID]bool

	// failSetServerUnstable, when set, makes SetServerUnstable fail,
	// exercising the controller's fall-through to SetChunkserverUnstable.
	failSetServerUnstable bool

	helper *unstableTracker
}

// NewMemMetadataCache builds an empty MemMetadataCache with the given LRU
// capacity for believed leaders and health thresholds for the embedded
// UnstableHelper.
func NewMemMetadataCache(maxEntries, chunkserverUnstableAfter, serverUnstableAfter int) *MemMetadataCache {
	return &MemMetadataCache{
		believed:        lru.New(maxEntries),
		authoritative:   make(map[core.CopysetKey]LeaderInfo),
		leaderMayChange: make(map[core.CopysetKey]bool),
		latestFileSn:    make(map[core.FileID]uint64),
		serverUnstable:  make(map[string]bool),
		csUnstable:      make(map[core.ChunkServerID]bool),
		helper:          newUnstableTracker(chunkserverUnstableAfter, serverUnstableAfter),
	}
}

// SetAuthoritativeLeader scripts what an authoritative refresh returns for
// key, and is also what UpdateLeader resolves redirect hints against.
func (m *MemMetadataCache) SetAuthoritativeLeader(key core.CopysetKey, leader LeaderInfo) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.authoritative[key] = leader
}

// SetLeaderMayChange scripts the return value of IsLeaderMayChange for key.
func (m *MemMetadataCache) SetLeaderMayChange(key core.CopysetKey, mayChange bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.leaderMayChange[key] = mayChange
}

// SetLatestFileSn scripts the return value of GetLatestFileSn for file.
func (m *MemMetadataCache) SetLatestFileSn(file core.FileID, sn uint64) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.latestFileSn[file] = sn
}

// FailNextSetServerUnstable makes the next SetServerUnstable call return an
// error, exercising the ServerUnstable-falls-through-to-chunkserver path.
func (m *MemMetadataCache) FailNextSetServerUnstable() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.failSetServerUnstable = true
}

// GetLeader implements MetadataCache.
func (m *MemMetadataCache) GetLeader(key core.CopysetKey, refreshFromAuthority bool) (LeaderInfo, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !refreshFromAuthority {
		if v, ok := m.believed.Get(key); ok {
			return v.(LeaderInfo), nil
		}
	}

	leader, ok := m.authoritative[key]
	if !ok {
		return LeaderInfo{}, fmt.Errorf("no known leader for copyset %s", key)
	}
	m.believed.Add(key, leader)
	return leader, nil
}

// UpdateLeader implements MetadataCache. It resolves endpoint against the
// authoritative table (a real cache would accept the endpoint verbatim as
// a hint; this in-memory fake requires the endpoint to have been
// registered via SetAuthoritativeLeader so it can recover a ChunkServerID
// for it).
func (m *MemMetadataCache) UpdateLeader(key core.CopysetKey, endpoint string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	for k, leader := range m.authoritative {
		if k == key && leader.Endpoint == endpoint {
			m.believed.Add(key, leader)
			return nil
		}
	}
	// Hint doesn't match anything we know about; the caller falls
	// through to an authoritative refresh.
	return fmt.Errorf("unrecognized leader hint %q for copyset %s", endpoint, key)
}

// IsLeaderMayChange implements MetadataCache.
func (m *MemMetadataCache) IsLeaderMayChange(key core.CopysetKey) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.leaderMayChange[key]
}

// SetServerUnstable implements MetadataCache.
func (m *MemMetadataCache) SetServerUnstable(ip string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.failSetServerUnstable {
		m.failSetServerUnstable = false
		return fmt.Errorf("failed to mark server %s unstable", ip)
	}
	m.serverUnstable[ip] = true
	return nil
}

// SetChunkserverUnstable implements MetadataCache.
func (m *MemMetadataCache) SetChunkserverUnstable(id core.ChunkServerID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.csUnstable[id] = true
	return nil
}

// GetLatestFileSn implements MetadataCache.
func (m *MemMetadataCache) GetLatestFileSn(file core.FileID) uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.latestFileSn[file]
}

// GetUnstableHelper implements MetadataCache.
func (m *MemMetadataCache) GetUnstableHelper() UnstableHelper {
	return m.helper
}
