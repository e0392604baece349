// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"errors"
	"fmt"
)

// ErrInvalidID is the error returned when a string representation of an ID is invalid.
var ErrInvalidID = errors.New("invalid id format")

// LogicalPoolID identifies a logical pool of chunkservers. Copysets are
// drawn from a single logical pool. Valid LogicalPoolIDs start from 1.
type LogicalPoolID uint32

// CopysetID identifies a copyset (replication group) within a logical pool.
// The pair (LogicalPoolID, CopysetID) is the unit of leader resolution.
type CopysetID uint32

// ChunkID identifies a single chunk, unique within a copyset. Valid
// ChunkIDs start from 1.
type ChunkID uint64

// ChunkServerID is a cluster-assigned ID for a chunkserver process. Valid
// ChunkServerIDs start from 1.
type ChunkServerID uint32

// FileID identifies the logical file a chunk belongs to, used to look up
// the file's latest sequence number. Inflight throttling is not scoped by
// it.
type FileID uint64

// IsValid returns if 'id' is a valid ChunkServerID.
func (id ChunkServerID) IsValid() bool {
	return id != ChunkServerID(0)
}

func (id ChunkServerID) String() string {
	return fmt.Sprintf("%d", uint32(id))
}

// IsValid returns if 'id' is a valid ChunkID.
func (id ChunkID) IsValid() bool {
	return id != ChunkID(0)
}

func (id ChunkID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// ParseChunkID parses a ChunkID from the provided string. The string must
// be in the format produced by ChunkID.String(). If it is not, ErrInvalidID
// will be returned.
func ParseChunkID(s string) (ChunkID, error) {
	var id ChunkID
	n, e := fmt.Sscanf(s, "%016x", &id)
	if n != 1 || e != nil {
		return id, ErrInvalidID
	}
	return id, nil
}

// CopysetKey uniquely identifies a copyset across the whole cluster; it is
// the lookup key used by the leader resolver and its caches.
type CopysetKey struct {
	LogicalPool LogicalPoolID
	Copyset     CopysetID
}

// IsValid returns if 'k' identifies a plausible copyset.
func (k CopysetKey) IsValid() bool {
	return k.LogicalPool != 0
}

func (k CopysetKey) String() string {
	return fmt.Sprintf("%d:%d", uint32(k.LogicalPool), uint32(k.Copyset))
}

// ChunkIDInfo is the chunk identity carried by every RequestContext: which
// chunk, in which copyset, in which logical pool.
type ChunkIDInfo struct {
	ChunkID     ChunkID
	CopysetID   CopysetID
	LogicalPool LogicalPoolID
}

func (c ChunkIDInfo) String() string {
	return fmt.Sprintf("chunk=%s copyset=%d pool=%d", c.ChunkID, uint32(c.CopysetID), uint32(c.LogicalPool))
}

// Copyset returns the CopysetKey this chunk belongs to.
func (c ChunkIDInfo) Copyset() CopysetKey {
	return CopysetKey{LogicalPool: c.LogicalPool, Copyset: c.CopysetID}
}
