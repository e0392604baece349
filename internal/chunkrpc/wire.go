// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package chunkrpc is the concrete Transport implementation chunkclient.Controller
// dispatches through: Go RPC over the teacher's bulk gob codec, talking to whichever
// chunkserver the metadata cache currently believes leads a copyset.
package chunkrpc

import "github.com/chunkstore/client/internal/core"

// Method names for net/rpc dispatch, one per chunkclient.Transport operation. The
// receiver name mirrors the teacher's TSSrvHandler/TSCtlHandler split: every chunk
// operation here lands on a single ChunkServer service.
const (
	WriteChunkMethod                     = "ChunkServer.WriteChunk"
	ReadChunkMethod                      = "ChunkServer.ReadChunk"
	ReadChunkSnapshotMethod              = "ChunkServer.ReadChunkSnapshot"
	DeleteChunkSnapshotOrCorrectSnMethod = "ChunkServer.DeleteChunkSnapshotOrCorrectSn"
	GetChunkInfoMethod                   = "ChunkServer.GetChunkInfo"
	CreateCloneChunkMethod               = "ChunkServer.CreateCloneChunk"
	RecoverChunkMethod                   = "ChunkServer.RecoverChunk"
)

// GenericReply is the application-level reply shared by every operation except
// GetChunkInfo, which carries its redirect hint on its own typed reply (§4.5).
type GenericReply struct {
	Status       core.Status
	RedirectHint string
}

// WriteChunkReq is sent to write (or overwrite) a byte range of a chunk.
type WriteChunkReq struct {
	Chunk  core.ChunkIDInfo
	File   core.FileID
	Epoch  uint64
	Sn     uint64
	Offset uint32
	Length uint32

	B          []byte
	bExclusive bool
}

// Get implements BulkData.
func (w *WriteChunkReq) Get() ([]byte, bool) { b := w.B; w.B = nil; return b, w.bExclusive }

// Set implements BulkData.
func (w *WriteChunkReq) Set(b []byte, e bool) { w.B, w.bExclusive = b, e }

// ReadChunkReq is sent to read a byte range of a chunk.
type ReadChunkReq struct {
	Chunk  core.ChunkIDInfo
	Sn     uint64
	Offset uint32
	Length uint32
}

// ReadChunkReply carries the generic status plus the bytes read, if any.
type ReadChunkReply struct {
	GenericReply

	B          []byte
	bExclusive bool
}

// Get implements BulkData.
func (r *ReadChunkReply) Get() ([]byte, bool) { b := r.B; r.B = nil; return b, r.bExclusive }

// Set implements BulkData.
func (r *ReadChunkReply) Set(b []byte, e bool) { r.B, r.bExclusive = b, e }

// ReadChunkSnapshotReq is sent to read a byte range of a chunk snapshot.
type ReadChunkSnapshotReq struct {
	Chunk  core.ChunkIDInfo
	Sn     uint64
	Offset uint32
	Length uint32
}

// ReadChunkSnapshotReply carries the generic status plus the bytes read.
type ReadChunkSnapshotReply struct {
	GenericReply

	B          []byte
	bExclusive bool
}

// Get implements BulkData.
func (r *ReadChunkSnapshotReply) Get() ([]byte, bool) { b := r.B; r.B = nil; return b, r.bExclusive }

// Set implements BulkData.
func (r *ReadChunkSnapshotReply) Set(b []byte, e bool) { r.B, r.bExclusive = b, e }

// DeleteChunkSnapshotOrCorrectSnReq is sent to delete a snapshot or correct a
// chunk's sequence number.
type DeleteChunkSnapshotOrCorrectSnReq struct {
	Chunk core.ChunkIDInfo
	Cs    uint64
}

// GetChunkInfoReq is sent to fetch every sequence number a chunk has on a replica.
type GetChunkInfoReq struct {
	Chunk core.ChunkIDInfo
}

// GetChunkInfoReply carries the typed redirect hint (§4.5: GetChunkInfo reads
// the hint from here, not from GenericReply) plus the sequence numbers found.
type GetChunkInfoReply struct {
	Status       core.Status
	RedirectHint string
	ChunkSn      []uint64
}

// CreateCloneChunkReq is sent to create a chunk as a clone of a source location.
type CreateCloneChunkReq struct {
	Chunk         core.ChunkIDInfo
	CloneLocation string
	Sn            uint64
	Cs            uint64
	ChunkSize     uint64
}

// RecoverChunkReq is sent to recover a byte range of a chunk from its clone source.
type RecoverChunkReq struct {
	Chunk  core.ChunkIDInfo
	Offset uint32
	Length uint32
}
