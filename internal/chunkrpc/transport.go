// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package chunkrpc

import (
	"context"
	"time"

	log "github.com/golang/glog"

	"github.com/chunkstore/client/internal/chunkclient"
	"github.com/chunkstore/client/internal/core"
)

// connectionCacheSize bounds how many open connections to chunkservers this
// client keeps warm, mirroring the teacher's tsConnectionCacheSize.
const connectionCacheSize = 100

// dialTimeout is how long a single dial is given before giving up, distinct
// from the per-RPC timeout chunkclient.Config computes per attempt.
const dialTimeout = 2 * time.Second

// RPCTransport implements chunkclient.Transport over Go RPC using the
// chunk bulk codec, so WriteChunk's payload and ReadChunk's result travel
// without an extra copy through gob's normal encoding path. Connections are
// pooled by the chunkserver's ID rather than its address, so a call through
// ResetSenderIfNotHealth always targets the right pooled connection even if
// the metadata cache hasn't re-resolved the endpoint yet.
type RPCTransport struct {
	cc *chunkServerConns
}

// NewRPCTransport builds an RPCTransport. rpcTimeout is a ceiling applied on
// top of whatever per-attempt timeout the caller passes to each method; it
// exists only as a safety net against a context that's never cancelled.
func NewRPCTransport(rpcTimeout time.Duration) *RPCTransport {
	return &RPCTransport{
		cc: newChunkServerConns(dialTimeout, rpcTimeout, connectionCacheSize),
	}
}

// ResetSenderIfNotHealth implements chunkclient.Transport by dropping any
// pooled connection to id, so the next attempt dials fresh.
func (t *RPCTransport) ResetSenderIfNotHealth(id core.ChunkServerID) {
	t.cc.Remove(id)
}

// call issues one RPC asynchronously (on its own goroutine, never blocking
// the caller) and reports the raw error and whether it was specifically a
// timeout to fn, which is responsible for turning that into a
// chunkclient.ChunkReply.
func (t *RPCTransport) call(ctx context.Context, leader chunkclient.LeaderInfo, method string, timeout time.Duration, req, reply interface{}, fn func(err error)) {
	go func() {
		nctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := t.cc.Send(nctx, leader, method, req, reply)
		fn(err)
	}()
}

func isTimeout(err error) bool {
	return err == context.DeadlineExceeded
}

// WriteChunk implements chunkclient.Transport.
func (t *RPCTransport) WriteChunk(ctx context.Context, leader chunkclient.LeaderInfo, req *chunkclient.RequestContext, timeout time.Duration, done func(chunkclient.ChunkReply)) {
	wreq := &WriteChunkReq{
		Chunk: req.Chunk, File: req.File, Epoch: req.Epoch, Sn: req.Sn,
		Offset: req.Offset, Length: req.Length,
	}
	wreq.Set(req.WriteData, false)
	reply := &GenericReply{}
	t.call(ctx, leader, WriteChunkMethod, timeout, wreq, reply, func(err error) {
		if err != nil {
			log.Warningf("chunkrpc: WriteChunk %s to %s: %v", req.RequestID, leader.Endpoint, err)
			done(chunkclient.ChunkReply{Err: err, Timeout: isTimeout(err)})
			return
		}
		done(chunkclient.ChunkReply{Status: reply.Status, RedirectHint: reply.RedirectHint})
	})
}

// ReadChunk implements chunkclient.Transport.
func (t *RPCTransport) ReadChunk(ctx context.Context, leader chunkclient.LeaderInfo, req *chunkclient.RequestContext, timeout time.Duration, done func(chunkclient.ChunkReply)) {
	rreq := &ReadChunkReq{Chunk: req.Chunk, Sn: req.Sn, Offset: req.Offset, Length: req.Length}
	reply := &ReadChunkReply{}
	t.call(ctx, leader, ReadChunkMethod, timeout, rreq, reply, func(err error) {
		if err != nil {
			log.Warningf("chunkrpc: ReadChunk %s to %s: %v", req.RequestID, leader.Endpoint, err)
			done(chunkclient.ChunkReply{Err: err, Timeout: isTimeout(err)})
			return
		}
		done(chunkclient.ChunkReply{Status: reply.Status, RedirectHint: reply.RedirectHint, Data: reply.B})
	})
}

// ReadChunkSnapshot implements chunkclient.Transport.
func (t *RPCTransport) ReadChunkSnapshot(ctx context.Context, leader chunkclient.LeaderInfo, req *chunkclient.RequestContext, timeout time.Duration, done func(chunkclient.ChunkReply)) {
	rreq := &ReadChunkSnapshotReq{Chunk: req.Chunk, Sn: req.Sn, Offset: req.Offset, Length: req.Length}
	reply := &ReadChunkSnapshotReply{}
	t.call(ctx, leader, ReadChunkSnapshotMethod, timeout, rreq, reply, func(err error) {
		if err != nil {
			log.Warningf("chunkrpc: ReadChunkSnapshot %s to %s: %v", req.RequestID, leader.Endpoint, err)
			done(chunkclient.ChunkReply{Err: err, Timeout: isTimeout(err)})
			return
		}
		done(chunkclient.ChunkReply{Status: reply.Status, RedirectHint: reply.RedirectHint, Data: reply.B})
	})
}

// DeleteChunkSnapshotOrCorrectSn implements chunkclient.Transport.
func (t *RPCTransport) DeleteChunkSnapshotOrCorrectSn(ctx context.Context, leader chunkclient.LeaderInfo, req *chunkclient.RequestContext, timeout time.Duration, done func(chunkclient.ChunkReply)) {
	dreq := &DeleteChunkSnapshotOrCorrectSnReq{Chunk: req.Chunk, Cs: req.Cs}
	reply := &GenericReply{}
	t.call(ctx, leader, DeleteChunkSnapshotOrCorrectSnMethod, timeout, dreq, reply, func(err error) {
		if err != nil {
			log.Warningf("chunkrpc: DeleteChunkSnapshotOrCorrectSn %s to %s: %v", req.RequestID, leader.Endpoint, err)
			done(chunkclient.ChunkReply{Err: err, Timeout: isTimeout(err)})
			return
		}
		done(chunkclient.ChunkReply{Status: reply.Status, RedirectHint: reply.RedirectHint})
	})
}

// GetChunkInfo implements chunkclient.Transport. Its redirect hint lives on
// the typed reply rather than GenericReply (§4.5); the chunkclient handler
// reads it off reply.RedirectHint the same as every other op, since this
// transport copies it across when translating to ChunkReply.
func (t *RPCTransport) GetChunkInfo(ctx context.Context, leader chunkclient.LeaderInfo, req *chunkclient.RequestContext, timeout time.Duration, done func(chunkclient.ChunkReply)) {
	greq := &GetChunkInfoReq{Chunk: req.Chunk}
	reply := &GetChunkInfoReply{}
	t.call(ctx, leader, GetChunkInfoMethod, timeout, greq, reply, func(err error) {
		if err != nil {
			log.Warningf("chunkrpc: GetChunkInfo %s to %s: %v", req.RequestID, leader.Endpoint, err)
			done(chunkclient.ChunkReply{Err: err, Timeout: isTimeout(err)})
			return
		}
		done(chunkclient.ChunkReply{Status: reply.Status, RedirectHint: reply.RedirectHint, ChunkSn: reply.ChunkSn})
	})
}

// CreateCloneChunk implements chunkclient.Transport.
func (t *RPCTransport) CreateCloneChunk(ctx context.Context, leader chunkclient.LeaderInfo, req *chunkclient.RequestContext, timeout time.Duration, done func(chunkclient.ChunkReply)) {
	creq := &CreateCloneChunkReq{
		Chunk: req.Chunk, CloneLocation: req.CloneLocation, Sn: req.Sn, Cs: req.Cs, ChunkSize: req.ChunkSize,
	}
	reply := &GenericReply{}
	t.call(ctx, leader, CreateCloneChunkMethod, timeout, creq, reply, func(err error) {
		if err != nil {
			log.Warningf("chunkrpc: CreateCloneChunk %s to %s: %v", req.RequestID, leader.Endpoint, err)
			done(chunkclient.ChunkReply{Err: err, Timeout: isTimeout(err)})
			return
		}
		done(chunkclient.ChunkReply{Status: reply.Status, RedirectHint: reply.RedirectHint})
	})
}

// RecoverChunk implements chunkclient.Transport.
func (t *RPCTransport) RecoverChunk(ctx context.Context, leader chunkclient.LeaderInfo, req *chunkclient.RequestContext, timeout time.Duration, done func(chunkclient.ChunkReply)) {
	rreq := &RecoverChunkReq{Chunk: req.Chunk, Offset: req.Offset, Length: req.Length}
	reply := &GenericReply{}
	t.call(ctx, leader, RecoverChunkMethod, timeout, rreq, reply, func(err error) {
		if err != nil {
			log.Warningf("chunkrpc: RecoverChunk %s to %s: %v", req.RequestID, leader.Endpoint, err)
			done(chunkclient.ChunkReply{Err: err, Timeout: isTimeout(err)})
			return
		}
		done(chunkclient.ChunkReply{Status: reply.Status, RedirectHint: reply.RedirectHint})
	})
}

var _ chunkclient.Transport = (*RPCTransport)(nil)
