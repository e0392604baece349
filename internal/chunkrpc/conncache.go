// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package chunkrpc

import (
	"context"
	"errors"
	"net/rpc"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	log "github.com/golang/glog"

	"github.com/chunkstore/client/internal/chunkclient"
	"github.com/chunkstore/client/internal/core"
)

// ErrChunkServerUnreachable is returned when a chunkserver connection can't
// be established.
var ErrChunkServerUnreachable = errors.New("chunkrpc: couldn't connect to chunkserver")

// CancelAction describes the RPC to fire at a chunkserver if the primary
// call to it is cancelled on the client side before a reply arrives.
type CancelAction struct {
	Method string
	Req    interface{}
}

// chunkServerConns caches open RPC connections to chunkservers, keyed by
// core.ChunkServerID instead of by address: a copyset's leader keeps the
// same ChunkServerID across a redirect that only changes its endpoint, so
// keying on ID (rather than address, as a generic connection pool would)
// means this cache and the metadata cache agree on what identifies a
// chunkserver.
type chunkServerConns struct {
	lock sync.Mutex

	conns *lru.Cache

	dialTimeout time.Duration
	rpcTimeout  time.Duration
}

// newChunkServerConns makes a chunkServerConns. dialTimeout bounds a single
// dial; maxConns bounds how many idle connections are kept (0 means
// unbounded).
func newChunkServerConns(dialTimeout, rpcTimeout time.Duration, maxConns int) *chunkServerConns {
	if maxConns < 0 {
		log.Fatalf("chunkrpc: connection cache size can not be negative")
	}
	conns := lru.New(maxConns)
	conns.OnEvicted = onChunkServerConnEvicted
	return &chunkServerConns{
		conns:       conns,
		dialTimeout: dialTimeout,
		rpcTimeout:  rpcTimeout,
	}
}

// get returns a connection to leader, dialing one if none is cached. The
// caller must eventually call done once the RPC using it completes.
func (cc *chunkServerConns) get(ctx context.Context, leader chunkclient.LeaderInfo) *refCntChunkServerConn {
	cc.lock.Lock()
	if v, ok := cc.conns.Get(leader.ChunkServerID); ok {
		rc := v.(*refCntChunkServerConn)
		rc.count++
		cc.lock.Unlock()
		return rc
	}
	cc.lock.Unlock()

	nctx, cancel := context.WithTimeout(ctx, cc.dialTimeout)
	defer cancel()
	rpcc, err := dialChunkServer(nctx, "tcp", leader.Endpoint)
	if err != nil {
		log.Infof("chunkrpc: error connecting to chunkserver %s at %s: %v", leader.ChunkServerID, leader.Endpoint, err)
		return nil
	}

	cc.lock.Lock()
	if v, ok := cc.conns.Get(leader.ChunkServerID); ok {
		rc := v.(*refCntChunkServerConn)
		rc.count++
		cc.lock.Unlock()
		rpcc.Close()
		log.Infof("chunkrpc: established duplicate connection to chunkserver %s, dropping", leader.ChunkServerID)
		return rc
	}

	log.Infof("chunkrpc: established connection to chunkserver %s at %s", leader.ChunkServerID, leader.Endpoint)

	// Count starts at 2: one reference for the cache, one for the caller.
	rc := &refCntChunkServerConn{count: 2, clt: rpcc}
	cc.conns.Add(leader.ChunkServerID, rc)
	cc.lock.Unlock()

	return rc
}

func (cc *chunkServerConns) done(id core.ChunkServerID, oldConn *refCntChunkServerConn, err error) {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	if oldConn.decAndMaybeClose() {
		return
	}
	if err == nil {
		return
	}
	if newConn, ok := cc.conns.Get(id); ok && newConn == oldConn {
		cc.conns.Remove(id)
		log.Errorf("chunkrpc: connection to chunkserver %s lost (%v)", id, err)
	} else {
		log.Errorf("chunkrpc: connection to chunkserver %s lost (%v) (not in cache)", id, err)
	}
}

// Send issues one chunk RPC to leader with a timeout.
func (cc *chunkServerConns) Send(ctx context.Context, leader chunkclient.LeaderInfo, method string, req, reply interface{}) error {
	return cc.SendWithCancel(ctx, leader, method, req, reply, nil)
}

// SendWithCancel is like Send, but if the RPC is cancelled on the client
// side before the chunkserver answers, it fires can asynchronously (e.g. to
// tell the chunkserver to abandon a partially-received write) and ignores
// its result.
func (cc *chunkServerConns) SendWithCancel(ctx context.Context, leader chunkclient.LeaderInfo, method string, req, reply interface{}, can *CancelAction) error {
	rc := cc.get(ctx, leader)
	if rc == nil {
		return ErrChunkServerUnreachable
	}

	nctx, cancel := context.WithTimeout(ctx, cc.rpcTimeout)
	defer cancel()
	call := rc.clt.Go(method, req, reply, make(chan *rpc.Call, 1))

	select {
	case <-call.Done:
		cc.done(leader.ChunkServerID, rc, call.Error)

		// ErrShutdown means the connection was closed out from under us
		// (e.g. the chunkserver reset the TCP connection); reconnect and
		// retry this same send, reusing nctx so the timeout doesn't
		// extend. Each further ErrShutdown triggers another reconnect.
		if call.Error == rpc.ErrShutdown {
			return cc.SendWithCancel(nctx, leader, method, req, reply, can)
		}
		return call.Error

	case <-nctx.Done():
		err := nctx.Err()
		if can != nil {
			log.Errorf("chunkrpc: rpc %q to chunkserver %s: %v, issuing cancel rpc", method, leader.ChunkServerID, err)
			go func() {
				rc.clt.Go(can.Method, can.Req, nil, make(chan *rpc.Call, 1))
				cc.done(leader.ChunkServerID, rc, nil)
			}()
		} else {
			log.Errorf("chunkrpc: rpc %q to chunkserver %s: %v", method, leader.ChunkServerID, err)
			cc.done(leader.ChunkServerID, rc, nil)
		}
		return err
	}
}

// Remove drops and closes any pooled connection to id, so the next Send
// dials fresh.
func (cc *chunkServerConns) Remove(id core.ChunkServerID) {
	cc.lock.Lock()
	cc.conns.Remove(id)
	cc.lock.Unlock()
}

// CloseAll closes every pooled connection.
func (cc *chunkServerConns) CloseAll() {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	for cc.conns.Len() > 0 {
		cc.conns.RemoveOldest()
	}
}

func onChunkServerConnEvicted(key lru.Key, val interface{}) {
	log.V(10).Infof("chunkrpc: chunkserver %v evicted from connection cache, closing connection", key)
	rc := val.(*refCntChunkServerConn)
	rc.decAndMaybeClose()
}

// refCntChunkServerConn wraps an RPC client to one chunkserver with a
// reference count, so the underlying connection closes only once nobody
// (neither the cache nor an in-flight Send) still needs it.
type refCntChunkServerConn struct {
	count int
	clt   *rpc.Client
}

func (c *refCntChunkServerConn) decAndMaybeClose() (closed bool) {
	c.count--
	if c.count == 0 {
		c.clt.Close()
		return true
	}
	return false
}
