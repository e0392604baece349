// Copyright (c) 2017 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package chunkrpc

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/rpc"
)

// bulkRPCPath and connectedStatus are the HTTP CONNECT handshake strings a
// chunkserver's bulk RPC listener expects before it switches a connection
// over to the chunk bulk codec.
const (
	bulkRPCPath     = "/_goRPC_bulk_crc_"
	connectedStatus = "200 Connected to Go RPC"
)

// dialChunkServer is like rpc.DialHTTP but with a context and using
// chunkBulkCodec, so a dialed connection is ready to carry WriteChunk
// payloads and ReadChunk results without an extra copy through gob's normal
// encoding path. Copied and tweaked from Go 1.5.3's net/rpc/client.go.
func dialChunkServer(ctx context.Context, network, address string) (*rpc.Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	io.WriteString(conn, "CONNECT "+bulkRPCPath+" HTTP/1.0\n\n")

	// Require successful HTTP response before switching to RPC protocol.
	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: "CONNECT"})

	if err == nil && resp.Status == connectedStatus {
		codec := newChunkBulkCodec(conn)
		return rpc.NewClientWithCodec(codec), nil
	}
	if err == nil {
		err = errors.New("unexpected HTTP response from chunkserver: " + resp.Status)
	}
	conn.Close()
	return nil, &net.OpError{
		Op:   "dial-chunkserver",
		Net:  network + " " + address,
		Addr: nil,
		Err:  err,
	}
}
