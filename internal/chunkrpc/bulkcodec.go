// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// This file is heavily based on gob{Client,Server}Codec in Go's net/rpc package.
//
// chunkBulkCodec reduces the amount of data copying when sending WriteChunk
// payloads and ReadChunk/ReadChunkSnapshot results over Go RPC. It implements
// a slight variation on the gob codecs. Messages are encoded as follows:
// 1. gob-encoded request (or response) header
// 2. gob-encoded body
// 3. length of bulk chunk data (32 bit little-endian)
// 4. crc32 of 1, 2, and 3 (little-endian)
// 5. if length is not zero: the bulk chunk bytes
// 6. if length is not zero: crc32 of the bulk chunk bytes (little-endian)
//
// A request or reply that carries a chunk payload implements BulkData below.
// Get() must clear the []byte field so gob doesn't also try to encode it. A
// given type must either always or never implement BulkData; it is not safe
// to change whether a type does (or which field is the bulk data), since
// that changes its wire encoding.
//
// Request bodies must be passed as pointers to Send for this to work.

package chunkrpc

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/rpc"
)

// BulkData lets a chunk request or reply expose one field as bulk chunk
// payload data. WriteChunkReq and ReadChunkReply/ReadChunkSnapshotReply are
// this codec's only implementers.
type BulkData interface {
	Get() ([]byte, bool) // extract and return bulk data and exclusive flag
	Set([]byte, bool)    // put bulk data back and exclusive flag in the struct
}

var (
	errChecksumMismatch = errors.New("chunkrpc: checksum mismatch")
	crcTable            = crc32.MakeTable(crc32.Castagnoli)
)

// chunkBulkCodec implements both rpc.ClientCodec and rpc.ServerCodec.
type chunkBulkCodec struct {
	rwc io.ReadWriteCloser

	// Readers/Writers are wrapped like: gob(crc(bufio(rwc))), so that we can
	// control what gets crc'd.
	decBuf *bufio.Reader
	dec    *gob.Decoder
	encBuf *bufio.Writer
	enc    *gob.Encoder

	wCrc, rCrc uint32
	closed     bool
}

func newChunkBulkCodec(conn io.ReadWriteCloser) *chunkBulkCodec {
	c := &chunkBulkCodec{rwc: conn}
	c.decBuf = bufio.NewReader(conn)
	c.dec = gob.NewDecoder(c)
	c.encBuf = bufio.NewWriter(conn)
	c.enc = gob.NewEncoder(c)
	return c
}

// The codec itself acts as a checksumming writer and reader:
func (c *chunkBulkCodec) Write(p []byte) (n int, err error) {
	n, err = c.encBuf.Write(p)
	c.wCrc = crc32.Update(c.wCrc, crcTable, p[:n])
	return
}

func (c *chunkBulkCodec) Read(p []byte) (n int, err error) {
	n, err = c.decBuf.Read(p)
	c.rCrc = crc32.Update(c.rCrc, crcTable, p[:n])
	return
}

// Trick gob into thinking that this is a buffered reader (because it is).
func (c *chunkBulkCodec) ReadByte() (byte, error) {
	panic("chunkrpc: ReadByte not implemented")
}

func (c *chunkBulkCodec) WriteRequest(r *rpc.Request, body interface{}) (err error) {
	if err = c.writeBulk(r, body); err != nil {
		c.Close()
	}
	return
}

func (c *chunkBulkCodec) ReadResponseHeader(r *rpc.Response) error {
	// 1. gob-encoded response header
	c.rCrc = 0
	return c.dec.Decode(r)
}

func (c *chunkBulkCodec) ReadResponseBody(body interface{}) (err error) {
	return c.readBulkBody(body)
}

func (c *chunkBulkCodec) ReadRequestHeader(r *rpc.Request) error {
	// 1. gob-encoded request header
	c.rCrc = 0
	return c.dec.Decode(r)
}

func (c *chunkBulkCodec) ReadRequestBody(body interface{}) (err error) {
	return c.readBulkBody(body)
}

func (c *chunkBulkCodec) WriteResponse(r *rpc.Response, body interface{}) (err error) {
	if err = c.writeBulk(r, body); err != nil {
		c.Close()
	}
	return
}

func (c *chunkBulkCodec) Close() error {
	if c.closed {
		// Only call c.rwc.Close once; otherwise the semantics are undefined.
		return nil
	}
	c.closed = true
	return c.rwc.Close()
}

func (c *chunkBulkCodec) writeBulk(reqOrResp, body interface{}) (err error) {
	var bulkData []byte
	var exclusive bool
	if bb, isBulk := body.(BulkData); isBulk {
		bulkData, exclusive = bb.Get()
	}

	// 1. gob-encoded request (or response) header
	c.wCrc = 0
	if err = c.enc.Encode(reqOrResp); err != nil {
		return
	}
	// 2. gob-encoded body
	if err = c.enc.Encode(body); err != nil {
		return
	}
	// 3. length of bulk chunk data (32 bit little-endian)
	if err = binary.Write(c, binary.LittleEndian, uint32(len(bulkData))); err != nil {
		return
	}
	// 4. crc32 of 1, 2, and 3 (little-endian)
	if err = binary.Write(c, binary.LittleEndian, c.wCrc); err != nil {
		return
	}
	if len(bulkData) > 0 {
		// 5. bulk chunk data
		// Note that bufio.Writer will pass this write directly though to
		// c.rwc once it flushes its buffer and has more than one buffer's
		// worth of data to write, so most of the data won't be copied more
		// than once.
		c.wCrc = 0
		if _, err = c.Write(bulkData); err != nil {
			return
		}
		putChunkBuffer(bulkData, exclusive)
		// 6. crc32 of bulk chunk data (little-endian)
		if err = binary.Write(c, binary.LittleEndian, c.wCrc); err != nil {
			return
		}
	}
	return c.encBuf.Flush()
}

func (c *chunkBulkCodec) readBulkBody(body interface{}) (err error) {
	var bulkData []byte
	var exclusive bool
	bb, isBulk := body.(BulkData)
	if isBulk {
		// Get a preallocated slice from the body, if it has one.
		bulkData, exclusive = bb.Get()
	}

	// 2. gob-encoded body
	if err = c.dec.Decode(body); err != nil {
		return
	}
	// 3. length of bulk chunk data (32 bit little-endian)
	var bulkLen uint32
	if err = binary.Read(c, binary.LittleEndian, &bulkLen); err != nil {
		return
	}
	// 4. crc32 of 1, 2, and 3 (little-endian)
	haveCrc := c.rCrc
	var wantCrc uint32
	if err = binary.Read(c, binary.LittleEndian, &wantCrc); err != nil {
		return
	}
	if wantCrc != haveCrc {
		return errChecksumMismatch
	}
	if bulkLen > 0 {
		if !isBulk {
			return fmt.Errorf("chunkrpc: type %T doesn't implement BulkData", body)
		}
		if cap(bulkData) >= int(bulkLen) {
			bulkData = bulkData[:bulkLen]
		} else {
			bulkData = getChunkBuffer(int(bulkLen))
			exclusive = true
		}
		// 5. bulk chunk data
		// ReadFull + bufio.Reader will do a direct read from the Reader once
		// the buffer (default 4KB) is exhausted and there's more than one
		// buffer's worth of data to read, so most of the data won't be
		// copied more than once here.
		c.rCrc = 0
		if _, err = io.ReadFull(c, bulkData); err != nil {
			return
		}
		// 6. crc32 of bulk chunk data (little-endian)
		haveCrc = c.rCrc
		if err = binary.Read(c, binary.LittleEndian, &wantCrc); err != nil {
			return
		}
		// Allow zero to mean "don't check this crc", so caller can choose
		// not to compute a crc here.
		if wantCrc != 0 && wantCrc != haveCrc {
			return errChecksumMismatch
		}
		bb.Set(bulkData, exclusive)
	}
	return
}
