// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Specialized pools for the chunk payload sizes this client actually moves:
// 8MB (a full tract-sized chunk write/read), 4MB (a reed-solomon encoding
// block), and 1MB (smaller reads), each with chunkBufExtraRoom of headroom.

package chunkrpc

import (
	"sync"
)

// chunkBufExtraRoom is the headroom added to each pool's nominal size, so a
// payload slightly larger than 1, 4 or 8MB is still served from that pool.
// chunkBulkCodec reads the trailing crc32 into a separate value, not into
// the buffer.
const chunkBufExtraRoom = 64 * 1024

const (
	chunkBuf8MBSize = 8<<20 + chunkBufExtraRoom
	chunkBuf4MBSize = 4<<20 + chunkBufExtraRoom
	chunkBuf1MBSize = 1<<20 + chunkBufExtraRoom
)

var (
	chunkBuf8MBPool = sync.Pool{New: func() interface{} { b := make([]byte, chunkBuf8MBSize); return &b }}
	chunkBuf4MBPool = sync.Pool{New: func() interface{} { b := make([]byte, chunkBuf4MBSize); return &b }}
	chunkBuf1MBPool = sync.Pool{New: func() interface{} { b := make([]byte, chunkBuf1MBSize); return &b }}
)

// getChunkBuffer returns a []byte with length n and capacity >= n, sized to
// whichever chunk payload pool n fits in. The buffer may not be zeroed.
func getChunkBuffer(n int) []byte {
	if n <= 128*1024+chunkBufExtraRoom {
		// Don't bother with pools for small reads.
		return make([]byte, n)
	} else if n <= chunkBuf1MBSize {
		return (*chunkBuf1MBPool.Get().(*[]byte))[:n]
	} else if n <= chunkBuf4MBSize {
		return (*chunkBuf4MBPool.Get().(*[]byte))[:n]
	} else if n <= chunkBuf8MBSize {
		return (*chunkBuf8MBPool.Get().(*[]byte))[:n]
	}
	// A chunk payload larger than the biggest pool; just allocate it.
	return make([]byte, n)
}

// putChunkBuffer returns a buffer to its pool. It's okay to call this on any
// buffer that isn't going to be used again, whether it came from
// getChunkBuffer or not. 'exclusive' indicates whether the caller is the
// exclusive owner of the buffer (obviously, a shared buffer cannot be put in
// a pool); this signature matches BulkData.Get so it can be called directly
// on its result.
func putChunkBuffer(b []byte, exclusive bool) {
	if !exclusive {
		return
	}
	if cap(b) == chunkBuf8MBSize {
		chunkBuf8MBPool.Put(&b)
	} else if cap(b) == chunkBuf4MBSize {
		chunkBuf4MBPool.Put(&b)
	} else if cap(b) == chunkBuf1MBSize {
		chunkBuf1MBPool.Put(&b)
	}
}
