// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bufpool

import (
	"errors"
	"fmt"

	pool "github.com/libp2p/go-buffer-pool"
	log "github.com/sirupsen/logrus"
)

// ErrBigBufferLimit is returned when the maximum number of BigBuffers is in use. Retry later.
var ErrBigBufferLimit = errors.New("bufpool: big buffer limit reached")

// MaxBigBufferLen is the largest length a BigBuffer can be requested for.
const MaxBigBufferLen = 1 << 30

// BigOptions of a BigPool.
type BigOptions struct {
	// FragmentSize is the fragment size of the connection; the smallest class holds twice as much.
	FragmentSize int

	// MaxCount limits the number of outstanding BigBuffers; zero disables the limit.
	MaxCount int
}

// bigClass caches released buffers of one size.
type bigClass struct {
	size int
	free [][]byte
}

// BigPool hands out BigBuffers from size classes, each one twice as large as the previous one.
type BigPool struct {
	opts    BigOptions
	classes []*bigClass

	outstanding int
}

// NewBigPool creates a BigPool. Its size classes are created on demand.
func NewBigPool(opts BigOptions) (*BigPool, error) {
	if opts.FragmentSize <= 0 {
		return nil, fmt.Errorf("bufpool: fragment size %d is invalid", opts.FragmentSize)
	} else if opts.FragmentSize > MaxBigBufferLen/2 {
		return nil, fmt.Errorf("bufpool: fragment size %d exceeds %d", opts.FragmentSize, MaxBigBufferLen/2)
	} else if opts.MaxCount < 0 {
		return nil, fmt.Errorf("bufpool: big buffer limit %d is invalid", opts.MaxCount)
	}
	return &BigPool{opts: opts}, nil
}

// classFor returns the index of the smallest class holding length bytes, creating missing classes. The length
// must not exceed MaxBigBufferLen.
func (bp *BigPool) classFor(length int) int {
	size, idx := 2*bp.opts.FragmentSize, 0
	for size < length {
		size *= 2
		idx++
	}

	for len(bp.classes) <= idx {
		classSize := 2 * bp.opts.FragmentSize << uint(len(bp.classes))
		bp.classes = append(bp.classes, &bigClass{size: classSize})
	}
	return idx
}

// AcquireBigBuffer returns a BigBuffer of at least length bytes.
func (bp *BigPool) AcquireBigBuffer(length int) (*BigBuffer, error) {
	if length < 0 {
		return nil, fmt.Errorf("bufpool: negative length %d", length)
	} else if length > MaxBigBufferLen {
		return nil, fmt.Errorf("bufpool: length %d exceeds the big buffer maximum of %d", length, MaxBigBufferLen)
	} else if bp.opts.MaxCount > 0 && bp.outstanding >= bp.opts.MaxCount {
		log.WithFields(log.Fields{
			"length":      length,
			"outstanding": bp.outstanding,
		}).Debug("Big buffer pool refused a request")
		return nil, ErrBigBufferLimit
	}

	idx := bp.classFor(length)
	class := bp.classes[idx]

	var buf []byte
	if n := len(class.free); n > 0 {
		buf = class.free[n-1]
		class.free = class.free[:n-1]
	} else {
		buf = pool.Get(class.size)
	}

	bp.outstanding++
	return &BigBuffer{pool: bp, class: idx, buf: buf[:class.size], length: length}, nil
}

// ReleaseBigBuffer returns a BigBuffer to its class. Releasing it twice has no effect.
func (bp *BigPool) ReleaseBigBuffer(bb *BigBuffer) {
	if bb == nil || bb.released || bb.pool != bp {
		return
	}
	bb.released = true

	class := bp.classes[bb.class]
	class.free = append(class.free, bb.buf)
	bb.buf = nil
	bp.outstanding--
}

// Outstanding is the number of BigBuffers in use.
func (bp *BigPool) Outstanding() int {
	return bp.outstanding
}

// ClassSizes lists the sizes of all created classes.
func (bp *BigPool) ClassSizes() []int {
	sizes := make([]int, len(bp.classes))
	for i, class := range bp.classes {
		sizes[i] = class.size
	}
	return sizes
}

// Close returns every cached buffer to the byte pool.
func (bp *BigPool) Close() {
	for _, class := range bp.classes {
		for _, buf := range class.free {
			pool.Put(buf)
		}
		class.free = nil
	}
}

// BigBuffer is a standalone buffer from a BigPool.
type BigBuffer struct {
	pool  *BigPool
	class int

	buf      []byte
	length   int
	released bool
}

func (bb *BigBuffer) String() string {
	return fmt.Sprintf("BigBuffer(class=%d, len=%d, cap=%d)", bb.class, bb.length, len(bb.buf))
}

// Bytes of this BigBuffer.
func (bb *BigBuffer) Bytes() []byte {
	if bb.released {
		return nil
	}
	return bb.buf[:bb.length]
}

// Len is the current length.
func (bb *BigBuffer) Len() int {
	return bb.length
}

// Cap is the size of this BigBuffer's class.
func (bb *BigBuffer) Cap() int {
	return len(bb.buf)
}

// SetLength changes the length within the class size.
func (bb *BigBuffer) SetLength(n int) error {
	if n < 0 || n > len(bb.buf) {
		return fmt.Errorf("bufpool: length %d exceeds capacity %d", n, len(bb.buf))
	}
	bb.length = n
	return nil
}

// Release hands this BigBuffer back to its BigPool.
func (bb *BigBuffer) Release() {
	bb.pool.ReleaseBigBuffer(bb)
}
