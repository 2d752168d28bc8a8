// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package bufpool supplies the send buffers of a tunnel stream.
//
// A Pool cuts Slices out of large backing blocks. Each block counts its outstanding Slices and only returns to
// the free list once that count drops to zero. Messages too large for a block are placed in BigBuffers instead,
// which come from size classes doubling from twice the fragment size.
//
// Neither Pool nor BigPool is safe for concurrent use; both belong to a single connection's event loop.
package bufpool

import (
	"errors"
	"fmt"

	pool "github.com/libp2p/go-buffer-pool"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrNoBuffers is returned when the user slice limit is reached. Retry after releasing a Slice.
	ErrNoBuffers = errors.New("bufpool: no buffers available")

	// ErrTooLarge is returned for requests exceeding a backing block; use a BigBuffer instead.
	ErrTooLarge = errors.New("bufpool: requested length exceeds block capacity")
)

// Options of a Pool.
type Options struct {
	// FragmentSize is the largest message a single Slice must hold.
	FragmentSize int

	// HeaderAllowance is added to FragmentSize for envelope and extended headers.
	HeaderAllowance int

	// MaxUserSlices limits the number of outstanding user Slices; zero disables the limit.
	MaxUserSlices int
}

// BlockSize returns the capacity of a backing block.
func (o Options) BlockSize() int {
	return o.FragmentSize + o.HeaderAllowance
}

const noBlock = -1

// block is a backing block, addressed by its index in Pool.blocks.
type block struct {
	buf         []byte
	cursor      int
	outstanding int
}

func (b *block) remaining() int {
	return len(b.buf) - b.cursor
}

// Pool is an arena of backing blocks.
type Pool struct {
	opts Options

	blocks []*block
	free   []int

	current     int
	userCurrent int

	outstanding     int
	userOutstanding int
}

// NewPool creates a Pool without any allocated block.
func NewPool(opts Options) (*Pool, error) {
	if opts.FragmentSize <= 0 {
		return nil, fmt.Errorf("bufpool: fragment size %d is invalid", opts.FragmentSize)
	} else if opts.HeaderAllowance < 0 || opts.MaxUserSlices < 0 {
		return nil, fmt.Errorf("bufpool: negative header allowance or user slice limit")
	}

	return &Pool{
		opts:        opts,
		current:     noBlock,
		userCurrent: noBlock,
	}, nil
}

// Options returns the Options this Pool was created with.
func (p *Pool) Options() Options {
	return p.opts
}

// AcquireSlice reserves length bytes. User Slices count against the user slice limit and are cut from their own
// current block.
func (p *Pool) AcquireSlice(length int, forUser bool) (*Slice, error) {
	if length < 0 {
		return nil, fmt.Errorf("bufpool: negative length %d", length)
	} else if length > p.opts.BlockSize() {
		return nil, ErrTooLarge
	} else if forUser && p.opts.MaxUserSlices > 0 && p.userOutstanding >= p.opts.MaxUserSlices {
		return nil, ErrNoBuffers
	}

	cur := &p.current
	if forUser {
		cur = &p.userCurrent
	}

	if *cur == noBlock || p.blocks[*cur].remaining() < length {
		p.retire(*cur)
		*cur = p.takeBlock()
	}

	b := p.blocks[*cur]
	s := &Slice{
		pool:     p,
		block:    *cur,
		offset:   b.cursor,
		length:   length,
		capacity: length,
		user:     forUser,
		mode:     ModeWrite | ModeFullEnvelope,
	}

	b.cursor += length
	b.outstanding++
	p.outstanding++
	if forUser {
		p.userOutstanding++
	}
	return s, nil
}

// ReleaseSlice hands a Slice back. Releasing a Slice twice has no effect.
func (p *Pool) ReleaseSlice(s *Slice) {
	if s == nil || s.released || s.pool != p {
		return
	}
	s.released = true

	if s.block >= len(p.blocks) {
		return
	}

	b := p.blocks[s.block]
	b.outstanding--
	p.outstanding--
	if s.user {
		p.userOutstanding--
	}

	if b.outstanding > 0 {
		return
	}

	b.cursor = 0
	if s.block != p.current && s.block != p.userCurrent {
		p.free = append(p.free, s.block)
	}
}

// retire a current block which is about to be replaced. A block without outstanding Slices goes back to the free
// list right away, otherwise its last release will do so.
func (p *Pool) retire(handle int) {
	if handle == noBlock {
		return
	}

	if b := p.blocks[handle]; b.outstanding == 0 {
		b.cursor = 0
		p.free = append(p.free, handle)
	}
}

// takeBlock pops a free block or allocates a new one.
func (p *Pool) takeBlock() int {
	if n := len(p.free); n > 0 {
		handle := p.free[n-1]
		p.free = p.free[:n-1]
		return handle
	}

	p.blocks = append(p.blocks, &block{buf: pool.Get(p.opts.BlockSize())})

	log.WithFields(log.Fields{
		"blocks":     len(p.blocks),
		"block size": p.opts.BlockSize(),
	}).Debug("Buffer pool allocated a new backing block")

	return len(p.blocks) - 1
}

// shrink gives the tail of the most recently cut Slice back to its block.
func (p *Pool) shrink(s *Slice, length int) {
	b := p.blocks[s.block]
	if s.offset+s.capacity == b.cursor {
		b.cursor = s.offset + length
		s.capacity = length
	}
}

// Stats is a snapshot of a Pool's bookkeeping.
type Stats struct {
	Blocks          int
	FreeBlocks      int
	Outstanding     int
	UserOutstanding int
}

// Stats of this Pool.
func (p *Pool) Stats() Stats {
	return Stats{
		Blocks:          len(p.blocks),
		FreeBlocks:      len(p.free),
		Outstanding:     p.outstanding,
		UserOutstanding: p.userOutstanding,
	}
}

// Close returns all backing blocks to the byte pool. Outstanding Slices must not be used afterwards.
func (p *Pool) Close() {
	for _, b := range p.blocks {
		pool.Put(b.buf)
		b.buf = nil
	}
	p.blocks, p.free = nil, nil
	p.current, p.userCurrent = noBlock, noBlock
}
