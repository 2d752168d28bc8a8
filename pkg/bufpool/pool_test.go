// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bufpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, maxUser int) *Pool {
	p, err := NewPool(Options{FragmentSize: 100, HeaderAllowance: 28, MaxUserSlices: maxUser})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestPoolUserLimit(t *testing.T) {
	p := newTestPool(t, 3)

	var slices []*Slice
	for i := 0; i < 3; i++ {
		s, err := p.AcquireSlice(10, true)
		require.NoError(t, err)
		slices = append(slices, s)
	}

	_, err := p.AcquireSlice(10, true)
	require.ErrorIs(t, err, ErrNoBuffers)

	// Non-user slices are not limited.
	other, err := p.AcquireSlice(10, false)
	require.NoError(t, err)
	require.False(t, other.IsUser())

	slices[1].Release()
	s, err := p.AcquireSlice(10, true)
	require.NoError(t, err)
	require.True(t, s.IsUser())
	require.Equal(t, 3, p.Stats().UserOutstanding)
}

func TestPoolBlockReuse(t *testing.T) {
	p := newTestPool(t, 0)
	blockSize := p.Options().BlockSize()
	require.Equal(t, 128, blockSize)

	a, err := p.AcquireSlice(100, false)
	require.NoError(t, err)
	b, err := p.AcquireSlice(100, false)
	require.NoError(t, err)
	require.Equal(t, 2, p.Stats().Blocks, "second slice must not fit into the first block")
	require.NotEqual(t, a.block, b.block)

	// The first block is no longer current and returns to the free list with its last slice.
	a.Release()
	require.Equal(t, 1, p.Stats().FreeBlocks)

	c, err := p.AcquireSlice(100, false)
	require.NoError(t, err)
	require.Equal(t, a.block, c.block, "free block must be reused")
	require.Equal(t, 2, p.Stats().Blocks)
	require.Equal(t, 0, c.offset)

	b.Release()
	c.Release()
	require.Equal(t, 0, p.Stats().Outstanding)
}

func TestPoolCurrentBlockStays(t *testing.T) {
	p := newTestPool(t, 0)

	a, err := p.AcquireSlice(40, false)
	require.NoError(t, err)
	b, err := p.AcquireSlice(40, false)
	require.NoError(t, err)
	require.Equal(t, a.block, b.block)
	require.Equal(t, 40, b.offset)

	a.Release()
	b.Release()
	require.Equal(t, 0, p.Stats().FreeBlocks, "current block stays in place")

	c, err := p.AcquireSlice(120, false)
	require.NoError(t, err)
	require.Equal(t, a.block, c.block)
	require.Equal(t, 0, c.offset, "cursor of the emptied current block was reset")
	require.Equal(t, 1, p.Stats().Blocks)
}

func TestPoolSlicesDoNotOverlap(t *testing.T) {
	p := newTestPool(t, 0)

	a, err := p.AcquireSlice(30, false)
	require.NoError(t, err)
	b, err := p.AcquireSlice(30, false)
	require.NoError(t, err)

	for i := range a.Bytes() {
		a.Bytes()[i] = 0xAA
	}
	for i := range b.Bytes() {
		b.Bytes()[i] = 0xBB
	}
	for _, v := range a.Bytes() {
		require.Equal(t, byte(0xAA), v)
	}
	require.Len(t, a.Bytes(), 30)
	require.Equal(t, 30, cap(a.Bytes()))
}

func TestPoolTooLarge(t *testing.T) {
	p := newTestPool(t, 0)

	_, err := p.AcquireSlice(129, false)
	require.ErrorIs(t, err, ErrTooLarge)

	_, err = p.AcquireSlice(-1, false)
	require.Error(t, err)
}

func TestSliceSetLength(t *testing.T) {
	p := newTestPool(t, 0)

	a, err := p.AcquireSlice(100, false)
	require.NoError(t, err)
	require.NoError(t, a.SetLength(20))
	require.Equal(t, 20, a.Len())
	require.Equal(t, 20, a.Cap())

	// The trimmed bytes went back to the block.
	b, err := p.AcquireSlice(100, false)
	require.NoError(t, err)
	require.Equal(t, a.block, b.block)
	require.Equal(t, 20, b.offset)

	require.Error(t, a.SetLength(21))
}

func TestSliceModes(t *testing.T) {
	p := newTestPool(t, 0)

	s, err := p.AcquireSlice(10, true)
	require.NoError(t, err)
	copy(s.Bytes(), "HDRpayload")
	require.Equal(t, ModeWrite|ModeFullEnvelope, s.Mode())

	require.NoError(t, s.SetInner(3))
	s.SetMode(ModeRead | ModeInner)
	require.Equal(t, []byte("payload"), s.Bytes())
	require.Equal(t, []byte("HDRpayload"), s.Envelope())

	require.Error(t, s.SetInner(11))
	require.Error(t, s.SetLength(2))

	s.Release()
	s.Release()
	require.Nil(t, s.Bytes())
	require.Equal(t, 0, p.Stats().UserOutstanding)
}

func TestNewPoolInvalid(t *testing.T) {
	_, err := NewPool(Options{})
	require.Error(t, err)
	_, err = NewPool(Options{FragmentSize: 10, MaxUserSlices: -1})
	require.Error(t, err)
}
