// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bufpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBigPoolClasses(t *testing.T) {
	bp, err := NewBigPool(BigOptions{FragmentSize: 1000})
	require.NoError(t, err)
	defer bp.Close()

	tests := []struct {
		length int
		size   int
	}{
		{1, 2000},
		{2000, 2000},
		{2001, 4000},
		{5000, 8000},
		{16000, 16000},
	}

	for _, test := range tests {
		bb, err := bp.AcquireBigBuffer(test.length)
		require.NoError(t, err)
		require.Equal(t, test.size, bb.Cap(), "length %d", test.length)
		require.Equal(t, test.length, bb.Len())
		require.Len(t, bb.Bytes(), test.length)
		bb.Release()
	}

	require.Equal(t, []int{2000, 4000, 8000, 16000}, bp.ClassSizes())
	require.Equal(t, 0, bp.Outstanding())
}

func TestBigPoolLimit(t *testing.T) {
	bp, err := NewBigPool(BigOptions{FragmentSize: 100, MaxCount: 2})
	require.NoError(t, err)
	defer bp.Close()

	a, err := bp.AcquireBigBuffer(300)
	require.NoError(t, err)
	_, err = bp.AcquireBigBuffer(300)
	require.NoError(t, err)

	_, err = bp.AcquireBigBuffer(300)
	require.ErrorIs(t, err, ErrBigBufferLimit)

	a.Release()
	a.Release()
	require.Equal(t, 1, bp.Outstanding())

	c, err := bp.AcquireBigBuffer(250)
	require.NoError(t, err)
	require.Equal(t, 400, c.Cap())
}

func TestBigPoolReuse(t *testing.T) {
	bp, err := NewBigPool(BigOptions{FragmentSize: 64})
	require.NoError(t, err)
	defer bp.Close()

	a, err := bp.AcquireBigBuffer(100)
	require.NoError(t, err)
	first := &a.Bytes()[0]
	a.Release()
	require.Nil(t, a.Bytes())

	b, err := bp.AcquireBigBuffer(120)
	require.NoError(t, err)
	require.True(t, first == &b.Bytes()[0], "released buffer of the same class must be reused")

	require.NoError(t, b.SetLength(128))
	require.Error(t, b.SetLength(129))
}

func TestBigPoolMaxLength(t *testing.T) {
	bp, err := NewBigPool(BigOptions{FragmentSize: 1000, MaxCount: 1})
	require.NoError(t, err)
	defer bp.Close()

	for _, length := range []int{MaxBigBufferLen + 1, int(^uint(0) >> 1)} {
		_, err := bp.AcquireBigBuffer(length)
		require.Error(t, err, "length %d", length)
		require.NotErrorIs(t, err, ErrBigBufferLimit)
	}
	require.Equal(t, 0, bp.Outstanding())
	require.Empty(t, bp.ClassSizes())

	_, err = NewBigPool(BigOptions{FragmentSize: MaxBigBufferLen})
	require.Error(t, err)
}
