// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package persist

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dtn7/tunnelstream/pkg/envelope"
	"github.com/dtn7/tunnelstream/pkg/queuemsg"
)

var testEpoch = time.Date(2022, 5, 20, 12, 0, 0, 0, time.UTC)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func testOptions(t *testing.T, slots int) (Options, *testClock) {
	clock := &testClock{now: testEpoch}
	return Options{
		Path:      filepath.Join(t.TempDir(), "stream.persist"),
		MaxSlots:  slots,
		MaxMsgLen: 256,
		Now:       clock.Now,
	}, clock
}

func openLog(t *testing.T, opts Options) *Log {
	l, err := Open(opts)
	require.NoError(t, err)
	return l
}

func dataMsg(t *testing.T, id int64, payload string) []byte {
	msg, err := queuemsg.Encode(&queuemsg.Data{
		Header:        queuemsg.Header{StreamID: 3, DomainType: 10},
		Destination:   []byte("DEST"),
		Source:        []byte("SRC"),
		Identifier:    id,
		Timeout:       queuemsg.TimeoutInfinite,
		ContainerType: envelope.ContainerOpaque,
		Payload:       []byte(payload),
	})
	require.NoError(t, err)
	return msg
}

func TestLogCreate(t *testing.T) {
	opts, _ := testOptions(t, 4)
	l := openLog(t, opts)
	defer l.Close()

	require.Equal(t, 4, l.Capacity())
	require.Equal(t, 4, l.FreeSlots())
	require.Equal(t, 0, l.Count())
	require.Equal(t, uint32(0), l.LastOutSeq())
	require.Equal(t, 256+HeaderAllowance, l.SlotDataCap())

	fi, err := os.Stat(opts.Path)
	require.NoError(t, err)
	require.Equal(t, int64(headerLen+4*(slotHeaderLen+256+HeaderAllowance)), fi.Size())
}

func TestLogSaveUntilFull(t *testing.T) {
	opts, _ := testOptions(t, 3)
	l := openLog(t, opts)
	defer l.Close()

	var recs []*Record
	for i := 0; i < 3; i++ {
		rec, err := l.SaveMessage(dataMsg(t, int64(i), "payload"), queuemsg.TimeoutInfinite)
		require.NoError(t, err)
		recs = append(recs, rec)
	}

	_, err := l.SaveMessage(dataMsg(t, 3, "payload"), queuemsg.TimeoutInfinite)
	require.ErrorIs(t, err, ErrPersistenceFull)
	require.Equal(t, 3, l.Count())

	seq, err := l.MarkTransmitted(recs[0])
	require.NoError(t, err)
	n, err := l.ReleaseUpTo(seq)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rec, err := l.SaveMessage(dataMsg(t, 4, "payload"), queuemsg.TimeoutInfinite)
	require.NoError(t, err)
	require.Equal(t, recs[0].Handle(), rec.Handle(), "released slot must be reused")
	require.Equal(t, []*Record{recs[1], recs[2], rec}, l.Records())
}

func TestLogSaveTooLarge(t *testing.T) {
	opts, _ := testOptions(t, 2)
	l := openLog(t, opts)
	defer l.Close()

	_, err := l.SaveMessage(make([]byte, l.SlotDataCap()+1), queuemsg.TimeoutInfinite)
	require.ErrorIs(t, err, ErrMsgTooLarge)

	_, err = l.SaveMessage(make([]byte, l.SlotDataCap()), queuemsg.TimeoutInfinite)
	require.NoError(t, err)
}

func TestLogMarkTransmitted(t *testing.T) {
	opts, _ := testOptions(t, 2)
	l := openLog(t, opts)
	defer l.Close()

	rec, err := l.SaveMessage(dataMsg(t, 1, "a"), queuemsg.TimeoutInfinite)
	require.NoError(t, err)
	require.False(t, rec.Transmitted())

	seq, err := l.MarkTransmitted(rec)
	require.NoError(t, err)
	require.Equal(t, uint32(1), seq)

	again, err := l.MarkTransmitted(rec)
	require.NoError(t, err)
	require.Equal(t, seq, again, "sequence numbers are never reassigned")
	require.Equal(t, uint32(1), l.LastOutSeq())

	msg, err := l.Message(rec)
	require.NoError(t, err)
	stored, err := envelope.PeekSeqNum(msg)
	require.NoError(t, err)
	require.Equal(t, seq, stored)
}

func TestLogReopen(t *testing.T) {
	opts, clock := testOptions(t, 5)
	l := openLog(t, opts)

	var msgs [][]byte
	for i := 0; i < 3; i++ {
		clock.now = clock.now.Add(time.Second)
		msg := dataMsg(t, int64(i), "persisted")
		_, err := l.SaveMessage(msg, queuemsg.Timeout(60000*(i+1)))
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}

	recs := l.Records()
	for _, rec := range recs[:2] {
		_, err := l.MarkTransmitted(rec)
		require.NoError(t, err)
	}
	require.NoError(t, l.SaveLastInSeq(77))

	before := l.Records()
	require.NoError(t, l.Close())

	l = openLog(t, opts)
	defer l.Close()

	require.Equal(t, uint32(2), l.LastOutSeq())
	require.Equal(t, uint32(77), l.LastInSeq())
	require.Equal(t, 3, l.Count())
	require.Equal(t, 2, l.FreeSlots())

	after := l.Records()
	require.Len(t, after, len(before))
	for i := range after {
		require.Equal(t, before[i].Handle(), after[i].Handle())
		require.Equal(t, before[i].Transmitted(), after[i].Transmitted())
		require.Equal(t, before[i].SeqNum(), after[i].SeqNum())
		require.Equal(t, before[i].Len(), after[i].Len())
		require.True(t, before[i].TimeQueued().Equal(after[i].TimeQueued()))
		require.Equal(t, before[i].TTL(), after[i].TTL())

		msg, err := l.Message(after[i])
		require.NoError(t, err)
		if before[i].Transmitted() {
			seq, _ := envelope.PeekSeqNum(msg)
			require.Equal(t, before[i].SeqNum(), seq)
		} else {
			require.True(t, bytes.Equal(msgs[i], msg))
		}
	}

	// The next transmission continues the sequence.
	seq, err := l.MarkTransmitted(after[2])
	require.NoError(t, err)
	require.Equal(t, uint32(3), seq)
}

func TestLogFree(t *testing.T) {
	opts, _ := testOptions(t, 4)
	l := openLog(t, opts)

	var recs []*Record
	for i := 0; i < 3; i++ {
		rec, err := l.SaveMessage(dataMsg(t, int64(i), "x"), queuemsg.TimeoutInfinite)
		require.NoError(t, err)
		recs = append(recs, rec)
	}

	require.NoError(t, l.Free(recs[1]))
	require.ErrorIs(t, l.Free(recs[1]), ErrUnknownRecord)
	require.Equal(t, []*Record{recs[0], recs[2]}, l.Records())

	require.NoError(t, l.Free(recs[2]))
	require.Equal(t, []*Record{recs[0]}, l.Records())
	handle0 := recs[0].Handle()
	require.NoError(t, l.Close())

	l = openLog(t, opts)
	defer l.Close()
	require.Len(t, l.Records(), 1)
	require.Equal(t, handle0, l.Records()[0].Handle())
	require.Equal(t, 3, l.FreeSlots())
}

func TestLogReleaseUpToStops(t *testing.T) {
	opts, _ := testOptions(t, 4)
	l := openLog(t, opts)
	defer l.Close()

	for i := 0; i < 4; i++ {
		_, err := l.SaveMessage(dataMsg(t, int64(i), "x"), queuemsg.TimeoutInfinite)
		require.NoError(t, err)
	}
	recs := l.Records()
	for _, rec := range recs[:3] {
		_, err := l.MarkTransmitted(rec)
		require.NoError(t, err)
	}

	n, err := l.ReleaseUpTo(2)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []*Record{recs[2], recs[3]}, l.Records())

	// The untransmitted record stops the walk even for later sequence numbers.
	n, err = l.ReleaseUpTo(100)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []*Record{recs[3]}, l.Records())
}

func TestLogSequenceWraparound(t *testing.T) {
	opts, _ := testOptions(t, 4)
	l := openLog(t, opts)
	defer l.Close()

	le.PutUint32(l.mem[hdrLastOutSeq:], 0xFFFFFFFE)

	var seqs []uint32
	for i := 0; i < 3; i++ {
		rec, err := l.SaveMessage(dataMsg(t, int64(i), "x"), queuemsg.TimeoutInfinite)
		require.NoError(t, err)
		seq, err := l.MarkTransmitted(rec)
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}
	require.Equal(t, []uint32{0xFFFFFFFF, 1, 2}, seqs)

	n, err := l.ReleaseUpTo(1)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, uint32(2), l.Records()[0].SeqNum())
}

func TestLogLocked(t *testing.T) {
	opts, _ := testOptions(t, 2)
	l := openLog(t, opts)
	defer l.Close()

	_, err := Open(opts)
	require.ErrorIs(t, err, ErrLocked)

	ro := opts
	ro.ReadOnly = true
	rl, err := Open(ro)
	require.NoError(t, err)
	defer rl.Close()

	_, err = rl.SaveMessage(dataMsg(t, 1, "x"), queuemsg.TimeoutInfinite)
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestLogClosed(t *testing.T) {
	opts, _ := testOptions(t, 2)
	l := openLog(t, opts)
	require.NoError(t, l.Close())

	require.ErrorIs(t, l.Close(), ErrClosed)
	_, err := l.SaveMessage(dataMsg(t, 1, "x"), queuemsg.TimeoutInfinite)
	require.ErrorIs(t, err, ErrClosed)
	_, err = l.ReleaseUpTo(1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestLogCorrupt(t *testing.T) {
	tests := []struct {
		name   string
		modify func(data []byte) []byte
	}{
		{"version", func(data []byte) []byte {
			le.PutUint32(data[hdrVersion:], 99)
			return data
		}},
		{"truncated", func(data []byte) []byte {
			return data[:len(data)-1]
		}},
		{"short header", func(data []byte) []byte {
			return data[:10]
		}},
		{"unaligned pointer", func(data []byte) []byte {
			le.PutUint32(data[hdrSavedHead:], headerLen+1)
			return data
		}},
		{"pointer into header", func(data []byte) []byte {
			le.PutUint32(data[hdrFreeHead:], 4)
			return data
		}},
		{"loop", func(data []byte) []byte {
			// The saved head is linked into the free list as well.
			le.PutUint32(data[hdrFreeHead:], le.Uint32(data[hdrSavedHead:]))
			return data
		}},
		{"length", func(data []byte) []byte {
			le.PutUint32(data[le.Uint32(data[hdrSavedHead:])+slotMsgLength:], 0xFFFF)
			return data
		}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			opts, _ := testOptions(t, 3)
			l := openLog(t, opts)
			rec, err := l.SaveMessage(dataMsg(t, 1, "x"), queuemsg.TimeoutInfinite)
			require.NoError(t, err)
			_, err = l.MarkTransmitted(rec)
			require.NoError(t, err)
			require.NoError(t, l.Close())

			data, err := os.ReadFile(opts.Path)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(opts.Path, test.modify(data), 0600))

			_, err = Open(opts)
			var corrupt *CorruptError
			require.True(t, errors.As(err, &corrupt), "expected CorruptError, got %v", err)
		})
	}
}

func TestLogReclaimLeaked(t *testing.T) {
	opts, _ := testOptions(t, 3)
	l := openLog(t, opts)
	require.NoError(t, l.Close())

	// Unlink the free list's head as an interrupted update would.
	data, err := os.ReadFile(opts.Path)
	require.NoError(t, err)
	head := le.Uint32(data[hdrFreeHead:])
	le.PutUint32(data[hdrFreeHead:], le.Uint32(data[head+slotNext:]))
	require.NoError(t, os.WriteFile(opts.Path, data, 0600))

	l = openLog(t, opts)
	defer l.Close()
	require.Equal(t, 3, l.FreeSlots())

	for i := 0; i < 3; i++ {
		_, err := l.SaveMessage(dataMsg(t, int64(i), "x"), queuemsg.TimeoutInfinite)
		require.NoError(t, err)
	}
	_, err = l.SaveMessage(dataMsg(t, 4, "x"), queuemsg.TimeoutInfinite)
	require.ErrorIs(t, err, ErrPersistenceFull)
}

func TestLogInvalidGeometry(t *testing.T) {
	opts, _ := testOptions(t, 0)
	_, err := Open(opts)
	require.Error(t, err)

	opts, _ = testOptions(t, 1<<20)
	opts.MaxMsgLen = 1 << 20
	_, err = Open(opts)
	require.Error(t, err)
}
