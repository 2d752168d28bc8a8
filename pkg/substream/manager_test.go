// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package substream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dtn7/tunnelstream/pkg/bufpool"
	"github.com/dtn7/tunnelstream/pkg/envelope"
	"github.com/dtn7/tunnelstream/pkg/manager"
	"github.com/dtn7/tunnelstream/pkg/queuemsg"
)

func TestSubstreamWithManager(t *testing.T) {
	pool, err := bufpool.NewPool(bufpool.Options{FragmentSize: 256, HeaderAllowance: 64})
	require.NoError(t, err)

	clock := &testClock{now: testEpoch}
	ft := &fakeTransport{}
	hc := &collector{}

	var statuses []manager.Status
	m := manager.NewManager(manager.Options{OnStatus: func(s manager.Status) { statuses = append(statuses, s) }})

	l := openLog(t, t.TempDir()+"/stream.persist", 4)
	s, err := New(Options{
		StreamID: 5,
		Name:     []byte("consumer"),
		Pool:     pool,
		Log:      l,
		Now:      clock.Now,
	}, ft, m, hc)
	require.NoError(t, err)
	require.NoError(t, m.Add(s))

	require.NoError(t, s.Open())
	n, err := m.Tick(clock.now)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.IsType(t, &queuemsg.Request{}, ft.take(t)[0])

	require.NoError(t, m.Deliver(refresh(t, 5, 0)))
	require.NoError(t, s.Submit(data(1, "managed", queuemsg.Timeout(60000))))
	require.NoError(t, s.Submit(data(2, "managed", queuemsg.TimeoutInfinite)))

	next, ok := m.NextTimeout()
	require.True(t, ok)
	require.Equal(t, testEpoch.Add(time.Minute), next)

	// A transport without buffers is retried with the next tick.
	ft.err = bufpool.ErrNoBuffers
	n, err = m.Tick(clock.now)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, ft.sent)

	ft.err = nil
	n, err = m.Tick(clock.now)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, dataMsgs(t, ft.take(t)), 2)

	_, ok = m.NextTimeout()
	require.False(t, ok)

	require.NoError(t, m.Deliver(ack(t, 5, 2)))
	require.Equal(t, 0, l.Count())

	require.NoError(t, m.Close())
	require.IsType(t, &queuemsg.Close{}, ft.take(t)[0])
	require.True(t, s.Closed())
	require.Empty(t, statuses)
}

func TestSubstreamWithManagerInvalidReplay(t *testing.T) {
	pool, err := bufpool.NewPool(bufpool.Options{FragmentSize: 256, HeaderAllowance: 64})
	require.NoError(t, err)

	clock := &testClock{now: testEpoch}
	ft := &fakeTransport{}

	var statuses []manager.Status
	m := manager.NewManager(manager.Options{OnStatus: func(s manager.Status) { statuses = append(statuses, s) }})

	l := openLog(t, t.TempDir()+"/stream.persist", 4)
	s, err := New(Options{
		StreamID: 5,
		Name:     []byte("consumer"),
		Pool:     pool,
		Log:      l,
		Now:      clock.Now,
	}, ft, m, &collector{})
	require.NoError(t, err)
	require.NoError(t, m.Add(s))

	require.NoError(t, s.Open())
	_, err = m.Tick(clock.now)
	require.NoError(t, err)
	require.NoError(t, m.Deliver(refresh(t, 5, 0)))

	require.NoError(t, s.Submit(data(1, "sent", queuemsg.TimeoutInfinite)))
	_, err = m.Tick(clock.now)
	require.NoError(t, err)
	ft.take(t)

	require.NoError(t, s.Submit(data(2, "queued", queuemsg.TimeoutInfinite)))
	require.NoError(t, s.Submit(data(3, "queued", queuemsg.TimeoutInfinite)))
	require.Equal(t, 2, pool.Stats().UserOutstanding)

	// The saved copy of the first message becomes unreadable.
	msg, err := l.Message(l.Records()[0])
	require.NoError(t, err)
	msg[0] = 0xFF

	require.NoError(t, s.Reconnect())
	_, err = m.Tick(clock.now)
	require.NoError(t, err)
	require.IsType(t, &queuemsg.Request{}, ft.take(t)[0])

	// Replaying fails, closes the stream and reports it as recoverable.
	require.NoError(t, m.Deliver(refresh(t, 5, 1)))
	require.True(t, s.Closed())
	require.Equal(t, 0, m.Len())
	require.Equal(t, 0, pool.Stats().UserOutstanding)

	require.Len(t, statuses, 1)
	require.Equal(t, int32(5), statuses[0].StreamID)
	require.Equal(t, envelope.StreamClosedRecover, statuses[0].State.StreamState)

	require.NoError(t, m.Close())
}
