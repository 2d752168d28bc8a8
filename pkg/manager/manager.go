// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package manager drives the substreams of one connection.
//
// A Manager decides which Streams need a dispatch or timer processing on each Tick and converts unrecoverable
// failures into Status notifications. Like everything else reachable from a connection's event loop, a Manager is
// confined to that loop and performs no locking.
package manager

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/tunnelstream/pkg/bufpool"
	"github.com/dtn7/tunnelstream/pkg/envelope"
	"github.com/dtn7/tunnelstream/pkg/queuemsg"
)

var (
	// ErrClosed is returned by a closed Manager.
	ErrClosed = errors.New("manager: closed")

	// ErrUnknownStream is returned for stream identifiers without a Stream.
	ErrUnknownStream = errors.New("manager: unknown stream")

	// ErrDuplicateStream is returned by Add for an identifier already in use.
	ErrDuplicateStream = errors.New("manager: stream identifier already in use")
)

// Options for a Manager.
type Options struct {
	// OnStatus receives a closed-recoverable Status for each Stream closed because of a failure.
	OnStatus func(Status)
}

// Manager owns the Streams of one connection.
type Manager struct {
	opts Options

	entries map[int32]*entry

	// dispatch holds the identifiers flagged for dispatch in the order they were flagged.
	dispatch []int32

	// timeouts holds the identifiers with a timeout, sorted by their nextTimeout.
	timeouts []int32

	closed bool
}

// NewManager creates a Manager without any Stream.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:    opts,
		entries: make(map[int32]*entry),
	}
}

// Add a Stream. Its timeout is registered right away.
func (m *Manager) Add(s Stream) error {
	if m.closed {
		return ErrClosed
	} else if _, exists := m.entries[s.ID()]; exists {
		return ErrDuplicateStream
	}

	m.entries[s.ID()] = &entry{stream: s}
	if at, ok := s.NextTimeout(); ok {
		m.AddToTimeoutList(s.ID(), at)
	}

	log.WithField("stream", s.ID()).Debug("Manager added stream")
	return nil
}

// Remove a Stream from both lists and Close it.
func (m *Manager) Remove(id int32) error {
	e, ok := m.entries[id]
	if !ok {
		return ErrUnknownStream
	}

	m.drop(id)

	log.WithField("stream", id).Debug("Manager removes stream")
	return e.stream.Close()
}

// drop forgets a Stream without closing it.
func (m *Manager) drop(id int32) {
	m.RemoveFromDispatchList(id)
	m.RemoveFromTimeoutList(id)
	delete(m.entries, id)
}

// Len is the number of Streams.
func (m *Manager) Len() int {
	return len(m.entries)
}

// AddToDispatchList flags a Stream for the next Tick. Flagging a flagged Stream has no effect.
func (m *Manager) AddToDispatchList(id int32) {
	e, ok := m.entries[id]
	if !ok || e.inDispatch {
		return
	}

	e.inDispatch = true
	m.dispatch = append(m.dispatch, id)
}

// RemoveFromDispatchList clears a Stream's dispatch flag.
func (m *Manager) RemoveFromDispatchList(id int32) {
	e, ok := m.entries[id]
	if !ok || !e.inDispatch {
		return
	}

	e.inDispatch = false
	m.dispatch = removeID(m.dispatch, id)
}

// AddToTimeoutList registers a Stream's timeout. A registered Stream is moved to the new instant.
func (m *Manager) AddToTimeoutList(id int32, at time.Time) {
	e, ok := m.entries[id]
	if !ok {
		return
	} else if e.inTimeout {
		if e.nextTimeout.Equal(at) {
			return
		}
		m.timeouts = removeID(m.timeouts, id)
	}

	e.inTimeout = true
	e.nextTimeout = at

	i := sort.Search(len(m.timeouts), func(i int) bool {
		return m.entries[m.timeouts[i]].nextTimeout.After(at)
	})
	m.timeouts = append(m.timeouts, 0)
	copy(m.timeouts[i+1:], m.timeouts[i:])
	m.timeouts[i] = id
}

// RemoveFromTimeoutList unregisters a Stream's timeout.
func (m *Manager) RemoveFromTimeoutList(id int32) {
	e, ok := m.entries[id]
	if !ok || !e.inTimeout {
		return
	}

	e.inTimeout = false
	e.nextTimeout = time.Time{}
	m.timeouts = removeID(m.timeouts, id)
}

func removeID(ids []int32, id int32) []int32 {
	for i, other := range ids {
		if other == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// NextTimeout is the soonest registered timeout, false if there is none.
func (m *Manager) NextTimeout() (time.Time, bool) {
	if len(m.timeouts) == 0 {
		return time.Time{}, false
	}
	return m.entries[m.timeouts[0]].nextTimeout, true
}

// Tick dispatches all flagged Streams in the order they were flagged and processes all elapsed timeouts. It
// returns the number of dispatched Streams. A failing Stream is closed and reported via OnStatus; the Tick
// continues with the others.
func (m *Manager) Tick(now time.Time) (n int, err error) {
	if m.closed {
		return 0, ErrClosed
	}

	flagged := m.dispatch
	m.dispatch = nil

	var retry []int32
	for _, id := range flagged {
		e, ok := m.entries[id]
		if !ok {
			continue
		}
		e.inDispatch = false

		if dispErr := e.stream.Dispatch(now); errors.Is(dispErr, bufpool.ErrNoBuffers) {
			log.WithField("stream", id).Debug("Stream ran out of buffers, retrying with the next tick")
			retry = append(retry, id)
			n++
		} else if dispErr != nil {
			m.fail(id, fmt.Errorf("dispatch: %w", dispErr))
		} else {
			n++
		}
	}

	for _, id := range retry {
		m.AddToDispatchList(id)
	}

	var due []int32
	for _, id := range m.timeouts {
		if m.entries[id].nextTimeout.After(now) {
			break
		}
		due = append(due, id)
	}

	for _, id := range due {
		e, ok := m.entries[id]
		if !ok {
			continue
		}
		m.RemoveFromTimeoutList(id)

		if timerErr := e.stream.ProcessTimer(now); timerErr != nil {
			m.fail(id, fmt.Errorf("timer: %w", timerErr))
			continue
		}
		if at, ok := e.stream.NextTimeout(); ok {
			m.AddToTimeoutList(id, at)
		}
	}
	return
}

// fail closes a Stream after an unrecoverable error and reports it as closed-recoverable.
func (m *Manager) fail(id int32, err error) {
	e, ok := m.entries[id]
	if !ok {
		return
	}

	log.WithFields(log.Fields{
		"stream": id,
		"error":  err,
	}).Warn("Stream failed, closing it")

	m.drop(id)
	if closeErr := e.stream.Close(); closeErr != nil {
		log.WithFields(log.Fields{
			"stream": id,
			"error":  closeErr,
		}).Warn("Closing failed stream errored")
	}

	if m.opts.OnStatus != nil {
		m.opts.OnStatus(Status{
			StreamID: id,
			State: envelope.State{
				StreamState: envelope.StreamClosedRecover,
				DataState:   envelope.DataSuspect,
				Text:        []byte(err.Error()),
			},
		})
	}
}

// Deliver routes an inbound envelope to its Stream. Malformed messages are discarded and returned as an error;
// other failures close the Stream.
func (m *Manager) Deliver(b []byte) error {
	if m.closed {
		return ErrClosed
	}

	id, err := envelope.PeekStreamID(b)
	if err != nil {
		return err
	}

	e, ok := m.entries[id]
	if !ok {
		log.WithField("stream", id).Debug("Dropping message for unknown stream")
		return ErrUnknownStream
	}

	if readErr := e.stream.Read(b); errors.Is(readErr, queuemsg.ErrMalformed) {
		log.WithFields(log.Fields{
			"stream": id,
			"error":  readErr,
		}).Info("Dropping malformed message")
		return readErr
	} else if readErr != nil {
		m.fail(id, fmt.Errorf("read: %w", readErr))
		return nil
	}

	if e.stream.Closed() {
		log.WithField("stream", id).Debug("Stream was closed by its peer")
		m.drop(id)
		return nil
	}

	if at, ok := e.stream.NextTimeout(); ok {
		m.AddToTimeoutList(id, at)
	}
	return nil
}

// Close all Streams. The Manager must not be used afterwards.
func (m *Manager) Close() error {
	if m.closed {
		return ErrClosed
	}
	m.closed = true

	ids := make([]int32, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var err error
	for _, id := range ids {
		if closeErr := m.Remove(id); closeErr != nil {
			err = multierror.Append(err, fmt.Errorf("stream %d: %w", id, closeErr))
		}
	}
	return err
}
