// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package substream implements one guaranteed-delivery queue inside a tunnel stream.
//
// A Substream encodes outgoing Data messages into pooled buffers, optionally saves them to a persistence Log,
// assigns sequence numbers on transmission and replays unacknowledged messages after a reconnect. Inbound
// messages are decoded, acknowledged and handed to a Handler. A Substream is driven by a Scheduler, usually a
// manager.Manager, and must only be used from its owner's event loop.
package substream

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/tunnelstream/pkg/bufpool"
	"github.com/dtn7/tunnelstream/pkg/catalog"
	"github.com/dtn7/tunnelstream/pkg/persist"
	"github.com/dtn7/tunnelstream/pkg/queuemsg"
)

var (
	// ErrNotOpen is returned for operations requiring an open Substream.
	ErrNotOpen = errors.New("substream: not open")

	// ErrClosed is returned by a closed Substream.
	ErrClosed = errors.New("substream: closed")

	// ErrMsgTooLarge is returned by Submit for messages exceeding Options.MaxMsgLen.
	ErrMsgTooLarge = errors.New("substream: message exceeds maximum size")

	// ErrSavedMessage is returned if a queued or saved Data message cannot be decoded again.
	ErrSavedMessage = errors.New("substream: invalid saved message")
)

// Transport hands encoded envelopes to the connection. Submit must not retain b after returning; an error
// wrapping bufpool.ErrNoBuffers asks for a retry later.
type Transport interface {
	Submit(b []byte) error
}

// Scheduler is told when a Substream needs to be dispatched or woken up.
type Scheduler interface {
	AddToDispatchList(id int32)
	AddToTimeoutList(id int32, at time.Time)
	RemoveFromTimeoutList(id int32)
}

// Handler receives the messages a Substream delivers to its application: inbound Data, Ack, DataExpired, Status,
// Refresh and Close as well as locally generated Ack and DataExpired messages.
type Handler interface {
	HandleMsg(m queuemsg.Msg)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(m queuemsg.Msg)

// HandleMsg calls f(m).
func (f HandlerFunc) HandleMsg(m queuemsg.Msg) {
	f(m)
}

// Options for a Substream.
type Options struct {
	StreamID   int32
	DomainType uint8

	// Name is the source name of this Substream's messages.
	Name []byte

	// MaxMsgLen limits encoded messages; records exceeding it expire on retransmission. Zero disables the limit.
	MaxMsgLen int

	Pool    *bufpool.Pool
	BigPool *bufpool.BigPool

	// Log makes this Substream persistent. The Substream owns the Log and closes it.
	Log *persist.Log

	// Catalog, if set, is updated under CatalogName when this Substream opens and closes.
	Catalog     *catalog.Catalog
	CatalogName string

	Now func() time.Time
}

type state uint8

const (
	stateIdle state = iota
	stateRequested
	stateOpen
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateRequested:
		return "requested"
	case stateOpen:
		return "open"
	case stateClosed:
		return "closed"
	default:
		return "INVALID"
	}
}

// outMsg is a queued Data message. Its buffer is nil for replayed records until they are loaded for dispatch.
type outMsg struct {
	buf bufpool.Buffer
	rec *persist.Record

	// seq is the sequence number of messages without a record once hasSeq is set.
	seq    uint32
	hasSeq bool

	expires   time.Time
	hasExpiry bool

	duplicate bool
}

func (om *outMsg) release() {
	if om.buf != nil {
		om.buf.Release()
		om.buf = nil
	}
}

// Substream is a reliable queue multiplexed into a tunnel stream.
type Substream struct {
	opts      Options
	transport Transport
	scheduler Scheduler
	handler   Handler

	state state

	ctrl  []bufpool.Buffer
	queue []*outMsg

	// lastOut and lastIn are only used without a Log.
	lastOut uint32
	lastIn  uint32
}

// New creates an idle Substream. Call Open to send its Request.
func New(opts Options, transport Transport, scheduler Scheduler, handler Handler) (*Substream, error) {
	if opts.Pool == nil {
		return nil, fmt.Errorf("substream: no buffer pool")
	} else if len(opts.Name) > queuemsg.MaxNameLen {
		return nil, fmt.Errorf("substream: name exceeds %d bytes", queuemsg.MaxNameLen)
	} else if transport == nil || scheduler == nil || handler == nil {
		return nil, fmt.Errorf("substream: transport, scheduler and handler are required")
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Catalog != nil && opts.CatalogName == "" {
		opts.CatalogName = fmt.Sprintf("stream-%d", opts.StreamID)
	}

	return &Substream{
		opts:      opts,
		transport: transport,
		scheduler: scheduler,
		handler:   handler,
	}, nil
}

// ID of this Substream.
func (s *Substream) ID() int32 {
	return s.opts.StreamID
}

// Persistent is true for Substreams with a Log.
func (s *Substream) Persistent() bool {
	return s.opts.Log != nil
}

// Closed reports if this Substream was closed, locally or by its peer.
func (s *Substream) Closed() bool {
	return s.state == stateClosed
}

// Pending is the number of queued outgoing Data messages.
func (s *Substream) Pending() int {
	return len(s.queue)
}

func (s *Substream) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"stream": s.opts.StreamID,
		"state":  s.state,
	})
}

func (s *Substream) lastOutSeq() uint32 {
	if s.opts.Log != nil {
		return s.opts.Log.LastOutSeq()
	}
	return s.lastOut
}

func (s *Substream) lastInSeq() uint32 {
	if s.opts.Log != nil {
		return s.opts.Log.LastInSeq()
	}
	return s.lastIn
}

func (s *Substream) setLastInSeq(seq uint32) error {
	if s.opts.Log != nil {
		return s.opts.Log.SaveLastInSeq(seq)
	}
	s.lastIn = seq
	return nil
}

func (s *Substream) header() queuemsg.Header {
	return queuemsg.Header{StreamID: s.opts.StreamID, DomainType: s.opts.DomainType}
}

// Open sends a Request carrying the last sequence numbers of a previous session.
func (s *Substream) Open() error {
	switch s.state {
	case stateClosed:
		return ErrClosed
	case stateRequested, stateOpen:
		return nil
	}

	req := &queuemsg.Request{
		Header:        s.header(),
		Source:        s.opts.Name,
		LastOutSeqNum: s.lastOutSeq(),
		LastInSeqNum:  s.lastInSeq(),
	}
	if err := s.queueCtrl(req); err != nil {
		return err
	}
	s.state = stateRequested

	if s.opts.Catalog != nil && s.opts.Log != nil {
		if err := s.opts.Catalog.Register(s.opts.CatalogName, s.opts.Log); err != nil {
			s.logger().WithError(err).Warn("Registering persistence file in catalog failed")
		}
	}

	s.logger().WithFields(log.Fields{
		"last out": req.LastOutSeqNum,
		"last in":  req.LastInSeqNum,
		"persist":  s.Persistent(),
	}).Info("Substream requested")
	return nil
}

// Reconnect requests the Substream again after its connection was reestablished. Control messages for the old
// connection are dropped. The peer's answering Refresh replays the saved messages.
func (s *Substream) Reconnect() error {
	if s.state == stateClosed {
		return ErrClosed
	}

	for _, buf := range s.ctrl {
		buf.Release()
	}
	s.ctrl = nil

	s.state = stateIdle
	return s.Open()
}

// Close sends a Close message and releases all resources.
func (s *Substream) Close() error {
	if s.state == stateClosed {
		return nil
	}

	var err error
	if s.state != stateIdle {
		if sendErr := s.sendNow(&queuemsg.Close{Header: s.header()}); sendErr != nil {
			err = multierror.Append(err, fmt.Errorf("sending close: %w", sendErr))
		}
	}
	if relErr := s.release(); relErr != nil {
		err = multierror.Append(err, relErr)
	}

	s.logger().Info("Substream closed")
	return err
}

// closeByPeer releases all resources without notifying the peer.
func (s *Substream) closeByPeer() error {
	s.logger().Info("Substream closed by peer")
	return s.release()
}

func (s *Substream) release() error {
	s.state = stateClosed
	s.scheduler.RemoveFromTimeoutList(s.opts.StreamID)

	for _, buf := range s.ctrl {
		buf.Release()
	}
	s.ctrl = nil
	for _, om := range s.queue {
		om.release()
	}
	s.queue = nil

	if s.opts.Log == nil {
		return nil
	}

	if s.opts.Catalog != nil {
		if err := s.opts.Catalog.Update(s.opts.CatalogName, s.opts.Log); err != nil {
			s.logger().WithError(err).Warn("Updating persistence file in catalog failed")
		}
	}
	return s.opts.Log.Close()
}
