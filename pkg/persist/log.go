// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package persist

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dtn7/tunnelstream/pkg/envelope"
	"github.com/dtn7/tunnelstream/pkg/queuemsg"
)

// Options to Open a Log. MaxSlots and MaxMsgLen only apply to newly created files; an existing file keeps the
// geometry it was created with.
type Options struct {
	Path      string
	MaxSlots  int
	MaxMsgLen int

	// ReadOnly maps the file without write access and without taking its lock.
	ReadOnly bool

	// Now is the clock used for queue times, time.Now if nil.
	Now func() time.Time
}

// Record describes one saved message.
type Record struct {
	handle SlotHandle
	length int

	seqNum      uint32
	transmitted bool

	timeQueued time.Time
	ttl        queuemsg.Timeout

	prev, next *Record
	log        *Log
}

// Handle is the file offset of this Record's slot.
func (r *Record) Handle() SlotHandle { return r.handle }

// Len is the length of the saved message.
func (r *Record) Len() int { return r.length }

// SeqNum is the assigned sequence number; it is only valid if Transmitted is true.
func (r *Record) SeqNum() uint32 { return r.seqNum }

// Transmitted reports if this message was sent at least once.
func (r *Record) Transmitted() bool { return r.transmitted }

// TimeQueued is the time the message was saved.
func (r *Record) TimeQueued() time.Time { return r.timeQueued }

// TTL is the message's timeout, counted from TimeQueued.
func (r *Record) TTL() queuemsg.Timeout { return r.ttl }

// Expires returns the instant this Record's TTL runs out and false for infinite TTLs.
func (r *Record) Expires() (time.Time, bool) {
	if r.ttl == queuemsg.TimeoutInfinite {
		return time.Time{}, false
	}
	return r.timeQueued.Add(time.Duration(r.ttl) * time.Millisecond), true
}

func (r *Record) String() string {
	if !r.transmitted {
		return fmt.Sprintf("Record(slot=%d, len=%d, untransmitted)", r.handle, r.length)
	}
	return fmt.Sprintf("Record(slot=%d, len=%d, seq=%d)", r.handle, r.length, r.seqNum)
}

// Log is an opened persistence file. It is not safe for concurrent use.
type Log struct {
	path     string
	readOnly bool
	now      func() time.Time

	file *os.File
	mem  []byte
	geo  geometry

	// free holds the free list, its head being the last element.
	free []SlotHandle

	head, tail *Record
	count      int

	closed bool
}

// Open a persistence file, creating it if it does not exist or is empty.
func Open(opts Options) (l *Log, err error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	flag := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(opts.Path, flag, 0600)
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", opts.Path, err)
	}

	l = &Log{
		path:     opts.Path,
		readOnly: opts.ReadOnly,
		now:      opts.Now,
		file:     f,
	}

	if err = l.open(opts); err != nil {
		if l.mem != nil {
			_ = unix.Munmap(l.mem)
		}
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) open(opts Options) error {
	if !opts.ReadOnly {
		if err := unix.Flock(int(l.file.Fd()), unix.LOCK_EX|unix.LOCK_NB); errors.Is(err, unix.EWOULDBLOCK) {
			return ErrLocked
		} else if err != nil {
			return fmt.Errorf("persist: flock %s: %w", l.path, err)
		}
	}

	fi, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("persist: stat %s: %w", l.path, err)
	}

	if fi.Size() == 0 {
		if opts.ReadOnly {
			return &CorruptError{Path: l.path, Reason: "empty file"}
		}
		return l.create(opts)
	}
	return l.load(fi.Size())
}

func (l *Log) mmap(size int64) (err error) {
	prot := unix.PROT_READ
	if !l.readOnly {
		prot |= unix.PROT_WRITE
	}

	if l.mem, err = unix.Mmap(int(l.file.Fd()), 0, int(size), prot, unix.MAP_SHARED); err != nil {
		l.mem = nil
		return fmt.Errorf("persist: mmap %s: %w", l.path, err)
	}
	return nil
}

// create initializes a new file with all slots on the free list.
func (l *Log) create(opts Options) error {
	if opts.MaxSlots <= 0 || opts.MaxMsgLen <= 0 {
		return fmt.Errorf("persist: invalid geometry of %d slots of %d bytes", opts.MaxSlots, opts.MaxMsgLen)
	}

	l.geo = geometry{maxSlots: uint32(opts.MaxSlots), maxMsgLen: uint32(opts.MaxMsgLen)}
	if size := l.geo.fileSize(); size > maxFileSize {
		return fmt.Errorf("persist: %d slots of %d bytes exceed the maximum file size", opts.MaxSlots, opts.MaxMsgLen)
	}

	if err := unix.Ftruncate(int(l.file.Fd()), l.geo.fileSize()); err != nil {
		return fmt.Errorf("persist: ftruncate %s: %w", l.path, err)
	}
	if err := l.mmap(l.geo.fileSize()); err != nil {
		return err
	}

	le.PutUint32(l.mem[hdrVersion:], FileVersion)
	le.PutUint32(l.mem[hdrMaxSlots:], l.geo.maxSlots)
	le.PutUint32(l.mem[hdrMaxMsgLen:], l.geo.maxMsgLen)
	le.PutUint32(l.mem[hdrCurrentCount:], 0)
	le.PutUint32(l.mem[hdrLastOutSeq:], 0)
	le.PutUint32(l.mem[hdrLastInSeq:], 0)
	le.PutUint32(l.mem[hdrSavedHead:], 0)
	le.PutUint32(l.mem[hdrFlags:], 0)

	l.free = make([]SlotHandle, 0, l.geo.maxSlots)
	for i := l.geo.maxSlots; i > 0; i-- {
		h := l.geo.handle(i - 1)
		s, err := slotAt(l.mem, l.geo, h)
		if err != nil {
			return err
		}
		s.reset(0, 0, 0)
		if len(l.free) > 0 {
			s.setNext(l.free[len(l.free)-1])
		}
		l.free = append(l.free, h)
	}
	l.setFreeHead()

	log.WithFields(log.Fields{
		"file":  l.path,
		"slots": l.geo.maxSlots,
		"size":  humanize.Bytes(uint64(l.geo.fileSize())),
	}).Info("Created persistence file")

	return l.flush(0, len(l.mem))
}

// load maps an existing file and rebuilds both lists from its pointers.
func (l *Log) load(size int64) error {
	if size < headerLen {
		return &CorruptError{Path: l.path, Reason: fmt.Sprintf("%d bytes are too short for a header", size)}
	}
	if err := l.mmap(size); err != nil {
		return err
	}

	if version := le.Uint32(l.mem[hdrVersion:]); version != FileVersion {
		return &CorruptError{Path: l.path, Offset: hdrVersion, Reason: fmt.Sprintf("unsupported version %d", version)}
	}

	l.geo = geometry{
		maxSlots:  le.Uint32(l.mem[hdrMaxSlots:]),
		maxMsgLen: le.Uint32(l.mem[hdrMaxMsgLen:]),
	}
	if l.geo.maxSlots == 0 || l.geo.maxMsgLen == 0 {
		return &CorruptError{Path: l.path, Offset: hdrMaxSlots, Reason: "empty geometry"}
	} else if l.geo.fileSize() != size {
		return &CorruptError{Path: l.path, Offset: hdrMaxSlots,
			Reason: fmt.Sprintf("geometry requires %d bytes, file has %d", l.geo.fileSize(), size)}
	}

	seen := make([]bool, l.geo.maxSlots)
	visit := func(h SlotHandle) (slot, error) {
		idx, err := l.geo.index(h)
		if err != nil {
			return nil, &CorruptError{Path: l.path, Offset: int64(h), Reason: err.Error()}
		} else if seen[idx] {
			return nil, &CorruptError{Path: l.path, Offset: int64(h), Reason: "slot is linked twice"}
		}
		seen[idx] = true
		return slotAt(l.mem, l.geo, h)
	}

	for h := SlotHandle(le.Uint32(l.mem[hdrSavedHead:])); h != 0; {
		s, err := visit(h)
		if err != nil {
			return err
		}

		rec, err := l.loadRecord(h, s)
		if err != nil {
			return err
		}
		l.appendRecord(rec)
		h = s.next()
	}

	var freeOrder []SlotHandle
	for h := SlotHandle(le.Uint32(l.mem[hdrFreeHead:])); h != 0; {
		s, err := visit(h)
		if err != nil {
			return err
		}
		freeOrder = append(freeOrder, h)
		h = s.next()
	}

	// The free list's head is the last element of l.free.
	l.free = make([]SlotHandle, 0, len(freeOrder))
	for i := len(freeOrder) - 1; i >= 0; i-- {
		l.free = append(l.free, freeOrder[i])
	}

	if !l.readOnly {
		l.reclaimLeaked(seen)
		l.setCount()
	}

	log.WithFields(log.Fields{
		"file":     l.path,
		"slots":    l.geo.maxSlots,
		"saved":    l.count,
		"free":     len(l.free),
		"last out": l.LastOutSeq(),
		"last in":  l.LastInSeq(),
	}).Info("Reopened persistence file")

	if l.readOnly {
		return nil
	}
	return l.flush(0, len(l.mem))
}

// loadRecord reads a saved slot's header into a Record.
func (l *Log) loadRecord(h SlotHandle, s slot) (*Record, error) {
	length := s.msgLength()
	if int(length) > l.geo.dataCap() {
		return nil, &CorruptError{Path: l.path, Offset: int64(h) + slotMsgLength,
			Reason: fmt.Sprintf("message length %d exceeds slot capacity %d", length, l.geo.dataCap())}
	}

	rec := &Record{
		handle:     h,
		length:     int(length),
		timeQueued: time.UnixMilli(s.timeQueued()),
		ttl:        queuemsg.Timeout(s.ttl()),
		log:        l,
	}

	if s.flags()&slotTransmitted != 0 {
		seq, err := envelope.PeekSeqNum(s.data()[:length])
		if err != nil {
			return nil, &CorruptError{Path: l.path, Offset: int64(h) + slotHeaderLen,
				Reason: fmt.Sprintf("transmitted message without sequence number: %v", err)}
		}
		rec.seqNum, rec.transmitted = seq, true
	}
	return rec, nil
}

// reclaimLeaked puts slots on neither list, left over by an interrupted update, back on the free list.
func (l *Log) reclaimLeaked(seen []bool) {
	for i, ok := range seen {
		if ok {
			continue
		}

		h := l.geo.handle(uint32(i))
		s, _ := slotAt(l.mem, l.geo, h)
		s.setNext(l.freeHead())
		l.free = append(l.free, h)
		l.setFreeHead()

		log.WithFields(log.Fields{
			"file": l.path,
			"slot": h,
		}).Warn("Reclaimed slot linked to neither list")
	}
}

// flush synchronizes the pages covering [off, off+n) with the file.
func (l *Log) flush(off, n int) error {
	if l.readOnly {
		return nil
	}

	pageSize := os.Getpagesize()
	start := off &^ (pageSize - 1)
	end := off + n
	if end > len(l.mem) {
		end = len(l.mem)
	}

	if err := unix.Msync(l.mem[start:end], unix.MS_SYNC); err != nil {
		return fmt.Errorf("persist: msync %s: %w", l.path, err)
	}
	return nil
}

// Close flushes and unmaps the file and releases its lock. The Log must not be used afterwards.
func (l *Log) Close() error {
	if l.closed {
		return ErrClosed
	}
	l.closed = true

	var err error
	if ferr := l.flush(0, len(l.mem)); ferr != nil {
		err = multierror.Append(err, ferr)
	}
	if merr := unix.Munmap(l.mem); merr != nil {
		err = multierror.Append(err, fmt.Errorf("persist: munmap %s: %w", l.path, merr))
	}
	l.mem = nil
	if cerr := l.file.Close(); cerr != nil {
		err = multierror.Append(err, fmt.Errorf("persist: close %s: %w", l.path, cerr))
	}

	l.head, l.tail, l.free = nil, nil, nil
	return err
}

func (l *Log) freeHead() SlotHandle {
	if len(l.free) == 0 {
		return 0
	}
	return l.free[len(l.free)-1]
}

func (l *Log) setFreeHead() {
	le.PutUint32(l.mem[hdrFreeHead:], uint32(l.freeHead()))
}

func (l *Log) setSavedHead() {
	var h SlotHandle
	if l.head != nil {
		h = l.head.handle
	}
	le.PutUint32(l.mem[hdrSavedHead:], uint32(h))
}

func (l *Log) setCount() {
	le.PutUint32(l.mem[hdrCurrentCount:], uint32(l.count))
}

// Path of the persistence file.
func (l *Log) Path() string { return l.path }

// Capacity is the number of slots.
func (l *Log) Capacity() int { return int(l.geo.maxSlots) }

// MaxMsgLen is the configured maximum message length of this file.
func (l *Log) MaxMsgLen() int { return int(l.geo.maxMsgLen) }

// SlotDataCap is the number of message bytes a slot holds.
func (l *Log) SlotDataCap() int { return l.geo.dataCap() }

// Count is the number of saved Records.
func (l *Log) Count() int { return l.count }

// FreeSlots is the number of free slots.
func (l *Log) FreeSlots() int { return len(l.free) }

// LastOutSeq is the sequence number of the latest transmitted message.
func (l *Log) LastOutSeq() uint32 { return le.Uint32(l.mem[hdrLastOutSeq:]) }

// LastInSeq is the sequence number of the latest received message.
func (l *Log) LastInSeq() uint32 { return le.Uint32(l.mem[hdrLastInSeq:]) }

// Records returns the saved Records in order.
func (l *Log) Records() []*Record {
	recs := make([]*Record, 0, l.count)
	for r := l.head; r != nil; r = r.next {
		recs = append(recs, r)
	}
	return recs
}
