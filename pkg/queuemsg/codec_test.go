// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package queuemsg

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/dtn7/tunnelstream/pkg/envelope"
)

func TestMsgEncodeDecode(t *testing.T) {
	hdr := Header{StreamID: 5, DomainType: 10}

	tests := []Msg{
		&Request{Header: hdr, Source: []byte("CLIENT.Q"), LastOutSeqNum: 17, LastInSeqNum: 3},
		&Request{Header: hdr, Source: []byte("CLIENT.Q")},
		&Refresh{
			Header:        hdr,
			Source:        []byte("SERVER.Q"),
			LastOutSeqNum: 0xFFFFFFFF,
			LastInSeqNum:  11,
			QueueDepth:    300,
			State:         envelope.State{StreamState: envelope.StreamOpen, DataState: envelope.DataOk, Text: []byte("ok")},
		},
		&Status{Header: hdr},
		&Status{
			Header:   hdr,
			HasState: true,
			State:    envelope.State{StreamState: envelope.StreamClosedRecover, DataState: envelope.DataSuspect, Code: 3},
		},
		&Close{Header: hdr},
		&Data{
			Header:        hdr,
			SeqNum:        12,
			Destination:   []byte("DEST"),
			Source:        []byte("SRC"),
			Identifier:    -42,
			Timeout:       60000,
			Flags:         PossibleDuplicate,
			QueueDepth:    4,
			ContainerType: envelope.ContainerOpaque,
			Payload:       []byte("hello world"),
		},
		&Data{
			Header:        hdr,
			Destination:   []byte("DEST"),
			Timeout:       TimeoutInfinite,
			ContainerType: envelope.ContainerOpaque,
		},
		&Ack{
			Header:      hdr,
			SeqNum:      2,
			AckedSeqNum: 12,
			Destination: []byte("SRC"),
			Source:      []byte("DEST"),
			Identifier:  -42,
		},
		&DataExpired{
			Header:        hdr,
			Destination:   []byte("SRC"),
			Source:        []byte("DEST"),
			Identifier:    1 << 40,
			Code:          UndeliverableExpired,
			Flags:         PossibleDuplicate,
			QueueDepth:    9,
			ContainerType: envelope.ContainerOpaque,
			Payload:       []byte{0x00, 0x01},
		},
		&DataExpired{
			Header:      hdr,
			SeqNum:      77,
			Destination: bytes.Repeat([]byte("x"), MaxNameLen),
			Code:        UndeliverableQueueFull,
		},
	}

	for _, test := range tests {
		data, err := Encode(test)
		if err != nil {
			t.Fatalf("encoding %v errored: %v", test, err)
		}
		if l, err := EncodedLen(test); err != nil || l != len(data) {
			t.Fatalf("EncodedLen of %v is %d, encoded %d bytes", test, l, len(data))
		}

		msg, err := Decode(data)
		if err != nil {
			t.Fatalf("decoding %v errored: %v", test, err)
		} else if msg.Kind() != test.Kind() {
			t.Fatalf("expected kind %v, got %v", test.Kind(), msg.Kind())
		} else if !reflect.DeepEqual(test, msg) {
			t.Fatalf("decoded message differs:\n%v\n%v", test, msg)
		}
	}
}

func TestDataLayout(t *testing.T) {
	d := &Data{
		Header:        Header{StreamID: 5, DomainType: 10},
		SeqNum:        1,
		Destination:   []byte("D"),
		Source:        []byte("S"),
		Identifier:    7,
		Timeout:       60000,
		QueueDepth:    3,
		ContainerType: envelope.ContainerOpaque,
		Payload:       []byte("p"),
	}
	expected := []byte{
		// Envelope:
		0x07, 0x0A, 0x00, 0x00, 0x00, 0x05, 0x82, 0x00, 0x13,
		// Sequence Number:
		0x00, 0x00, 0x00, 0x01,
		// Destination:
		0x01, 'D',
		// Extended Header Length:
		0x0C,
		// Opcode, Flags, Source:
		0x01, 0x00, 0x01, 'S',
		// Timeout:
		0x03, 0x00, 0xEA, 0x60,
		// Identifier:
		0x01, 0x07,
		// Queue Depth:
		0x00, 0x03,
		// Payload:
		'p',
	}

	data, err := Encode(d)
	if err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(data, expected) {
		t.Fatalf("expected %x, got %x", expected, data)
	}

	buf := make([]byte, len(expected)+10)
	if n, err := EncodeInto(buf, d); err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(buf[:n], expected) {
		t.Fatalf("EncodeInto wrote %x", buf[:n])
	}
}

func TestRefreshShortExtHeader(t *testing.T) {
	e := envelope.Msg{
		Class:     envelope.ClassRefresh,
		StreamID:  1,
		Flags:     envelope.HasState | envelope.HasKey | envelope.HasExtHeader,
		State:     envelope.State{StreamState: envelope.StreamOpen, DataState: envelope.DataOk},
		Name:      []byte("Q"),
		ExtHeader: []byte{byte(OpcodeRefresh), 0, 0, 0, 9, 0, 0, 0, 8},
	}
	data, err := e.Encode()
	if err != nil {
		t.Fatal(err)
	}

	msg, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	refresh := msg.(*Refresh)
	if refresh.LastOutSeqNum != 9 || refresh.LastInSeqNum != 8 || refresh.QueueDepth != 0 {
		t.Fatalf("unexpected Refresh %v", refresh)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []envelope.Msg{
		// Data without a sequence number
		{
			Class:     envelope.ClassGeneric,
			Flags:     envelope.HasKey | envelope.HasExtHeader,
			Name:      []byte("D"),
			ExtHeader: []byte{byte(OpcodeData), 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00},
		},
		// Data without a destination
		{
			Class:     envelope.ClassGeneric,
			Flags:     envelope.HasSeqNum | envelope.HasExtHeader,
			ExtHeader: []byte{byte(OpcodeData), 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00},
		},
		// Data with a truncated extended header
		{
			Class:     envelope.ClassGeneric,
			Flags:     envelope.HasSeqNum | envelope.HasKey | envelope.HasExtHeader,
			Name:      []byte("D"),
			ExtHeader: []byte{byte(OpcodeData), 0x00, 0x05, 'a'},
		},
		// Generic without an extended header
		{
			Class: envelope.ClassGeneric,
			Flags: envelope.HasSeqNum | envelope.HasKey,
			Name:  []byte("D"),
		},
		// Unknown opcode
		{
			Class:     envelope.ClassGeneric,
			Flags:     envelope.HasExtHeader,
			ExtHeader: []byte{0x7F},
		},
		// Name longer than allowed
		{
			Class:     envelope.ClassGeneric,
			Flags:     envelope.HasSeqNum | envelope.HasKey | envelope.HasExtHeader,
			Name:      bytes.Repeat([]byte("n"), MaxNameLen+1),
			ExtHeader: []byte{byte(OpcodeData), 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00},
		},
		// Refresh with a too short extended header
		{
			Class:     envelope.ClassRefresh,
			Flags:     envelope.HasState | envelope.HasKey | envelope.HasExtHeader,
			Name:      []byte("Q"),
			ExtHeader: []byte{byte(OpcodeRefresh), 0, 0, 0, 1},
		},
		// Request with the wrong opcode
		{
			Class:     envelope.ClassRequest,
			Flags:     envelope.HasKey | envelope.HasExtHeader,
			Name:      []byte("Q"),
			ExtHeader: []byte{byte(OpcodeAck), 0, 0, 0, 1, 0, 0, 0, 1},
		},
		// Ack without the acknowledged sequence number
		{
			Class:     envelope.ClassGeneric,
			Flags:     envelope.HasSeqNum | envelope.HasKey | envelope.HasExtHeader,
			Name:      []byte("Q"),
			ExtHeader: []byte{byte(OpcodeAck), 0x00, 0x01, 0x01},
		},
		// DataExpired with an unknown undeliverable code
		{
			Class:     envelope.ClassGeneric,
			Flags:     envelope.HasKey | envelope.HasExtHeader,
			Name:      []byte("Q"),
			ExtHeader: []byte{byte(OpcodeDataExpired), 0x00, 0x00, 0x01, 0x01, 0xEE, 0x00, 0x00},
		},
		// Update is no substream message
		{
			Class: envelope.ClassUpdate,
		},
		// Status without an extended header
		{
			Class: envelope.ClassStatus,
			Flags: envelope.HasState,
			State: envelope.State{StreamState: envelope.StreamClosed, DataState: envelope.DataSuspect},
		},
		// Close with the wrong opcode
		{
			Class:     envelope.ClassClose,
			Flags:     envelope.HasExtHeader,
			ExtHeader: []byte{byte(OpcodeStatus)},
		},
		// Close with an empty extended header
		{
			Class:     envelope.ClassClose,
			Flags:     envelope.HasExtHeader,
			ExtHeader: []byte{},
		},
	}

	for i, test := range tests {
		data, err := test.Encode()
		if err != nil {
			t.Fatalf("test %d: encoding envelope errored: %v", i, err)
		}

		msg, err := Decode(data)
		if err == nil {
			t.Fatalf("test %d: decoding did not error, got %v", i, msg)
		} else if msg != nil {
			t.Fatalf("test %d: decoding errored but returned %v", i, msg)
		}

		var decodeErr *DecodeError
		if !errors.As(err, &decodeErr) {
			t.Fatalf("test %d: error %v is no DecodeError", i, err)
		} else if !errors.Is(err, ErrMalformed) {
			t.Fatalf("test %d: error %v does not match ErrMalformed", i, err)
		}
	}

	if _, err := Decode([]byte{0x07}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("truncated envelope resulted in %v", err)
	} else if strings.Contains(err.Error(), Kind(0).String()) {
		t.Fatalf("error of a truncated envelope names a kind: %v", err)
	}
}

func TestEncodeInvalid(t *testing.T) {
	tests := []Msg{
		&Data{Destination: bytes.Repeat([]byte("n"), MaxNameLen+1)},
		&Data{Source: bytes.Repeat([]byte("n"), MaxNameLen+1)},
		&Data{Timeout: -5},
		&Data{Flags: 0x8000},
		&Ack{Source: bytes.Repeat([]byte("n"), MaxNameLen+1)},
		&DataExpired{Code: 0xEE},
		&Request{Source: bytes.Repeat([]byte("n"), MaxNameLen+1)},
	}

	for _, test := range tests {
		if _, err := Encode(test); err == nil {
			t.Fatalf("encoding %v did not error", test)
		}
	}
}
