// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dtn7/cboring"
	"github.com/stretchr/testify/require"

	"github.com/dtn7/tunnelstream/pkg/catalog"
	"github.com/dtn7/tunnelstream/pkg/envelope"
	"github.com/dtn7/tunnelstream/pkg/persist"
	"github.com/dtn7/tunnelstream/pkg/queuemsg"
)

// writeTestFile creates a closed persistence file holding one transmitted and one queued message.
func writeTestFile(t *testing.T, dir, name string) *persist.Log {
	l, err := persist.Open(persist.Options{
		Path:      filepath.Join(dir, name+".persist"),
		MaxSlots:  4,
		MaxMsgLen: 128,
	})
	require.NoError(t, err)

	for i, payload := range []string{"first", "second"} {
		msg, err := queuemsg.Encode(&queuemsg.Data{
			Header:        queuemsg.Header{StreamID: 5, DomainType: 10},
			Destination:   []byte("dest"),
			Source:        []byte("src"),
			Timeout:       queuemsg.TimeoutInfinite,
			ContainerType: envelope.ContainerOpaque,
			Payload:       []byte(payload),
		})
		require.NoError(t, err)

		rec, err := l.SaveMessage(msg, queuemsg.TimeoutInfinite)
		require.NoError(t, err)
		if i == 0 {
			_, err = l.MarkTransmitted(rec)
			require.NoError(t, err)
		}
	}
	return l
}

func newTestServer(t *testing.T) *catalogServer {
	dir := t.TempDir()

	c, err := catalog.Open(filepath.Join(dir, "catalog"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	l := writeTestFile(t, dir, "tunnel")
	require.NoError(t, c.Register("tunnel", l))
	require.NoError(t, l.Close())

	return newCatalogServer(c)
}

func get(t *testing.T, cs *catalogServer, url string, v interface{}) int {
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	cs.ServeHTTP(rec, req)

	if v != nil {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
	}
	return rec.Code
}

func TestServeList(t *testing.T) {
	cs := newTestServer(t)

	var es []catalog.Entry
	require.Equal(t, http.StatusOK, get(t, cs, "/files", &es))
	require.Len(t, es, 1)
	require.Equal(t, "tunnel", es[0].Name)
	require.Equal(t, 2, es[0].Saved)

	var pending []catalog.Entry
	require.Equal(t, http.StatusOK, get(t, cs, "/files/pending", &pending))
	require.Len(t, pending, 1)
}

func TestServeFile(t *testing.T) {
	cs := newTestServer(t)

	var fr fileResponse
	require.Equal(t, http.StatusOK, get(t, cs, "/files/tunnel", &fr))
	require.Empty(t, fr.Error)
	require.Equal(t, 2, fr.Entry.Saved)
	require.Equal(t, uint32(1), fr.Entry.LastOutSeq)
	require.Equal(t, 2, fr.FreeSlots)

	var er errorResponse
	require.Equal(t, http.StatusNotFound, get(t, cs, "/files/nope", &er))
	require.NotEmpty(t, er.Error)
}

func TestServeRecords(t *testing.T) {
	cs := newTestServer(t)

	var rrs []recordResponse
	require.Equal(t, http.StatusOK, get(t, cs, "/files/tunnel/records", &rrs))
	require.Len(t, rrs, 2)

	require.True(t, rrs[0].Transmitted)
	require.Equal(t, uint32(1), rrs[0].SeqNum)
	require.False(t, rrs[1].Transmitted)
	for _, rr := range rrs {
		require.Equal(t, "Data", rr.Kind)
		require.Equal(t, int32(5), rr.StreamID)
		require.Nil(t, rr.Expires)
	}

	require.Equal(t, http.StatusNotFound, get(t, cs, "/files/nope/records", nil))
}

func TestDumpAndSnapshot(t *testing.T) {
	dir := t.TempDir()
	l := writeTestFile(t, dir, "dump")
	t.Cleanup(func() { _ = l.Close() })

	var out bytes.Buffer
	require.NoError(t, dump(&out, l, time.Now()))
	require.True(t, strings.Contains(out.String(), "Slots:       2 of 4 in use"))
	require.True(t, strings.Contains(out.String(), "Data on stream 5"))
	require.True(t, strings.Contains(out.String(), "Expires: never"))

	s, err := l.Snapshot()
	require.NoError(t, err)

	snapFile := filepath.Join(dir, "dump.snapshot")
	var buf bytes.Buffer
	require.NoError(t, cboring.Marshal(s, &buf))
	require.NoError(t, os.WriteFile(snapFile, buf.Bytes(), 0600))

	s2, err := readSnapshot(snapFile)
	require.NoError(t, err)
	require.NoError(t, l.Verify(s2))
}
