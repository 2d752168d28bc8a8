// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/tunnelstream/pkg/catalog"
	"github.com/dtn7/tunnelstream/pkg/persist"
	"github.com/dtn7/tunnelstream/pkg/queuemsg"
)

// serveCatalog for the "serve" CLI option.
func serveCatalog(args []string) {
	if len(args) != 2 {
		printUsage()
	}

	var (
		addr = args[0]
		dir  = args[1]
	)

	c, err := catalog.Open(dir)
	if err != nil {
		printFatal(err, "Opening catalog errored")
	}
	defer func() { _ = c.Close() }()

	log.WithFields(log.Fields{
		"address":   addr,
		"directory": dir,
	}).Info("Serving catalog")

	if err := http.ListenAndServe(addr, newCatalogServer(c)); err != nil {
		log.WithError(err).Error("HTTP server errored")
	}
}

// catalogServer is a read-only JSON view of a Catalog and its persistence files.
type catalogServer struct {
	router  *mux.Router
	catalog *catalog.Catalog
}

// fileResponse describes one persistence file.
type fileResponse struct {
	Entry     catalog.Entry `json:"entry"`
	FreeSlots int           `json:"free_slots"`
	Error     string        `json:"error,omitempty"`
}

// recordResponse describes one saved message of a persistence file.
type recordResponse struct {
	Handle      uint32     `json:"handle"`
	Length      int        `json:"length"`
	Transmitted bool       `json:"transmitted"`
	SeqNum      uint32     `json:"seq_num,omitempty"`
	Queued      time.Time  `json:"queued"`
	Expires     *time.Time `json:"expires,omitempty"`
	Kind        string     `json:"kind"`
	StreamID    int32      `json:"stream_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newCatalogServer(c *catalog.Catalog) (cs *catalogServer) {
	cs = &catalogServer{
		router:  mux.NewRouter(),
		catalog: c,
	}

	cs.router.HandleFunc("/files", cs.handleList).Methods(http.MethodGet)
	cs.router.HandleFunc("/files/pending", cs.handlePending).Methods(http.MethodGet)
	cs.router.HandleFunc("/files/{name}", cs.handleFile).Methods(http.MethodGet)
	cs.router.HandleFunc("/files/{name}/records", cs.handleRecords).Methods(http.MethodGet)

	return cs
}

func (cs *catalogServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cs.router.ServeHTTP(w, r)
}

func (cs *catalogServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Writing HTTP response errored")
	}
}

func (cs *catalogServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, catalog.ErrUnknown) {
		status = http.StatusNotFound
	}
	cs.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// handleList processes /files GET requests.
func (cs *catalogServer) handleList(w http.ResponseWriter, _ *http.Request) {
	if es, err := cs.catalog.List(); err != nil {
		cs.writeError(w, err)
	} else {
		cs.writeJSON(w, http.StatusOK, es)
	}
}

// handlePending processes /files/pending GET requests.
func (cs *catalogServer) handlePending(w http.ResponseWriter, _ *http.Request) {
	if es, err := cs.catalog.Pending(); err != nil {
		cs.writeError(w, err)
	} else {
		cs.writeJSON(w, http.StatusOK, es)
	}
}

// openFile looks up a persistence file by its catalog name and maps it read-only.
func (cs *catalogServer) openFile(name string) (catalog.Entry, *persist.Log, error) {
	e, err := cs.catalog.Get(name)
	if err != nil {
		return e, nil, err
	}

	l, err := persist.Open(persist.Options{Path: e.Path, ReadOnly: true})
	return e, l, err
}

// handleFile processes /files/{name} GET requests.
func (cs *catalogServer) handleFile(w http.ResponseWriter, r *http.Request) {
	e, l, err := cs.openFile(mux.Vars(r)["name"])
	if errors.Is(err, catalog.ErrUnknown) {
		cs.writeError(w, err)
		return
	} else if err != nil {
		// The catalog may outlive its files; report the last known state.
		cs.writeJSON(w, http.StatusOK, fileResponse{Entry: e, Error: err.Error()})
		return
	}
	defer func() { _ = l.Close() }()

	e.LastOutSeq, e.LastInSeq, e.Saved = l.LastOutSeq(), l.LastInSeq(), l.Count()
	e.Pending = e.Saved > 0
	cs.writeJSON(w, http.StatusOK, fileResponse{Entry: e, FreeSlots: l.FreeSlots()})
}

// handleRecords processes /files/{name}/records GET requests.
func (cs *catalogServer) handleRecords(w http.ResponseWriter, r *http.Request) {
	_, l, err := cs.openFile(mux.Vars(r)["name"])
	if err != nil {
		cs.writeError(w, err)
		return
	}
	defer func() { _ = l.Close() }()

	recs := l.Records()
	resp := make([]recordResponse, 0, len(recs))
	for _, rec := range recs {
		rr := recordResponse{
			Handle:      uint32(rec.Handle()),
			Length:      rec.Len(),
			Transmitted: rec.Transmitted(),
			Queued:      rec.TimeQueued(),
			Kind:        "undecodable",
		}
		if rec.Transmitted() {
			rr.SeqNum = rec.SeqNum()
		}
		if at, ok := rec.Expires(); ok {
			rr.Expires = &at
		}

		if msg, err := l.Message(rec); err != nil {
			cs.writeError(w, err)
			return
		} else if m, err := queuemsg.Decode(msg); err == nil {
			rr.Kind, rr.StreamID = m.Kind().String(), m.Head().StreamID
		}

		resp = append(resp, rr)
	}
	cs.writeJSON(w, http.StatusOK, resp)
}
