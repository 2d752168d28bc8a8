// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package catalog keeps a registry of the persistence files known to a process.
//
// Every substream with persistence registers its file on open and updates it on close. The catalog lets
// operators find files with unacknowledged messages without mapping each of them.
package catalog

import (
	"errors"
	"os"
	"path"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold"

	"github.com/dtn7/tunnelstream/pkg/persist"
)

const dirBadger string = "db"

// ErrUnknown is returned for names without an Entry.
var ErrUnknown = errors.New("catalog: unknown persistence file")

// Catalog of persistence files, backed by badgerhold.
type Catalog struct {
	bh  *badgerhold.Store
	now func() time.Time
}

// Open a new Catalog or an existing one from the given directory.
func Open(dir string) (c *Catalog, err error) {
	badgerDir := path.Join(dir, dirBadger)

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()
	opts.Options.ValueLogFileSize = 1<<26 - 1

	if dirErr := os.MkdirAll(badgerDir, 0700); dirErr != nil {
		err = dirErr
		return
	}

	if bh, bhErr := badgerhold.Open(opts); bhErr != nil {
		err = bhErr
	} else {
		c = &Catalog{bh: bh, now: time.Now}
	}
	return
}

// Close the Catalog. It must not be used afterwards.
func (c *Catalog) Close() error {
	return c.bh.Close()
}

// Register a freshly opened Log under name. Known names keep their creation time.
func (c *Catalog) Register(name string, l *persist.Log) error {
	now := c.now()

	e, err := c.Get(name)
	if errors.Is(err, ErrUnknown) {
		log.WithFields(log.Fields{
			"name": name,
			"file": l.Path(),
		}).Info("Catalog registers new persistence file")

		e = Entry{Name: name, Created: now}
	} else if err != nil {
		return err
	}

	e.refresh(l)
	e.LastOpened = now
	return c.bh.Upsert(name, e)
}

// Update the Entry of name from the Log's current state.
func (c *Catalog) Update(name string, l *persist.Log) error {
	e, err := c.Get(name)
	if err != nil {
		return err
	}

	e.refresh(l)

	log.WithFields(log.Fields{
		"name":     name,
		"saved":    e.Saved,
		"last out": e.LastOutSeq,
		"last in":  e.LastInSeq,
	}).Debug("Catalog updates persistence file")

	return c.bh.Update(name, e)
}

// Get the Entry for name.
func (c *Catalog) Get(name string) (e Entry, err error) {
	err = c.bh.Get(name, &e)
	if errors.Is(err, badgerhold.ErrNotFound) {
		err = ErrUnknown
	}
	return
}

// List all Entries, sorted by name.
func (c *Catalog) List() (es []Entry, err error) {
	if err = c.bh.Find(&es, nil); err != nil {
		return
	}
	sort.Slice(es, func(i, j int) bool { return es[i].Name < es[j].Name })
	return
}

// Pending lists all Entries with unacknowledged records, sorted by name.
func (c *Catalog) Pending() (es []Entry, err error) {
	if err = c.bh.Find(&es, badgerhold.Where("Pending").Eq(true)); err != nil {
		return
	}
	sort.Slice(es, func(i, j int) bool { return es[i].Name < es[j].Name })
	return
}

// Remove the Entry for name; the file itself is left alone.
func (c *Catalog) Remove(name string) error {
	if _, err := c.Get(name); err != nil {
		return err
	}

	log.WithField("name", name).Info("Catalog removes persistence file")
	return c.bh.Delete(name, Entry{})
}
