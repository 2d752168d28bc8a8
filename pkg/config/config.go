// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package config reads the TOML configuration of a tunnel stream process and translates it into the option
// structs of the other packages. Those packages never read configuration files themselves.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/tunnelstream/pkg/bufpool"
	"github.com/dtn7/tunnelstream/pkg/catalog"
	"github.com/dtn7/tunnelstream/pkg/persist"
	"github.com/dtn7/tunnelstream/pkg/queuemsg"
	"github.com/dtn7/tunnelstream/pkg/substream"
)

// Config describes the TOML configuration.
type Config struct {
	Logging     LogConf
	Tunnel      TunnelConf
	Persistence PersistenceConf
}

// LogConf describes the logging block.
type LogConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// TunnelConf describes the tunnel block.
type TunnelConf struct {
	MaxMsgSize              int `toml:"max-msg-size"`
	MaxFragmentSize         int `toml:"max-fragment-size"`
	GuaranteedOutputBuffers int `toml:"guaranteed-output-buffers"`
	BigBufferLimit          int `toml:"big-buffer-limit"`
}

// PersistenceConf describes the persistence block.
type PersistenceConf struct {
	Enabled   bool
	Directory string
	MaxMsgs   int    `toml:"max-msgs"`
	Catalog   string `toml:"catalog"`
}

// Default configuration, used for all fields missing from a file.
func Default() Config {
	return Config{
		Logging: LogConf{
			Level:  "info",
			Format: "text",
		},
		Tunnel: TunnelConf{
			MaxMsgSize:              614400,
			MaxFragmentSize:         6144,
			GuaranteedOutputBuffers: 50,
			BigBufferLimit:          16,
		},
		Persistence: PersistenceConf{
			MaxMsgs: 10000,
		},
	}
}

// Load and validate a TOML file.
func Load(filename string) (conf Config, err error) {
	conf = Default()

	md, err := toml.DecodeFile(filename, &conf)
	if err != nil {
		return
	}

	for _, key := range md.Undecoded() {
		log.WithFields(log.Fields{
			"file": filename,
			"key":  key.String(),
		}).Warn("Unknown configuration key")
	}

	err = conf.Validate()
	return
}

// Validate reports every invalid field at once.
func (conf Config) Validate() error {
	var err error

	if conf.Logging.Level != "" {
		if _, lvlErr := log.ParseLevel(conf.Logging.Level); lvlErr != nil {
			err = multierror.Append(err, fmt.Errorf("logging.level: %w", lvlErr))
		}
	}
	switch conf.Logging.Format {
	case "", "text", "json":
	default:
		err = multierror.Append(err, fmt.Errorf("logging.format: unknown format %q", conf.Logging.Format))
	}

	if conf.Tunnel.MaxFragmentSize <= 0 {
		err = multierror.Append(err, fmt.Errorf("tunnel.max-fragment-size must be positive"))
	}
	if conf.Tunnel.MaxMsgSize < conf.Tunnel.MaxFragmentSize {
		err = multierror.Append(err, fmt.Errorf("tunnel.max-msg-size must not be smaller than tunnel.max-fragment-size"))
	}
	if conf.Tunnel.GuaranteedOutputBuffers < 0 {
		err = multierror.Append(err, fmt.Errorf("tunnel.guaranteed-output-buffers must not be negative"))
	}
	if conf.Tunnel.BigBufferLimit < 0 {
		err = multierror.Append(err, fmt.Errorf("tunnel.big-buffer-limit must not be negative"))
	}

	if conf.Persistence.Enabled {
		if conf.Persistence.Directory == "" {
			err = multierror.Append(err, fmt.Errorf("persistence.directory is empty"))
		}
		if conf.Persistence.MaxMsgs <= 0 {
			err = multierror.Append(err, fmt.Errorf("persistence.max-msgs must be positive"))
		}
	}

	return err
}

// SetupLogging configures the global logrus logger.
func (conf Config) SetupLogging() {
	if conf.Logging.Level != "" {
		if lvl, err := log.ParseLevel(conf.Logging.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Logging.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.Logging.ReportCaller)

	switch conf.Logging.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// PoolOptions for the ordinary buffer pool.
func (conf Config) PoolOptions() bufpool.Options {
	return bufpool.Options{
		FragmentSize:    conf.Tunnel.MaxFragmentSize,
		HeaderAllowance: persist.HeaderAllowance,
		MaxUserSlices:   conf.Tunnel.GuaranteedOutputBuffers,
	}
}

// BigPoolOptions for the big buffer pool.
func (conf Config) BigPoolOptions() bufpool.BigOptions {
	return bufpool.BigOptions{
		FragmentSize: conf.Tunnel.MaxFragmentSize,
		MaxCount:     conf.Tunnel.BigBufferLimit,
	}
}

// PersistOptions for the persistence file of the named substream. False is returned if persistence is disabled.
func (conf Config) PersistOptions(name string) (persist.Options, bool) {
	if !conf.Persistence.Enabled {
		return persist.Options{}, false
	}

	return persist.Options{
		Path:      filepath.Join(conf.Persistence.Directory, name+".persist"),
		MaxSlots:  conf.Persistence.MaxMsgs,
		MaxMsgLen: conf.Tunnel.MaxMsgSize,
	}, true
}

// OpenCatalog opens the configured catalog of persistence files. Without one, nil is returned.
func (conf Config) OpenCatalog() (*catalog.Catalog, error) {
	if !conf.Persistence.Enabled || conf.Persistence.Catalog == "" {
		return nil, nil
	}
	return catalog.Open(conf.Persistence.Catalog)
}

// SubstreamOptions for a substream; the pools, Log and Catalog are left to the caller.
func (conf Config) SubstreamOptions(id int32, domainType uint8, name string) (substream.Options, error) {
	if len(name) > queuemsg.MaxNameLen {
		return substream.Options{}, fmt.Errorf("substream name exceeds %d bytes", queuemsg.MaxNameLen)
	}

	return substream.Options{
		StreamID:    id,
		DomainType:  domainType,
		Name:        []byte(name),
		MaxMsgLen:   conf.Tunnel.MaxMsgSize + persist.HeaderAllowance,
		CatalogName: name,
	}, nil
}
