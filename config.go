// Copyright 2026 Sessionx. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sqlitestore

import (
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// Config contains options for the SQLite session store.
type Config struct {
	// For tests only
	nowFunc func() time.Time

	// Table is the table name for storing session data. Default is "sessions".
	Table string
	// DB is the base name of the database file, without extension. Default is
	// the table name. A name containing the ":memory:" marker is used verbatim
	// as the data source name, which yields an ephemeral store.
	DB string
	// Dir is the directory holding database files. Default is the current
	// directory.
	Dir string
	// Concurrent indicates whether to put database files in the WAL journal
	// mode.
	Concurrent bool
	// TenantPath maps a tenant host to its database file path. Default is
	// "<Dir>/<host>/<DB>.sqlite".
	TenantPath func(host string) string
	// Encoder is the encoder to encode session data. Default is JSONEncoder.
	Encoder Encoder
	// Decoder is the decoder to decode session data. Default is JSONDecoder.
	Decoder Decoder
	// ErrorFunc is the function used to print errors when something went wrong
	// on the background. Default is to drop errors silently.
	ErrorFunc func(err error)
}

// parseConfig fills in defaults for unset options.
func parseConfig(cfg Config) Config {
	if cfg.nowFunc == nil {
		cfg.nowFunc = time.Now
	}
	if cfg.Table == "" {
		cfg.Table = "sessions"
	}
	if cfg.DB == "" {
		cfg.DB = cfg.Table
	}
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if cfg.TenantPath == nil {
		dir, db := cfg.Dir, cfg.DB
		cfg.TenantPath = func(host string) string {
			return filepath.Join(dir, host, db+".sqlite")
		}
	}
	if cfg.Encoder == nil {
		cfg.Encoder = JSONEncoder
	}
	if cfg.Decoder == nil {
		cfg.Decoder = JSONDecoder
	}
	if cfg.ErrorFunc == nil {
		cfg.ErrorFunc = func(error) {}
	}
	return cfg
}

// FromEnv builds a Config from SESSION_* environment variables: SESSION_TABLE,
// SESSION_DB, SESSION_DIR and SESSION_CONCURRENT_DB.
func FromEnv() (Config, error) {
	var e struct {
		Table      string `env:"SESSION_TABLE"`
		DB         string `env:"SESSION_DB"`
		Dir        string `env:"SESSION_DIR"`
		Concurrent bool   `env:"SESSION_CONCURRENT_DB"`
	}
	err := env.Parse(&e)
	if err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}

	return Config{
		Table:      e.Table,
		DB:         e.DB,
		Dir:        e.Dir,
		Concurrent: e.Concurrent,
	}, nil
}
