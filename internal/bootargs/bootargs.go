// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bootargs provides a read-mostly boot argument store.
package bootargs

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/kortschak/devmgr/rpc"

	// For sql.DB registration.
	_ "modernc.org/sqlite"
)

// Store is a boot argument store. Keys are dotted names, for example
// "driver.gpio.disable".
type Store struct {
	mu    sync.Mutex
	store *sql.DB
	log   *slog.Logger
}

// Schema is the DB schema.
const Schema = `
create table if not exists args(
	key   TEXT NOT NULL PRIMARY KEY,
	value TEXT NOT NULL
);
`

const (
	upsert = `
insert into args values(?, ?)
  on conflict do update set value=?;
`

	get = `
select value from args where key is ?;
`

	prefix = `
select key, value from args where instr(key, ?) = 1 order by key;
`
)

var storeUID = rpc.UID{Module: "kernel", Service: "bootargs"}

// Open opens a Store, creating the tables if required. The name ":memory:"
// opens an ephemeral store.
// See https://pkg.go.dev/modernc.org/sqlite#Driver.Open for name handling
// details.
func Open(name string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", name)
	if err != nil {
		return nil, err
	}
	// An in-memory database exists only for the life of
	// its connection.
	db.SetMaxOpenConns(1)
	_, err = db.Exec(Schema)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{store: db, log: log.With(slog.String("component", storeUID.String()))}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.store.Close()
}

// Load adds the arguments held in the TOML file at path to the store.
// Nested tables are flattened into dotted keys and all values are held
// as their string representation.
func (s *Store) Load(path string) error {
	var args map[string]any
	_, err := toml.DecodeFile(path, &args)
	if err != nil {
		return err
	}
	flat := make(map[string]string)
	flatten(flat, "", args)
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.store.Begin()
	if err != nil {
		return err
	}
	for k, v := range flat {
		_, err = tx.Exec(upsert, k, v, v)
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	s.log.LogAttrs(context.Background(), slog.LevelInfo, "load", slog.String("path", path), slog.Int("count", len(flat)))
	return tx.Commit()
}

func flatten(dst map[string]string, prefix string, src map[string]any) {
	for k, v := range src {
		if prefix != "" {
			k = prefix + "." + k
		}
		switch v := v.(type) {
		case map[string]any:
			flatten(dst, k, v)
		default:
			dst[k] = fmt.Sprint(v)
		}
	}
}

// Set sets the key to the provided value.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	_, err := s.store.Exec(upsert, key, value, value)
	s.mu.Unlock()
	if err != nil {
		s.log.LogAttrs(context.Background(), slog.LevelError, "set", slog.String("key", key), slog.Any("error", err))
	}
	return err
}

// Get returns the value of key and whether it was found.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var val string
	err := s.store.QueryRow(get, key).Scan(&val)
	if err != nil {
		if err != sql.ErrNoRows {
			s.log.LogAttrs(context.Background(), slog.LevelError, "get", slog.String("key", key), slog.Any("error", err))
		}
		return "", false
	}
	return val, true
}

// Arg is a boot argument.
type Arg struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Prefix returns all the arguments with keys starting with prefix, in
// key order.
func (s *Store) Prefix(pfx string) ([]Arg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.store.Query(prefix, pfx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var args []Arg
	for rows.Next() {
		var a Arg
		err = rows.Scan(&a.Key, &a.Value)
		if err != nil {
			return nil, err
		}
		args = append(args, a)
	}
	return args, rows.Err()
}

// Bool returns the boolean interpretation of the value of key, or def if
// the key is not present. The values "0", "false", "off" and "no" are
// false; all other values, including the empty string, are true.
func (s *Store) Bool(key string, def bool) bool {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "0", "false", "off", "no":
		return false
	default:
		return true
	}
}
