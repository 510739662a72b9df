// This file is part of commbus-go, a cluster message bus in Golang.
// Copyright (C) 2019-2022 Bernd Fix  >Y<
//
// commbus-go is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// commbus-go is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package util

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	redis "github.com/go-redis/redis/v8"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Error messages related to the key/value-store implementations
var (
	ErrKVSInvalidSpec  = fmt.Errorf("Invalid KVStore specification")
	ErrKVSNotAvailable = fmt.Errorf("KVStore not available")
)

// KeyValueStore interface for implementations that store and retrieve
// key/value pairs. Keys and values are strings. The load-average
// registry is the only client inside the daemon.
type KeyValueStore interface {
	Put(key string, value string) error // put a key/value pair into store
	Get(key string) (string, error)     // retrieve a value for a key from store
	List() ([]string, error)            // get all keys from the store
}

// OpenKVStore opens a key/value store for further put/get operations.
// The 'spec' option selects and configures the persistence mechanism.
// SQL flavors take a "<flavor>:<target>" spec; the others take
// '+'-separated arguments.
//
// Key/Value Store types defined:
// * 'file':    Flat text file, one "key value" pair per line; suitable
//              for small registries (e.g. "file+/var/cache/commbus/loadavg.txt")
// * 'redis':   Use a Redis server for persistance; the specification is
//              "redis+addr+[passwd]+db". 'db' must be an integer value.
// * 'sqlite3': SQLite3 database file, "sqlite3:<path>"; the file must
//              exist and carry a 'store' table.
// * 'mysql':   MySQL-compatible database, "mysql:<dsn>" with a DSN like
//              "[user[:passwd]@][proto[(addr)]]/dbname[?param=value&...]".
func OpenKVStore(spec string) (KeyValueStore, error) {
	// SQL-based persistance ("<flavor>:<target>")
	if flavor, target, ok := strings.Cut(spec, ":"); ok {
		switch flavor {
		case "sqlite3", "mysql":
			kvs := new(KvsSQL)
			var err error
			if kvs.db, err = openSQL(flavor, target); err != nil {
				return nil, err
			}
			// get number of key/value pairs (as a check for existing table)
			row := kvs.db.QueryRow("select count(*) from store")
			var num int
			if row.Scan(&num) != nil {
				return nil, ErrKVSNotAvailable
			}
			return kvs, nil
		}
	}

	// the remaining flavors use '+'-separated arguments
	specs := strings.Split(spec, "+")
	if len(specs) < 2 {
		return nil, ErrKVSInvalidSpec
	}
	switch specs[0] {
	case "file":
		//--------------------------------------------------------------
		// flat-file persistance
		//--------------------------------------------------------------
		return &KvsFile{path: specs[1]}, nil

	case "redis":
		//--------------------------------------------------------------
		// NoSQL-based persistance
		//--------------------------------------------------------------
		if len(specs) < 4 {
			return nil, ErrKVSInvalidSpec
		}
		db, err := strconv.Atoi(specs[3])
		if err != nil {
			return nil, ErrKVSInvalidSpec
		}
		kvs := new(KvsRedis)
		kvs.db = db
		kvs.client = redis.NewClient(&redis.Options{
			Addr:     specs[1],
			Password: specs[2],
			DB:       db,
		})
		if kvs.client == nil {
			err = ErrKVSNotAvailable
		}
		return kvs, err
	}
	return nil, ErrKVSInvalidSpec
}

// openSQL connects an SQL-backed registry flavor to its target: a
// database file for sqlite3, a DSN for mysql.
func openSQL(flavor, target string) (*sql.DB, error) {
	switch flavor {
	case "sqlite3":
		// the database file must already exist; a missing registry is
		// reported, not silently created
		fi, err := os.Stat(target)
		if err != nil || fi.IsDir() {
			return nil, ErrKVSNotAvailable
		}
		return sql.Open("sqlite3", target)
	case "mysql":
		return sql.Open("mysql", target)
	}
	return nil, ErrKVSInvalidSpec
}

//======================================================================
// File-based key-value-store
//======================================================================

// KvsFile is a flat-file key/value store; the whole file is rewritten
// on every Put (registries stay small, a full rewrite is fine).
type KvsFile struct {
	path string
}

// load the current file content into a map.
func (kvs *KvsFile) load() (map[string]string, error) {
	out := make(map[string]string)
	data, err := os.ReadFile(kvs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		if idx := strings.IndexByte(line, ' '); idx > 0 {
			out[line[:idx]] = line[idx+1:]
		}
	}
	return out, nil
}

// Put a key/value pair into the store
func (kvs *KvsFile) Put(key string, value string) error {
	list, err := kvs.load()
	if err != nil {
		return err
	}
	list[key] = value
	keys := make([]string, 0, len(list))
	for k := range list {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf := new(strings.Builder)
	for _, k := range keys {
		fmt.Fprintf(buf, "%s %s\n", k, list[k])
	}
	return WriteFileAtomic(kvs.path, []byte(buf.String()), 0644)
}

// Get a value for a given key from store
func (kvs *KvsFile) Get(key string) (value string, err error) {
	list, err := kvs.load()
	if err != nil {
		return "", err
	}
	value, ok := list[key]
	if !ok {
		err = ErrKVSNotAvailable
	}
	return
}

// List all keys in store
func (kvs *KvsFile) List() (keys []string, err error) {
	list, err := kvs.load()
	if err != nil {
		return nil, err
	}
	for k := range list {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return
}

//======================================================================
// NoSQL-based key-value-stores
//======================================================================

// KvsRedis represents a redis-based key/value store
type KvsRedis struct {
	client *redis.Client // client connection
	db     int           // index to database
}

// Put a key/value pair into the store
func (kvs *KvsRedis) Put(key string, value string) error {
	return kvs.client.Set(context.TODO(), key, value, 0).Err()
}

// Get a value for a given key from store
func (kvs *KvsRedis) Get(key string) (value string, err error) {
	return kvs.client.Get(context.TODO(), key).Result()
}

// List all keys in store
func (kvs *KvsRedis) List() (keys []string, err error) {
	var (
		crs  uint64
		segm []string
		ctx  = context.TODO()
	)
	for {
		segm, crs, err = kvs.client.Scan(ctx, crs, "*", 10).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, segm...)
		if crs == 0 {
			break
		}
	}
	return
}

//======================================================================
// SQL-based key-value-store
//======================================================================

// KvsSQL represents a SQL-based key/value store
type KvsSQL struct {
	db *sql.DB
}

// Put a key/value pair into the store
func (kvs *KvsSQL) Put(key string, value string) error {
	_, err := kvs.db.Exec("replace into store(key,value) values(?,?)", key, value)
	return err
}

// Get a value for a given key from store
func (kvs *KvsSQL) Get(key string) (value string, err error) {
	row := kvs.db.QueryRow("select value from store where key=?", key)
	err = row.Scan(&value)
	return
}

// List all keys in store
func (kvs *KvsSQL) List() (keys []string, err error) {
	var (
		rows *sql.Rows
		key  string
	)
	rows, err = kvs.db.Query("select key from store")
	if err == nil {
		for rows.Next() {
			if err = rows.Scan(&key); err != nil {
				break
			}
			keys = append(keys, key)
		}
	}
	return
}
