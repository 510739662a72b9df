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

package config

import (
	"encoding/json"
	"errors"
	"os"
	"reflect"
	"regexp"
	"strings"

	"github.com/bfix/gospel/logger"
)

// Configuration error codes
var (
	ErrCfgNoServerName    = errors.New("server_name is required")
	ErrCfgBadLocalListen  = errors.New("local_listen must be a loopback address")
	ErrCfgBadConnLimit    = errors.New("max_connections must be at least 10")
	ErrCfgBadPendingLimit = errors.New("max_pending_connections must be in 5..1000")
)

// Defaults applied by Validate when an option is not set.
const (
	DefListenPort     = 4040
	DefSignalPort     = 4041
	DefMaxConnections = 100
	DefCachePath      = "/var/cache/commbus"
	DefServicesPath   = "/usr/share/commbus/services"
)

///////////////////////////////////////////////////////////////////////
// RPC configuration

// RPCConfig for the optional admin JSON-RPC endpoint.
type RPCConfig struct {
	Endpoint string `json:"endpoint"` // HTTP listen address; empty disables
}

///////////////////////////////////////////////////////////////////////

// Environment settings
type Environ map[string]string

// Config is the aggregated daemon configuration.
type Config struct {
	Env                   Environ    `json:"environ"`
	ServerName            string     `json:"server_name"`             // identifies this host (required)
	MyAddress             string     `json:"my_address"`              // address present on a local interface
	LocalListen           string     `json:"local_listen"`            // loopback TCP listener (default 127.0.0.1:4040)
	Listen                string     `json:"listen"`                  // public TCP listener; loopback disables peering
	Signal                string     `json:"signal"`                  // loopback UDP endpoint (default 127.0.0.1:4041)
	Neighbors             string     `json:"neighbors"`               // comma-separated initial peer list
	CachePath             string     `json:"cache_path"`              // directory for neighbors.txt
	Services              string     `json:"services"`                // directory with <name>.service files
	MaxConnections        int        `json:"max_connections"`         // >= 10, default 100
	MaxPendingConnections int        `json:"max_pending_connections"` // 5..1000
	SSLCertificate        string     `json:"ssl_certificate"`         // enable TLS on the public listener
	SSLPrivateKey         string     `json:"ssl_private_key"`
	Username              string     `json:"username"` // drop to after bind (handled by the supervisor wrapper)
	Groupname             string     `json:"groupname"`
	DebugLockMessages     bool       `json:"debug_lock_messages"` // verbose trace for lock-related traffic
	UPnP                  bool       `json:"upnp"`                // forward the public port on the router
	LoadavgStore          string     `json:"loadavg_store"`       // KV-store spec for the loadavg registry
	RPC                   *RPCConfig `json:"rpc"`
}

var (
	// Cfg is the global configuration
	Cfg *Config
)

// ParseConfig reads a JSON-encoded configuration file and maps it to
// the Config data structure.
func ParseConfig(fileName string) (err error) {
	// parse configuration file
	file, err := os.ReadFile(fileName)
	if err != nil {
		return
	}
	// unmarshal to Config data structure
	Cfg = new(Config)
	if err = json.Unmarshal(file, Cfg); err == nil {
		// process all string-based config settings and apply
		// string substitutions.
		applySubstitutions(Cfg, Cfg.Env)
		err = Cfg.Validate()
	}
	return
}

// Validate fills in defaults and rejects out-of-range options.
func (c *Config) Validate() error {
	if len(c.ServerName) == 0 {
		return ErrCfgNoServerName
	}
	if len(c.LocalListen) == 0 {
		c.LocalListen = "127.0.0.1:4040"
	}
	if len(c.Signal) == 0 {
		c.Signal = "127.0.0.1:4041"
	}
	if len(c.CachePath) == 0 {
		c.CachePath = DefCachePath
	}
	if len(c.Services) == 0 {
		c.Services = DefServicesPath
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefMaxConnections
	}
	if c.MaxConnections < 10 {
		return ErrCfgBadConnLimit
	}
	if c.MaxPendingConnections != 0 &&
		(c.MaxPendingConnections < 5 || c.MaxPendingConnections > 1000) {
		return ErrCfgBadPendingLimit
	}
	if !strings.HasPrefix(c.LocalListen, "127.") {
		return ErrCfgBadLocalListen
	}
	return nil
}

// UseTLS returns true if the public listener is TLS-enabled.
func (c *Config) UseTLS() bool {
	return len(c.SSLCertificate) > 0 && len(c.SSLPrivateKey) > 0
}

var (
	rx = regexp.MustCompile(`\$\{([^\}]*)\}`)
)

// substString is a helper function to substitute environment variables
// with actual values.
func substString(s string, env map[string]string) string {
	matches := rx.FindAllStringSubmatch(s, -1)
	for _, m := range matches {
		if len(m[1]) != 0 {
			subst, ok := env[m[1]]
			if !ok {
				continue
			}
			s = strings.Replace(s, "${"+m[1]+"}", subst, -1)
		}
	}
	return s
}

// applySubstitutions traverses the configuration data structure
// and applies string substitutions to all string values.
func applySubstitutions(x interface{}, env map[string]string) {

	var process func(v reflect.Value)
	process = func(v reflect.Value) {
		for i := 0; i < v.NumField(); i++ {
			fld := v.Field(i)
			if fld.CanSet() {
				switch fld.Kind() {
				case reflect.String:
					// check for substitution
					s := fld.Interface().(string)
					for {
						s1 := substString(s, env)
						if s1 == s {
							break
						}
						logger.Printf(logger.DBG, "[config] %s --> %s\n", s, s1)
						fld.SetString(s1)
						s = s1
					}

				case reflect.Struct:
					// process nested struct
					process(fld)

				case reflect.Ptr:
					if !fld.IsNil() && fld.Elem().Kind() == reflect.Struct {
						process(fld.Elem())
					}
				}
			}
		}
	}
	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	process(v)
}
