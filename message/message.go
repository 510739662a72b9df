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

package message

import (
	"strconv"
)

// Well-known parameter names used by the router and broadcast engine.
const (
	ParamSentFromServer    = "sent_from_server"
	ParamSentFromService   = "sent_from_service"
	ParamBroadcastMsgID    = "broadcast_msgid"
	ParamBroadcastTimeout  = "broadcast_timeout"
	ParamBroadcastHops     = "broadcast_hops"
	ParamBroadcastOrigin   = "broadcast_originator"
	ParamBroadcastInformed = "broadcast_informed_neighbors"
	ParamCache             = "cache"
	ParamTransmissionRpt   = "transmission_report"
)

// param is one named value; parameters keep their insertion order on
// the wire.
type param struct {
	key   string
	value string
}

// Message is a command with ordered named parameters and an optional
// routing header (destination server/service). Messages are values:
// the router copies before mutating broadcast bookkeeping.
type Message struct {
	server  string // target host name ("." = this host, "*" = all, "" = any)
	service string // target service ("*"/"?"/"." for broadcast scopes)
	command string
	params  []param
}

// NewMessage creates a message for the given command verb.
func NewMessage(command string) *Message {
	return &Message{command: command}
}

// Command returns the command verb.
func (m *Message) Command() string {
	return m.command
}

// Server returns the target server field.
func (m *Message) Server() string {
	return m.server
}

// SetServer sets the target server field.
func (m *Message) SetServer(server string) {
	m.server = server
}

// Service returns the target service field.
func (m *Message) Service() string {
	return m.service
}

// SetService sets the target service field.
func (m *Message) SetService(service string) {
	m.service = service
}

// SentFrom returns the origin fields (either may be empty).
func (m *Message) SentFrom() (server, service string) {
	server, _ = m.Get(ParamSentFromServer)
	service, _ = m.Get(ParamSentFromService)
	return
}

// SetSentFrom records the origin of a message before it is forwarded.
func (m *Message) SetSentFrom(server, service string) {
	m.Set(ParamSentFromServer, server)
	m.Set(ParamSentFromService, service)
}

//----------------------------------------------------------------------

// Has checks whether a parameter is present.
func (m *Message) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Get returns a parameter value.
func (m *Message) Get(key string) (string, bool) {
	for _, p := range m.params {
		if p.key == key {
			return p.value, true
		}
	}
	return "", false
}

// GetDef returns a parameter value or a default if absent.
func (m *Message) GetDef(key, def string) string {
	if v, ok := m.Get(key); ok {
		return v
	}
	return def
}

// GetInt coerces a parameter to an integer; absent or malformed
// parameters yield the default.
func (m *Message) GetInt(key string, def int64) int64 {
	v, ok := m.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Set adds or replaces a parameter, keeping the position of a replaced
// one.
func (m *Message) Set(key, value string) {
	for i, p := range m.params {
		if p.key == key {
			m.params[i].value = value
			return
		}
	}
	m.params = append(m.params, param{key, value})
}

// SetInt adds or replaces an integer parameter.
func (m *Message) SetInt(key string, value int64) {
	m.Set(key, strconv.FormatInt(value, 10))
}

// Clone returns an independent copy of the message.
func (m *Message) Clone() *Message {
	c := &Message{
		server:  m.server,
		service: m.service,
		command: m.command,
		params:  make([]param, len(m.params)),
	}
	copy(c.params, m.params)
	return c
}

// String returns the wire form (without trailing newline) for logging.
func (m *Message) String() string {
	return Marshal(m)
}
