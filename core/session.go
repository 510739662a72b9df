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

package core

import (
	"commbus/reactor"
	"commbus/util"
)

// ConnKind is the kind of a session: a terminated connection, a local
// service, or a peer daemon.
type ConnKind int

// Session kinds. A session starts DOWN and becomes LOCAL on REGISTER or
// REMOTE on CONNECT/ACCEPT; DISCONNECT and UNREGISTER transition it
// back to DOWN before teardown so status reporting reflects the loss.
const (
	ConnDown ConnKind = iota
	ConnLocal
	ConnRemote
)

// String returns the kind name.
func (k ConnKind) String() string {
	switch k {
	case ConnLocal:
		return "local"
	case ConnRemote:
		return "remote"
	}
	return "down"
}

// Session is the per-connection protocol state. It references its
// reactor slot by id only; the reactor arena owns the connection.
type Session struct {
	ID         reactor.ConnID
	Kind       ConnKind
	Name       string        // service name (REGISTER) or a descriptive label
	ServerName string        // peer host name (CONNECT/ACCEPT)
	PeerAddr   *util.Address // peer's advertised my_address
	Services   util.NameSet  // services the peer offers
	HeardOf    util.NameSet  // services the peer heard of elsewhere
	Commands   util.NameSet  // verbs the peer understands
	StartedAt  int64         // microseconds, util.UnsetTime if never started
	EndedAt    int64         // microseconds, set at most once
	Remote     bool          // accepted on the public (non-loopback) listener
	MeshClient bool          // our own outbound mesh connection
	Named      bool          // REGISTER supplied a real service name
	WantsLoad  bool          // subscribed to LOADAVG messages
}

// NewSession creates a session for a reactor slot; the kind stays DOWN
// until the handshake names it.
func NewSession(id reactor.ConnID) *Session {
	return &Session{
		ID:        id,
		Kind:      ConnDown,
		Services:  make(util.NameSet),
		HeardOf:   make(util.NameSet),
		Commands:  make(util.NameSet),
		StartedAt: util.UnsetTime,
		EndedAt:   util.UnsetTime,
	}
}

// Start records the connection-up timestamp; called on CONNECT, ACCEPT
// or REGISTER. A restart clears a previous end stamp.
func (s *Session) Start() {
	s.StartedAt = util.Microtime()
	s.EndedAt = util.UnsetTime
}

// End records the connection-down timestamp once; called on DISCONNECT,
// UNREGISTER, or on finalization without either.
func (s *Session) End() {
	if s.StartedAt != util.UnsetTime && s.EndedAt == util.UnsetTime {
		s.EndedAt = util.Microtime()
	}
}

// SetServices replaces the offered-services set from its wire form.
func (s *Session) SetServices(csv string) {
	s.Services = util.NewNameSet(csv)
}

// SetHeardOf replaces the heard-of set from its wire form.
func (s *Session) SetHeardOf(csv string) {
	s.HeardOf = util.NewNameSet(csv)
}

// SetCommands replaces the understood-commands set from its wire form.
func (s *Session) SetCommands(csv string) {
	s.Commands = util.NewNameSet(csv)
}

// Understands checks whether the peer advertised a command. Before the
// COMMANDS reply arrived the set is empty and nothing is understood.
func (s *Session) Understands(cmd string) bool {
	return s.Commands.Contains(cmd)
}

// HasCommands reports whether a COMMANDS reply was processed.
func (s *Session) HasCommands() bool {
	return len(s.Commands) > 0
}

// MarkRemote flags a session accepted on the public listener.
func (s *Session) MarkRemote() {
	s.Remote = true
}

// MarkNamed flags that REGISTER supplied a real service name.
func (s *Session) MarkNamed() {
	s.Named = true
}

// SetLoadavgSubscribed toggles LOADAVG delivery for this session.
func (s *Session) SetLoadavgSubscribed(on bool) {
	s.WantsLoad = on
}
