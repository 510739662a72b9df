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

package reactor

import (
	"net"
	"os"
)

// ConnID identifies a connection slot in the reactor arena. Sessions,
// mesh entries and gossip tasks hold ConnIDs only and look the slot up;
// the arena is the sole owner of the underlying source.
type ConnID int

// NoConn is the zero ConnID; it never names a live slot.
const NoConn ConnID = 0

// EventKind enumerates what a source can report to its handler.
type EventKind int

// Events dispatched to handlers. All handlers run to completion on the
// reactor goroutine; no handler may block.
const (
	EvAccept        EventKind = iota // listener produced a new stream (Conn set)
	EvLine                           // one decoded line arrived (Line, Peer set)
	EvConnected                      // outbound client established its stream
	EvConnectFailed                  // outbound connect attempt failed (Err set)
	EvClosed                         // stream ended (EOF, error or drained-after-done)
	EvTimer                          // timer fired
	EvSignal                         // OS signal delivered (Sig set)
)

// String returns the event kind name for logging.
func (k EventKind) String() string {
	switch k {
	case EvAccept:
		return "accept"
	case EvLine:
		return "line"
	case EvConnected:
		return "connected"
	case EvConnectFailed:
		return "connect-failed"
	case EvClosed:
		return "closed"
	case EvTimer:
		return "timer"
	case EvSignal:
		return "signal"
	}
	return "?"
}

// Event is the unit of dispatch. ID names the slot the event belongs
// to; for EvAccept, Conn names the freshly created stream slot.
type Event struct {
	ID   ConnID
	Kind EventKind
	Line string    // EvLine: the decoded line (no newline)
	Peer net.Addr  // EvLine (UDP): sender; EvAccept: remote address
	Conn ConnID    // EvAccept: id of the accepted stream
	Sig  os.Signal // EvSignal
	Err  error     // EvConnectFailed, EvClosed

	fn func() // injected closure (see Reactor.Invoke)
}

// Handler processes one event for one slot. Handlers are pure functions
// of (reactor, id, event); per-connection state lives outside the
// reactor in records keyed by ConnID.
type Handler func(r *Reactor, id ConnID, ev Event)
