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
	"commbus/message"
	"commbus/util"
)

// statusMessage builds the STATUS event for a session (or a synthetic
// down status when sess is nil and only a name is known).
func statusMessage(name string, sess *Session) *message.Message {
	reply := message.NewMessage("STATUS")
	reply.Set(message.ParamCache, "no")
	reply.Set("service", name)
	if sess == nil {
		reply.Set("status", "down")
		return reply
	}
	if sess.Kind == ConnDown {
		reply.Set("status", "down")
	} else {
		reply.Set("status", "up")
	}
	if sess.StartedAt != util.UnsetTime {
		reply.SetInt("up_since", util.UnixSeconds(sess.StartedAt))
	}
	if sess.EndedAt != util.UnsetTime {
		reply.SetInt("down_since", util.UnixSeconds(sess.EndedAt))
	}
	return reply
}

// sendStatus publishes a session's up/down transition to every session
// that advertised understanding of STATUS. It runs from reactor
// context, including for the final teardown of a session.
func (s *Server) sendStatus(about *Session) {
	reply := statusMessage(about.Name, about)
	for _, sess := range s.sessions {
		if sess.Understands("STATUS") {
			s.sendToSession(sess, reply)
		}
	}
}

// sendStatusTo answers a SERVICESTATUS request: the status of one named
// service goes back to the requester only. An unknown service yields a
// synthetic down status.
func (s *Server) sendStatusTo(requester *Session, serviceName string) {
	var about *Session
	for _, sess := range s.sessions {
		if sess.Name == serviceName {
			about = sess
			break
		}
	}
	s.sendToSession(requester, statusMessage(serviceName, about))
}

//----------------------------------------------------------------------

// refreshHeardOf recomputes the heard-of set: everything peers offer or
// heard of, minus our own local services. Recomputed on every peer
// CONNECT/ACCEPT/DISCONNECT.
func (s *Server) refreshHeardOf() {
	heard := make(util.NameSet)
	for _, sess := range s.sessions {
		if sess.Kind != ConnRemote {
			continue
		}
		for name := range sess.Services {
			heard.Add(name)
		}
		for name := range sess.HeardOf {
			heard.Add(name)
		}
	}
	for name := range s.localServices {
		heard.Remove(name)
	}
	s.heardOf = heard
}
