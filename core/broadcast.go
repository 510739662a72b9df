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
	"fmt"
	"strings"
	"time"

	"commbus/message"
	"commbus/reactor"
	"commbus/util"

	"github.com/bfix/gospel/logger"
)

// Broadcast policy limits.
const (
	broadcastMaxHops    = 5                // forwarded only while hops < 5
	broadcastDefaultTTL = 10 * time.Second // originator-assigned message lifetime
)

// BroadcastMessage sends a scoped broadcast: the target-service value
// selects the reach ("." this host only, "?" the private network, "*"
// everywhere).
func (s *Server) BroadcastMessage(msg *message.Message) {
	s.broadcastMessage(msg, nil)
}

// broadcastMessage implements the broadcast engine. With an explicit
// 'accepting' list (remote sessions collected by the router) only those
// destinations are considered; otherwise the scope and hop count select
// them.
func (s *Server) broadcastMessage(msg *message.Message, accepting []reactor.ConnID) {
	var (
		msgid    string
		informed []string
		hops     int64
		timeout  int64
		now      = time.Now().Unix()
	)
	if msg.Has(message.ParamBroadcastMsgID) {
		// a broadcast arriving from elsewhere: it may have timed out or
		// have been seen before (the router checks too, but a second
		// arrival path ends here directly)
		timeout = msg.GetInt(message.ParamBroadcastTimeout, 0)
		if timeout < now {
			return
		}
		msgid, _ = msg.Get(message.ParamBroadcastMsgID)
		if _, ok := s.recvBroadcasts[msgid]; ok {
			return
		}
		if list := msg.GetDef(message.ParamBroadcastInformed, ""); len(list) > 0 {
			informed = strings.Split(list, ",")
		}
		hops = msg.GetInt(message.ParamBroadcastHops, 0)
	}

	seen := func(host string) bool {
		for _, h := range informed {
			if h == host {
				return true
			}
		}
		return false
	}

	// collect destinations; local loopback services get the message
	// directly, peers go through the informed-neighbors filter
	var targets []reactor.ConnID
	if len(accepting) == 0 {
		// destination scope: a non-scope service falls back to the
		// server name; an empty one means "?" (private network), while
		// an explicit server name reaches no peer
		dest := msg.Service()
		if dest != "." && dest != "?" && dest != "*" {
			dest = msg.Server()
			if len(dest) == 0 {
				dest = "?"
			}
		}
		all := hops < broadcastMaxHops && dest == "*"
		remote := hops < broadcastMaxHops && (all || dest == "?")

		for _, sess := range s.sessions {
			addr := s.sessionAddr(sess)
			if addr == nil {
				continue
			}
			forward := false
			switch addr.NetworkType() {
			case util.NetworkLoopback:
				if sess.Kind == ConnRemote {
					s.warnLoopbackPeer()
					continue
				}
				// local services get the message only if they declared
				// the command
				if sess.Understands(msg.Command()) {
					s.sendToSession(sess, msg)
				}
				continue
			case util.NetworkPrivate:
				// same local network: "?" or "*"
				forward = remote
			case util.NetworkPublic:
				// another datacenter: "*" only
				forward = all
			default:
				continue
			}
			if !forward || sess.Kind != ConnRemote {
				continue
			}
			host := addr.HostString()
			if seen(host) {
				continue
			}
			informed = append(informed, host)
			targets = append(targets, sess.ID)
		}
	} else {
		for _, id := range accepting {
			sess := s.sessions[id]
			if sess == nil {
				continue
			}
			addr := s.sessionAddr(sess)
			if addr == nil {
				continue
			}
			host := addr.HostString()
			if seen(host) {
				continue
			}
			informed = append(informed, host)
			targets = append(targets, id)
		}
	}

	if len(targets) > 0 {
		// include self so nobody sends the message back to us
		origin := s.myAddress.HostString()
		if !seen(origin) {
			informed = append(informed, origin)
		}

		s.broadcastSeq++
		if len(msgid) == 0 {
			msgid = fmt.Sprintf("%s-%d", s.serverName, s.broadcastSeq)
		}
		if timeout == 0 {
			timeout = now + int64(broadcastDefaultTTL/time.Second)
		}
		fwd := msg.Clone()
		fwd.Set(message.ParamBroadcastMsgID, msgid)
		fwd.SetInt(message.ParamBroadcastHops, hops+1)
		if !fwd.Has(message.ParamBroadcastOrigin) {
			fwd.Set(message.ParamBroadcastOrigin, s.myAddress.String())
		}
		fwd.SetInt(message.ParamBroadcastTimeout, timeout)
		fwd.Set(message.ParamBroadcastInformed, strings.Join(informed, ","))

		for _, id := range targets {
			if sess := s.sessions[id]; sess != nil {
				s.sendToSession(sess, fwd)
			}
		}
	}

	// sweep expired dedup entries, then remember this message
	if len(msgid) > 0 {
		for id, to := range s.recvBroadcasts {
			if to < now {
				delete(s.recvBroadcasts, id)
			}
		}
		s.recvBroadcasts[msgid] = timeout
	}
}

// warnLoopbackPeer logs once about a peer session on a loopback
// address.
func (s *Server) warnLoopbackPeer() {
	if !s.warnedLoopback {
		s.warnedLoopback = true
		logger.Println(logger.WARN, "[core] peer daemon connected on a loopback address...")
	}
}
