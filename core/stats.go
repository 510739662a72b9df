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
	"commbus/util"
)

// SessionInfo is the introspection view of one session.
type SessionInfo struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	ServerName string `json:"serverName,omitempty"`
	PeerAddr   string `json:"peerAddr,omitempty"`
	Services   string `json:"services,omitempty"`
	UpSince    int64  `json:"upSince,omitempty"`
	DownSince  int64  `json:"downSince,omitempty"`
}

// Stats is the read-only snapshot served by the admin RPC endpoint.
type Stats struct {
	ServerName     string        `json:"serverName"`
	MyAddress      string        `json:"myAddress"`
	ShuttingDown   bool          `json:"shuttingDown"`
	Connections    int           `json:"connections"`
	Sessions       []SessionInfo `json:"sessions"`
	Neighbors      string        `json:"neighbors"`
	LocalServices  string        `json:"localServices"`
	HeardOf        string        `json:"heardOf"`
	CachedMessages int           `json:"cachedMessages"`
}

// Stats collects a snapshot on the reactor goroutine, so the RPC
// endpoint never races the event handlers.
func (s *Server) Stats() (st Stats) {
	done := make(chan struct{})
	err := s.r.Invoke(func() {
		st = s.collectStats()
		close(done)
	})
	if err != nil {
		return
	}
	<-done
	return
}

// collectStats runs on the reactor goroutine.
func (s *Server) collectStats() (st Stats) {
	st.ServerName = s.serverName
	st.MyAddress = s.myAddress.String()
	st.ShuttingDown = s.shuttingDown
	st.Connections = s.r.Count()
	st.Neighbors = s.mesh.Neighbors()
	st.LocalServices = s.localServices.Join()
	st.HeardOf = s.heardOf.Join()
	st.CachedMessages = s.msgCache.Len()
	for _, sess := range s.sessions {
		info := SessionInfo{
			Name:       sess.Name,
			Kind:       sess.Kind.String(),
			ServerName: sess.ServerName,
			Services:   sess.Services.Join(),
		}
		if sess.PeerAddr != nil {
			info.PeerAddr = sess.PeerAddr.String()
		}
		if sess.StartedAt != util.UnsetTime {
			info.UpSince = util.UnixSeconds(sess.StartedAt)
		}
		if sess.EndedAt != util.UnsetTime {
			info.DownSince = util.UnixSeconds(sess.EndedAt)
		}
		st.Sessions = append(st.Sessions, info)
	}
	return
}
