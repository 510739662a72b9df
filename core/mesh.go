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
	"os"
	"path/filepath"
	"strings"
	"time"

	"commbus/message"
	"commbus/reactor"
	"commbus/util"

	"github.com/bfix/gospel/logger"
)

// Mesh reconnect policy.
const (
	meshRetryDefault  = time.Minute      // regular reconnect interval
	meshRetryShutdown = 5 * time.Minute  // peer sent REFUSE shutdown / DISCONNECT
	meshRetryBusy     = 24 * time.Hour   // peer sent plain REFUSE
	gossipFirstDelay  = 5 * time.Second  // before the first gossip attempt
	gossipRetryMax    = time.Hour        // gossip backoff ceiling
	connectPacing     = time.Second      // stagger between initial mesh dials
)

// gossipTask announces our existence to a larger-addressed peer that is
// responsible for dialing us. It lives until the peer confirms receipt
// (RECEIVED) or the process starts shutting down.
type gossipTask struct {
	addr   string
	connID reactor.ConnID
	wait   time.Duration // doubles on every failed attempt, capped
}

// Mesh manages the peer mesh: for every known peer address either an
// outbound permanently-reconnecting client (our canonical address is
// the larger) or a gossip task (theirs is). It also owns the persisted
// neighbor set.
type Mesh struct {
	srv      *Server
	myAddr   *util.Address
	fileName string
	loaded   bool

	neighbors util.NameSet                      // all peer addresses ever heard of
	peers     map[string]reactor.ConnID         // smaller-addressed peers we dial
	gossip    map[string]*gossipTask            // larger-addressed peers we announce to
	nextStart time.Time                         // pacing for initial dials
}

// NewMesh creates the mesh manager; the neighbor cache file lives in
// the configured cache directory.
func NewMesh(srv *Server, myAddr *util.Address, cachePath string) *Mesh {
	return &Mesh{
		srv:       srv,
		myAddr:    myAddr,
		fileName:  filepath.Join(cachePath, "neighbors.txt"),
		neighbors: make(util.NameSet),
		peers:     make(map[string]reactor.ConnID),
		gossip:    make(map[string]*gossipTask),
	}
}

//----------------------------------------------------------------------
// Neighbor set persistence
//----------------------------------------------------------------------

// loadNeighbors reads the cache file once; '#' introduces a comment.
func (m *Mesh) loadNeighbors() {
	if m.loaded {
		return
	}
	m.loaded = true
	data, err := os.ReadFile(m.fileName)
	if err != nil {
		logger.Printf(logger.DBG, "[mesh] neighbor file '%s' could not be read.\n", m.fileName)
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		if !m.neighbors.Contains(line) {
			m.neighbors.Add(line)
			m.addRemote(line)
		}
	}
}

// saveNeighbors rewrites the cache file; the set stays small enough
// that a full rewrite is fine.
func (m *Mesh) saveNeighbors() {
	buf := new(strings.Builder)
	for _, n := range m.neighbors.List() {
		buf.WriteString(n)
		buf.WriteByte('\n')
	}
	if err := util.WriteFileAtomic(m.fileName, []byte(buf.String()), 0644); err != nil {
		logger.Printf(logger.ERROR, "[mesh] could not write neighbor file '%s': %s\n", m.fileName, err.Error())
	}
}

//----------------------------------------------------------------------
// Neighbor handling
//----------------------------------------------------------------------

// AddNeighbors merges a comma-separated list of peer addresses; new
// entries are persisted and get their mesh or gossip task installed.
// The first call also loads the cache file.
func (m *Mesh) AddNeighbors(list string) {
	logger.Printf(logger.DBG, "[mesh] add neighbors: %s\n", list)
	m.loadNeighbors()
	if len(strings.TrimSpace(list)) == 0 {
		return
	}
	canon, bad := util.CanonicalizeNeighbors(list, m.myAddr.Port)
	for _, b := range bad {
		logger.Printf(logger.ERROR, "[mesh] invalid neighbor address '%s', ignored.\n", b)
	}
	changed := false
	for _, n := range canon {
		if !m.neighbors.Contains(n) {
			changed = true
			m.neighbors.Add(n)
			m.addRemote(n)
		}
	}
	if changed {
		m.saveNeighbors()
	}
}

// Neighbors returns the persisted neighbor set in wire form.
func (m *Mesh) Neighbors() string {
	m.loadNeighbors()
	return m.neighbors.Join()
}

// addRemote installs the task for one canonical peer address: an
// outbound mesh client if our address is the larger one, a gossip task
// if the peer is responsible for dialing us.
func (m *Mesh) addRemote(addrStr string) {
	addr, err := util.ParseAddress(addrStr, m.myAddr.Port)
	if err != nil {
		logger.Printf(logger.ERROR, "[mesh] invalid peer address '%s'\n", addrStr)
		return
	}
	if addr.Equal(m.myAddr) {
		// neighbors echo our own address back to us; not a peer
		logger.Printf(logger.DBG, "[mesh] skipping own address %s\n", addrStr)
		return
	}
	key := addr.String()
	if id, ok := m.peers[key]; ok {
		// already dialing: retry as soon as possible
		m.srv.r.KickClient(id)
		return
	}
	if _, ok := m.gossip[key]; ok {
		// already gossiping to it
		return
	}
	if addr.Less(m.myAddr) {
		// we initiate: permanent reconnecting client, dials staggered
		// so a restart does not hit the whole fleet at once
		now := time.Now()
		if m.nextStart.Before(now) {
			m.nextStart = now
		}
		first := m.nextStart.Sub(now)
		m.nextStart = m.nextStart.Add(connectPacing)
		id := m.srv.r.AddClient(key, m.srv.clientTLS, first, meshRetryDefault,
			m.srv.meshClientHandler(key))
		m.peers[key] = id
		logger.Printf(logger.DBG, "[mesh] new mesh connection task for %s\n", key)
	} else {
		// the peer initiates; announce ourselves until it confirms
		task := &gossipTask{addr: key, wait: gossipFirstDelay}
		task.connID = m.srv.r.AddClient(key, m.srv.clientTLS, gossipFirstDelay, gossipFirstDelay,
			m.gossipHandler(task))
		m.gossip[key] = task
		logger.Printf(logger.DBG, "[mesh] new gossip task for %s\n", key)
	}
}

// RemoveNeighbor drops a peer address (FORGET): the persisted entry,
// any gossip task and any mesh client. The address may come without a
// port; all entries with a matching host go away.
func (m *Mesh) RemoveNeighbor(addrStr string) {
	m.loadNeighbors()
	host := addrStr
	if a, err := util.ParseAddress(addrStr, m.myAddr.Port); err == nil {
		host = a.HostString()
	}
	logger.Printf(logger.DBG, "[mesh] forgetting neighbor: %s\n", host)
	changed := false
	for _, n := range m.neighbors.List() {
		a, err := util.ParseAddress(n, m.myAddr.Port)
		if err != nil || a.HostString() != host {
			continue
		}
		m.neighbors.Remove(n)
		changed = true
		// stop gossiping toward that address
		m.GossipReceived(n)
		// and drop the mesh client so broadcasts stop advertising it
		if id, ok := m.peers[n]; ok {
			m.srv.dropMeshSession(id)
			m.srv.r.Remove(id)
			delete(m.peers, n)
		}
	}
	if changed {
		m.saveNeighbors()
	}
}

// GossipReceived ends the gossip task for a peer; called on its
// RECEIVED reply and when the peer shows up with a CONNECT of its own.
func (m *Mesh) GossipReceived(addrStr string) {
	if task, ok := m.gossip[addrStr]; ok {
		m.srv.r.Remove(task.connID)
		delete(m.gossip, addrStr)
		logger.Printf(logger.DBG, "[mesh] gossip to %s done\n", addrStr)
	}
}

// StopGossiping cancels all gossip tasks at once (shutdown path).
func (m *Mesh) StopGossiping() {
	for addr, task := range m.gossip {
		m.srv.r.Remove(task.connID)
		delete(m.gossip, addr)
	}
}

// StopIdleClients removes mesh clients without a live stream; the
// connected ones drain their goodbye first and leave on stream close.
func (m *Mesh) StopIdleClients() {
	for addr, id := range m.peers {
		if _, ok := m.srv.sessions[id]; !ok {
			m.srv.r.Remove(id)
			delete(m.peers, addr)
		}
	}
}

// TooBusy pauses the mesh client for a peer that refused us without a
// reason: next attempt in 24 h.
func (m *Mesh) TooBusy(addrStr string) {
	if id, ok := m.peers[addrStr]; ok {
		m.srv.r.SetRetryDelay(id, meshRetryBusy)
		logger.Printf(logger.INFO, "[mesh] %s is too busy; pausing for 24h.\n", addrStr)
	}
}

// ShuttingDown pauses the mesh client for a peer that is going away:
// next attempt in 5 min.
func (m *Mesh) ShuttingDown(addrStr string) {
	if id, ok := m.peers[addrStr]; ok {
		m.srv.r.SetRetryDelay(id, meshRetryShutdown)
	}
}

// ResetBackoff restores the default reconnect interval of a mesh
// client (after a successful connect).
func (m *Mesh) ResetBackoff(addrStr string) {
	if id, ok := m.peers[addrStr]; ok {
		m.srv.r.SetRetryDelay(id, meshRetryDefault)
	}
}

// MeshPeerAddr returns the peer address owning a mesh client conn, or
// "" if the conn is not a mesh client.
func (m *Mesh) MeshPeerAddr(id reactor.ConnID) string {
	for addr, cid := range m.peers {
		if cid == id {
			return addr
		}
	}
	return ""
}

//----------------------------------------------------------------------
// Gossip task events
//----------------------------------------------------------------------

// gossipHandler drives one gossip task: connect, send a single GOSSIP,
// wait for RECEIVED. Failed attempts double the wait up to one hour.
func (m *Mesh) gossipHandler(task *gossipTask) reactor.Handler {
	return func(r *reactor.Reactor, id reactor.ConnID, ev reactor.Event) {
		switch ev.Kind {
		case reactor.EvConnected:
			gossip := message.NewMessage("GOSSIP")
			gossip.Set("my_address", m.myAddr.String())
			// not cached: a lost connection loses the message, which
			// is fine here, the task simply runs again
			if err := r.Send(id, message.Marshal(gossip)); err != nil {
				logger.Printf(logger.WARN, "[mesh] gossip to %s not sent: %s\n", task.addr, err.Error())
			}

		case reactor.EvLine:
			msg, err := message.Parse(ev.Line)
			if err != nil {
				logger.Printf(logger.WARN, "[mesh] invalid reply on gossip connection: %s\n", ev.Line)
				return
			}
			if msg.Command() == "RECEIVED" {
				m.GossipReceived(task.addr)
			}

		case reactor.EvConnectFailed:
			m.srv.serverUnreachable(task.addr)
			m.backoffGossip(r, id, task)

		case reactor.EvClosed:
			// no RECEIVED before the stream ended; try again later
			m.backoffGossip(r, id, task)
		}
	}
}

// backoffGossip doubles the gossip retry interval up to the cap.
func (m *Mesh) backoffGossip(r *reactor.Reactor, id reactor.ConnID, task *gossipTask) {
	if task.wait < gossipRetryMax {
		task.wait *= 2
		if task.wait > gossipRetryMax {
			task.wait = gossipRetryMax
		}
	}
	r.SetRetryDelay(id, task.wait)
}
