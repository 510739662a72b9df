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
	"strings"
	"time"

	"commbus/message"
	"commbus/util"

	"github.com/bfix/gospel/logger"
)

// processOwnMessage dispatches a message addressed to the daemon
// itself.
func (s *Server) processOwnMessage(sess *Session, msg *message.Message, command string, udp bool) {
	if s.shuttingDown {
		// an UNREGISTER may be the reply to our own DISCONNECTING, so
		// it is still processed; everything else gets a quick QUITTING
		if udp {
			return
		}
		if command != "UNREGISTER" && sess != nil {
			// get rid of that connection, we do not need any more
			// messages coming from it; the reply drains first
			s.sendToSession(sess, message.NewMessage("QUITTING"))
			s.finalizeSession(sess)
			s.r.MarkDone(sess.ID)
			return
		}
		if command != "UNREGISTER" {
			return
		}
	}

	switch command {
	case "ACCEPT":
		s.handleAccept(sess, msg)
	case "COMMANDS":
		if sess == nil {
			return
		}
		list, ok := msg.Get("list")
		if !ok {
			logger.Println(logger.ERROR, "[core] COMMANDS was sent without a \"list\" parameter.")
			return
		}
		sess.SetCommands(list)
	case "CONNECT":
		s.handleConnect(sess, msg)
	case "DISCONNECT":
		s.handleDisconnect(sess)
	case "FORGET":
		ip, ok := msg.Get("ip")
		if !ok {
			logger.Println(logger.ERROR, "[core] FORGET was sent without an \"ip\" parameter.")
			return
		}
		s.mesh.RemoveNeighbor(ip)
		// a FORGET sent directly to this node is spread to the whole
		// cluster so everyone drops the address
		if !msg.Has(message.ParamBroadcastHops) {
			forget := message.NewMessage("FORGET")
			forget.SetServer("*")
			forget.SetService(DaemonService)
			forget.Set("ip", ip)
			s.BroadcastMessage(forget)
		}
	case "GOSSIP":
		s.handleGossip(sess, msg)
	case "HELP":
		if sess == nil {
			return
		}
		reply := message.NewMessage("COMMANDS")
		reply.Set("list", commandList)
		s.sendToSession(sess, reply)
	case "LISTENLOADAVG":
		s.listenLoadavg(msg)
	case "LISTSERVICES":
		names := make([]string, 0, len(s.sessions))
		for _, cand := range s.sessions {
			if len(cand.Name) > 0 {
				names = append(names, cand.Name)
			}
		}
		logger.Printf(logger.INFO, "[core] current list of connections: %s\n", strings.Join(names, ", "))
	case "LOADAVG":
		s.saveLoadavg(msg)
	case "LOG":
		logger.Println(logger.INFO, "[core] logging reconfiguration.")
		logger.Flush()
	case "PUBLIC_IP":
		if sess == nil {
			return
		}
		reply := message.NewMessage("SERVER_PUBLIC_IP")
		reply.Set("public_ip", s.publicIP)
		s.sendToSession(sess, reply)
	case "QUITTING":
		logger.Println(logger.INFO, "[core] received a QUITTING as a reply to a message.")
	case "RECEIVED":
		// gossip confirmations are consumed by the gossip task itself
		logger.Println(logger.DBG, "[core] stray RECEIVED ignored.")
	case "REFUSE":
		s.handleRefuse(sess, msg)
	case "REGISTER":
		s.handleRegister(sess, msg)
	case "REGISTERFORLOADAVG":
		if sess == nil {
			return
		}
		sess.SetLoadavgSubscribed(true)
		s.updateLoadavgTimer()
	case "RELOADCONFIG":
		// a full restart: the supervisor restarts us on exit code 1
		s.forceRestart = true
		s.shutdown(false)
	case "SERVICESTATUS":
		if sess == nil {
			return
		}
		name := msg.GetDef("service", "")
		if len(name) == 0 {
			logger.Println(logger.ERROR, "[core] the SERVICESTATUS service parameter cannot be an empty string.")
			return
		}
		s.sendStatusTo(sess, name)
	case "SHUTDOWN":
		s.shutdown(true)
	case "STOP":
		s.shutdown(false)
	case "UNKNOWN":
		logger.Printf(logger.ERROR, "[core] we sent command \"%s\" to \"%s\" which told us it does not know that command so we probably did not get the expected result.\n",
			msg.GetDef("command", "?"), sessName(sess))
	case "UNREGISTER":
		s.handleUnregister(sess, msg)
	case "UNREGISTERFORLOADAVG":
		if sess == nil {
			return
		}
		sess.SetLoadavgSubscribed(false)
		s.updateLoadavgTimer()
	default:
		// let a TCP caller know we do not understand its message
		if !udp && sess != nil {
			reply := message.NewMessage("UNKNOWN")
			reply.Set("command", command)
			s.sendToSession(sess, reply)
		}
		logger.Printf(logger.ERROR, "[core] unknown command \"%s\" or not sent from what is considered the correct connection for that message.\n", command)
	}
}

// sessName is a log helper for possibly-nil sessions.
func sessName(sess *Session) string {
	if sess == nil {
		return "?"
	}
	return sess.Name
}

//----------------------------------------------------------------------
// Peer handshake
//----------------------------------------------------------------------

// handleConnect processes an inbound peer handshake.
func (s *Server) handleConnect(sess *Session, msg *message.Message) {
	if sess == nil {
		return
	}
	if !sess.Remote {
		// peers only arrive on the public listener
		logger.Println(logger.ERROR, "[core] CONNECT received on a local connection.")
		return
	}
	if !msg.Has("version") || !msg.Has("my_address") || !msg.Has("server_name") {
		logger.Println(logger.ERROR, "[core] CONNECT was sent without a \"version\", \"my_address\" or \"server_name\" parameter, all are mandatory.")
		return
	}
	if msg.GetInt("version", 0) != ProtocolVersion {
		logger.Printf(logger.ERROR, "[core] CONNECT was sent with an incompatible version. Expected %d, received %d\n",
			ProtocolVersion, msg.GetInt("version", 0))
		s.finalizeSession(sess)
		s.r.Remove(sess.ID)
		return
	}
	remoteServerName, _ := msg.Get("server_name")
	hisAddress, _ := msg.Get("my_address")

	var reply *message.Message

	// another peer session claiming the same server name is a
	// configuration error somewhere in the cluster
	refused := false
	for _, cand := range s.sessions {
		if cand != sess && cand.ServerName == remoteServerName {
			refused = true
			break
		}
	}
	switch {
	case refused:
		logger.Printf(logger.ERROR, "[core] CONNECT from \"%s\" but we already have another computer using that same name.\n", remoteServerName)
		reply = message.NewMessage("REFUSE")
		reply.Set("conflict", "name")
	case s.shuttingDown:
		reply = message.NewMessage("REFUSE")
		reply.Set("shutdown", "true")
		refused = true
	case s.r.Count() >= s.maxConnections:
		// too many connections already, refuse this new one
		reply = message.NewMessage("REFUSE")
		refused = true
	}
	if refused {
		s.sendToSession(sess, reply)
		s.finalizeSession(sess)
		s.r.MarkDone(sess.ID)
		return
	}

	sess.ServerName = remoteServerName
	sess.Kind = ConnRemote
	sess.Start()
	if addr, err := util.ParseAddress(hisAddress, s.myAddress.Port); err == nil {
		sess.PeerAddr = addr
	}
	if services, ok := msg.Get("services"); ok {
		sess.SetServices(services)
	}
	if heard, ok := msg.Get("heard_of"); ok {
		sess.SetHeardOf(heard)
	}
	if neighbors, ok := msg.Get("neighbors"); ok {
		s.mesh.AddNeighbors(neighbors)
	}
	s.refreshHeardOf()

	reply = message.NewMessage("ACCEPT")
	reply.Set("server_name", s.serverName)
	reply.Set("my_address", s.myAddress.String())
	if len(s.explicitNeighbors) > 0 {
		reply.Set("neighbors", s.explicitNeighbors)
	}
	if len(s.localServices) > 0 {
		reply.Set("services", s.localServices.Join())
	}
	if len(s.heardOf) > 0 {
		reply.Set("heard_of", s.heardOf.Join())
	}
	s.sendToSession(sess, reply)

	// ask for the peer's command set
	s.sendToSession(sess, message.NewMessage("HELP"))

	if sess.PeerAddr != nil {
		// a local service may be waiting for this computer's load
		s.registerForLoadavg(sess.PeerAddr.HostString())
		// the peer is a neighbor too; remember it for quick
		// reconnects after a restart
		s.mesh.AddNeighbors(sess.PeerAddr.String())
		// the CONNECT proves the peer knows us, the gossip task (if
		// any) has served its purpose
		s.mesh.GossipReceived(sess.PeerAddr.String())
	}

	// let local services know about the new edge
	s.notifyNewRemoteConnection(remoteServerName)

	// status changed for this connection
	s.sendStatus(sess)
}

// handleAccept processes the peer's answer to our CONNECT.
func (s *Server) handleAccept(sess *Session, msg *message.Message) {
	if sess == nil {
		return
	}
	if !sess.MeshClient {
		// ACCEPT answers a CONNECT, and only mesh clients send those
		logger.Println(logger.ERROR, "[core] ACCEPT received on a connection we did not initiate.")
		return
	}
	if !msg.Has("server_name") || !msg.Has("my_address") {
		logger.Println(logger.ERROR, "[core] ACCEPT was received without a \"server_name\" or \"my_address\" parameter, both are mandatory.")
		return
	}
	remoteServerName, _ := msg.Get("server_name")
	hisAddress, _ := msg.Get("my_address")

	sess.Kind = ConnRemote
	sess.ServerName = remoteServerName
	sess.Start()
	if addr, err := util.ParseAddress(hisAddress, s.myAddress.Port); err == nil {
		sess.PeerAddr = addr
	}
	if services, ok := msg.Get("services"); ok {
		sess.SetServices(services)
	}
	if heard, ok := msg.Get("heard_of"); ok {
		sess.SetHeardOf(heard)
	}
	if neighbors, ok := msg.Get("neighbors"); ok {
		s.mesh.AddNeighbors(neighbors)
	}
	s.refreshHeardOf()

	// request the peer's command set
	s.sendToSession(sess, message.NewMessage("HELP"))

	if sess.PeerAddr != nil {
		s.registerForLoadavg(sess.PeerAddr.HostString())
	}
	s.notifyNewRemoteConnection(remoteServerName)
	s.sendStatus(sess)
}

// handleDisconnect processes a peer's graceful goodbye.
func (s *Server) handleDisconnect(sess *Session) {
	if sess == nil {
		return
	}
	sess.End()
	if sess.Kind != ConnRemote {
		logger.Printf(logger.ERROR, "[core] DISCONNECT was sent from a connection which is not of the right type (%s).\n", sess.Kind)
		s.sendStatus(sess)
		return
	}
	sess.Kind = ConnDown
	if sess.MeshClient {
		// we own this edge: close it and come back in a while, the
		// peer most probably shut down
		addr := s.mesh.MeshPeerAddr(sess.ID)
		s.r.MarkDone(sess.ID)
		if len(addr) > 0 {
			s.mesh.ShuttingDown(addr)
		}
	} else {
		// the initiating side reconnects; this end just goes away
		s.finalizeSession(sess)
		s.r.Remove(sess.ID)
	}
	s.refreshHeardOf()
	if len(sess.ServerName) > 0 {
		gone := message.NewMessage("DISCONNECTED")
		gone.SetService(".")
		gone.Set("server_name", sess.ServerName)
		s.BroadcastMessage(gone)
	}
	s.sendStatus(sess)
}

// handleRefuse processes a peer's rejection of our CONNECT; the reason
// decides how long we pause.
func (s *Server) handleRefuse(sess *Session, msg *message.Message) {
	if sess == nil || !sess.MeshClient {
		logger.Println(logger.ERROR, "[core] REFUSE was sent on a connection we did not initiate.")
		return
	}
	addr := s.mesh.MeshPeerAddr(sess.ID)
	if msg.Has("shutdown") {
		s.mesh.ShuttingDown(addr)
	} else {
		s.mesh.TooBusy(addr)
	}
	// we are responsible for trying again later; drop the stream now
	s.r.MarkDone(sess.ID)
}

// handleGossip answers the "I exist" announcement of a peer that
// cannot initiate an edge to us.
func (s *Server) handleGossip(sess *Session, msg *message.Message) {
	if sess == nil {
		return
	}
	replyTo, ok := msg.Get("my_address")
	if !ok {
		// propagated gossip (heard_of=) is not part of the mesh
		// handshake; the flooding variant never left the drawing board
		logger.Println(logger.ERROR, "[core] GOSSIP without my_address is not supported.")
		return
	}
	s.mesh.AddNeighbors(replyTo)
	s.sendToSession(sess, message.NewMessage("RECEIVED"))
}

//----------------------------------------------------------------------
// Local service lifecycle
//----------------------------------------------------------------------

// handleRegister attaches a local service to the bus.
func (s *Server) handleRegister(sess *Session, msg *message.Message) {
	if sess == nil {
		return
	}
	if sess.Remote || sess.MeshClient {
		// services register over the loopback listener only
		logger.Println(logger.ERROR, "[core] REGISTER received on a peer connection.")
		return
	}
	if !msg.Has("service") || !msg.Has("version") {
		logger.Println(logger.ERROR, "[core] REGISTER was called without a \"service\" and/or a \"version\" parameter, both are mandatory.")
		return
	}
	if msg.GetInt("version", 0) != ProtocolVersion {
		logger.Printf(logger.ERROR, "[core] REGISTER was called with an incompatible version. Expected %d, received %d\n",
			ProtocolVersion, msg.GetInt("version", 0))
		return
	}
	serviceName, _ := msg.Get("service")
	sess.Name = serviceName
	sess.MarkNamed()
	sess.ServerName = s.serverName
	sess.Kind = ConnLocal
	sess.Start()

	// the service uses READY as its start trigger
	s.sendToSession(sess, message.NewMessage("READY"))
	// and we want to know what it understands
	s.sendToSession(sess, message.NewMessage("HELP"))

	s.sendStatus(sess)

	// hand over messages that were waiting for this service, in their
	// original receive order
	now := time.Now().Unix()
	for _, m := range s.msgCache.DrainFor(serviceName, now) {
		s.sendToSession(sess, m)
	}
}

// handleUnregister detaches a local service.
func (s *Server) handleUnregister(sess *Session, msg *message.Message) {
	if sess == nil {
		return
	}
	if !msg.Has("service") {
		logger.Println(logger.ERROR, "[core] UNREGISTER was called without a \"service\" parameter, which is mandatory.")
		return
	}
	sess.Kind = ConnDown
	sess.End()
	// status is sent while the name is still in place
	s.sendStatus(sess)
	sess.Name = ""
	sess.Named = false
	s.finalizeSession(sess)
	s.r.Remove(sess.ID)
}

// notifyNewRemoteConnection tells local services about a fresh peer
// edge.
func (s *Server) notifyNewRemoteConnection(serverName string) {
	note := message.NewMessage("NEWREMOTECONNECTION")
	note.SetService(".")
	note.Set("server_name", serverName)
	s.BroadcastMessage(note)
}
