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
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"commbus/config"
	"commbus/message"
	"commbus/reactor"
	"commbus/util"

	"github.com/bfix/gospel/logger"
	"github.com/bfix/gospel/network"
)

// Server-related error codes
var (
	ErrServerMyAddress = errors.New("my_address not found on this computer")
	ErrServerNoName    = errors.New("server has no name")
)

// Server is the per-node message bus daemon: it owns the reactor, the
// session table, the peer mesh and the deferred cache, and routes every
// message between local services and peer daemons.
type Server struct {
	cfg *config.Config
	r   *reactor.Reactor

	serverName        string
	myAddress         *util.Address
	publicIP          string
	explicitNeighbors string
	localServices     util.NameSet
	heardOf           util.NameSet

	sessions map[reactor.ConnID]*Session
	mesh     *Mesh
	msgCache *MessageCache

	recvBroadcasts map[string]int64 // broadcast_msgid -> timeout
	broadcastSeq   int64            // owned by the reactor loop

	shuttingDown   bool
	forceRestart   bool
	warnedLoopback bool
	debugLock      bool
	maxConnections int

	numCPU       int
	lastLoadavg  float64
	loadavgPeers util.NameSet
	loadRegistry util.KeyValueStore

	clientTLS *tls.Config
	serverTLS *tls.Config

	localLst   net.Listener
	publicLst  net.Listener
	signalAddr net.Addr

	localListenerID  reactor.ConnID
	publicListenerID reactor.ConnID
	signalID         reactor.ConnID
	interruptID      reactor.ConnID
	loadavgTimerID   reactor.ConnID

	upnp   *network.PortMapper
	upnpID string
}

// NewServer creates and initializes the daemon: listeners, signal
// socket, load sampler, peer mesh and neighbor bootstrap.
func NewServer(cfg *config.Config) (s *Server, err error) {
	if len(cfg.ServerName) == 0 {
		return nil, ErrServerNoName
	}
	s = &Server{
		cfg:            cfg,
		r:              reactor.New(),
		serverName:     cfg.ServerName,
		localServices:  make(util.NameSet),
		heardOf:        make(util.NameSet),
		sessions:       make(map[reactor.ConnID]*Session),
		msgCache:       NewMessageCache(),
		recvBroadcasts: make(map[string]int64),
		debugLock:      cfg.DebugLockMessages,
		maxConnections: cfg.MaxConnections,
		numCPU:         runtime.NumCPU(),
		loadavgPeers:   make(util.NameSet),
	}

	// read the list of available services; the set is immutable for
	// the lifetime of the process
	matches, _ := filepath.Glob(filepath.Join(cfg.Services, "*.service"))
	for _, m := range matches {
		s.localServices.Add(strings.TrimSuffix(filepath.Base(m), ".service"))
	}
	logger.Printf(logger.INFO, "[core] local services: %s\n", s.localServices.Join())

	// TLS on the public listener (and toward peers) when both the
	// certificate and the private key are configured
	if cfg.UseTLS() {
		var cert tls.Certificate
		if cert, err = tls.LoadX509KeyPair(cfg.SSLCertificate, cfg.SSLPrivateKey); err != nil {
			return nil, err
		}
		s.serverTLS = &tls.Config{Certificates: []tls.Certificate{cert}}
		// transport encryption only; peer authentication is out of
		// scope, clusters run with deployment-specific certificates
		s.clientTLS = &tls.Config{InsecureSkipVerify: true}
	}

	// capture Ctrl-C / TERM
	s.interruptID = s.r.AddSignals(func(r *reactor.Reactor, id reactor.ConnID, ev reactor.Event) {
		if ev.Kind == reactor.EvSignal {
			logger.Printf(logger.INFO, "[core] terminating on signal '%s'\n", ev.Sig)
			s.shutdown(false)
		}
	}, syscall.SIGINT, syscall.SIGTERM)

	// the local listener accepts the services running on this host
	if s.localLst, err = reactor.Listen(cfg.LocalListen, nil); err != nil {
		return nil, err
	}
	s.localListenerID = s.r.AddListener(s.localLst, s.acceptHandler(true), s.streamHandler())

	// the public listener accepts peer daemons; a loopback address
	// disables peering entirely
	listen := cfg.Listen
	if len(listen) == 0 {
		listen = fmt.Sprintf("0.0.0.0:%d", config.DefListenPort)
	}
	listenAddr, err := util.ParseAddress(listen, config.DefListenPort)
	if err != nil {
		return nil, err
	}
	if listenAddr.NetworkType() != util.NetworkLoopback {
		if s.publicLst, err = reactor.Listen(listenAddr.String(), s.serverTLS); err != nil {
			return nil, err
		}
		s.publicIP = listenAddr.HostString()
		s.publicListenerID = s.r.AddListener(s.publicLst, s.acceptHandler(false), s.streamHandler())
	} else {
		logger.Printf(logger.WARN, "[core] \"listen\" parameter is \"%s\" so it is ignored and no peer connections will be possible.\n", listen)
	}

	// the signal socket takes UDP one-liners (STOP, LOG, ...)
	pc, err := net.ListenPacket("udp", cfg.Signal)
	if err != nil {
		return nil, err
	}
	s.signalAddr = pc.LocalAddr()
	s.signalID = s.r.AddDatagram(pc, s.signalHandler())

	// load-average sampler, enabled on the first subscription
	s.loadavgTimerID = s.r.AddTimer(loadavgInterval, false, func(r *reactor.Reactor, id reactor.ConnID, ev reactor.Event) {
		if ev.Kind == reactor.EvTimer {
			s.processLoadavgTick()
		}
	})

	// our own address must exist on a local interface: a copied
	// configuration file is the classic mistake here
	if s.myAddress, err = util.ParseAddress(cfg.MyAddress, listenAddr.Port); err != nil {
		return nil, err
	}
	if ok, ierr := s.myAddress.IsInterfaceAddress(); ierr != nil {
		logger.Printf(logger.ERROR, "[core] interface enumeration failed: %s -- going on anyway\n", ierr.Error())
	} else if !ok {
		logger.Printf(logger.ERROR, "[core] my_address \"%s\" not found on this computer. Did a copy of the configuration file and forgot to change that entry?\n", s.myAddress)
		return nil, ErrServerMyAddress
	}

	// optional UPnP forward of the public port on the router
	if cfg.UPnP && s.publicLst != nil {
		if s.upnp, err = network.NewPortMapper("commbus"); err == nil {
			var local, remote string
			if s.upnpID, local, remote, err = s.upnp.Assign("tcp", listenAddr.Port); err == nil {
				logger.Printf(logger.INFO, "[core] UPnP forward %s -> %s\n", remote, local)
			} else {
				logger.Printf(logger.WARN, "[core] UPnP assignment failed: %s\n", err.Error())
			}
		} else {
			logger.Printf(logger.WARN, "[core] no UPnP available: %s\n", err.Error())
			s.upnp = nil
		}
		err = nil
	}

	// neighbor cache directory and load registry
	if err = util.EnforceDirExists(cfg.CachePath); err != nil {
		return nil, err
	}
	spec := cfg.LoadavgStore
	if len(spec) == 0 {
		spec = "file+" + filepath.Join(cfg.CachePath, "loadavg.txt")
	}
	if s.loadRegistry, err = util.OpenKVStore(spec); err != nil {
		logger.Printf(logger.WARN, "[core] load registry '%s' not available: %s\n", spec, err.Error())
		s.loadRegistry = nil
		err = nil
	}

	// bootstrap the mesh from the configured neighbors (the first
	// add also pulls in the cached ones)
	s.mesh = NewMesh(s, s.myAddress, cfg.CachePath)
	canon, bad := util.CanonicalizeNeighbors(cfg.Neighbors, listenAddr.Port)
	for _, b := range bad {
		logger.Printf(logger.ERROR, "[core] invalid configured neighbor '%s', ignored.\n", b)
	}
	s.explicitNeighbors = strings.Join(canon, ",")
	s.mesh.AddNeighbors(s.explicitNeighbors)

	return s, nil
}

// Run drives the daemon until shutdown completes.
func (s *Server) Run() {
	s.r.Run()
	if s.upnp != nil {
		if len(s.upnpID) > 0 {
			s.upnp.Unassign(s.upnpID)
		}
		s.upnp.Close()
	}
}

// ForceRestart reports whether a RELOADCONFIG asked for exit code 1 so
// the supervisor restarts us.
func (s *Server) ForceRestart() bool {
	return s.forceRestart
}

// LocalAddr returns the bound address of the loopback listener.
func (s *Server) LocalAddr() net.Addr {
	return s.localLst.Addr()
}

// PublicAddr returns the bound address of the public listener (nil
// when peering is disabled).
func (s *Server) PublicAddr() net.Addr {
	if s.publicLst == nil {
		return nil
	}
	return s.publicLst.Addr()
}

// SignalAddr returns the bound address of the UDP signal socket.
func (s *Server) SignalAddr() net.Addr {
	return s.signalAddr
}

//----------------------------------------------------------------------
// Connection handlers
//----------------------------------------------------------------------

// acceptHandler handles one listener: the loopback listener produces
// LOCAL sessions only, the public listener REMOTE ones.
func (s *Server) acceptHandler(local bool) reactor.Handler {
	return func(r *reactor.Reactor, id reactor.ConnID, ev reactor.Event) {
		switch ev.Kind {
		case reactor.EvAccept:
			if !local && r.Count() > s.maxConnections {
				// no room for another peer
				if err := r.Send(ev.Conn, "REFUSE"); err != nil {
					logger.Printf(logger.WARN, "[core] REFUSE not sent: %s\n", err.Error())
				}
				r.MarkDone(ev.Conn)
				logger.Printf(logger.ERROR, "[core] connection cap reached; refusing %s\n", ev.Peer)
				return
			}
			sess := NewSession(ev.Conn)
			if local {
				// local services belong to this host
				sess.ServerName = s.serverName
				sess.Name = fmt.Sprintf("local connection from %s", ev.Peer)
			} else {
				sess.MarkRemote()
				sess.Name = fmt.Sprintf("peer connection from %s", ev.Peer)
			}
			s.sessions[ev.Conn] = sess
			r.StartStream(ev.Conn)

		case reactor.EvClosed:
			logger.Printf(logger.INFO, "[core] listener terminated (%v)\n", ev.Err)
		}
	}
}

// streamHandler processes traffic on accepted connections.
func (s *Server) streamHandler() reactor.Handler {
	return func(r *reactor.Reactor, id reactor.ConnID, ev reactor.Event) {
		switch ev.Kind {
		case reactor.EvLine:
			sess := s.sessions[id]
			if sess == nil {
				return
			}
			msg, err := message.Parse(ev.Line)
			if err != nil {
				s.badMessage(sess, ev.Line)
				return
			}
			s.processMessage(sess, msg, false)

		case reactor.EvClosed:
			sess := s.sessions[id]
			if sess == nil {
				return
			}
			s.sessionLost(sess)
		}
	}
}

// sessionLost finalizes a session whose socket went away without a
// graceful DISCONNECT/UNREGISTER. The status emission runs here, from
// reactor context, so even the final teardown is reported.
func (s *Server) sessionLost(sess *Session) {
	wasRemote := sess.Kind == ConnRemote
	sess.End()
	sess.Kind = ConnDown
	if wasRemote && len(sess.ServerName) > 0 {
		// the peer vanished without a goodbye
		hangup := message.NewMessage("HANGUP")
		hangup.SetService(".")
		hangup.Set("server_name", sess.ServerName)
		s.BroadcastMessage(hangup)
	}
	s.sendStatus(sess)
	if wasRemote {
		s.refreshHeardOf()
	}
	delete(s.sessions, sess.ID)
}

// badMessage logs a malformed line and lets the TCP sender know.
func (s *Server) badMessage(sess *Session, line string) {
	logger.Printf(logger.WARN, "[core] invalid message [%s]\n", line)
	verb := line
	if idx := strings.IndexByte(verb, ' '); idx >= 0 {
		verb = verb[:idx]
	}
	reply := message.NewMessage("UNKNOWN")
	reply.Set("command", verb)
	s.sendToSession(sess, reply)
}

// signalHandler processes UDP one-liners; senders get no reply.
func (s *Server) signalHandler() reactor.Handler {
	return func(r *reactor.Reactor, id reactor.ConnID, ev reactor.Event) {
		if ev.Kind != reactor.EvLine {
			return
		}
		msg, err := message.Parse(ev.Line)
		if err != nil {
			logger.Printf(logger.WARN, "[core] invalid signal message [%s]\n", ev.Line)
			return
		}
		s.processMessage(nil, msg, true)
	}
}

// meshClientHandler drives one outbound mesh connection.
func (s *Server) meshClientHandler(addrKey string) reactor.Handler {
	return func(r *reactor.Reactor, id reactor.ConnID, ev reactor.Event) {
		switch ev.Kind {
		case reactor.EvConnected:
			sess := NewSession(id)
			sess.MeshClient = true
			sess.Name = fmt.Sprintf("mesh connection to %s", addrKey)
			if addr, err := util.ParseAddress(addrKey, s.myAddress.Port); err == nil {
				sess.PeerAddr = addr
			}
			s.sessions[id] = sess
			// a shutdown pause is over once we actually connected
			s.mesh.ResetBackoff(addrKey)

			connect := message.NewMessage("CONNECT")
			connect.SetInt("version", ProtocolVersion)
			connect.Set("my_address", s.myAddress.String())
			connect.Set("server_name", s.serverName)
			if len(s.explicitNeighbors) > 0 {
				connect.Set("neighbors", s.explicitNeighbors)
			}
			if len(s.localServices) > 0 {
				connect.Set("services", s.localServices.Join())
			}
			if len(s.heardOf) > 0 {
				connect.Set("heard_of", s.heardOf.Join())
			}
			s.sendToSession(sess, connect)
			s.sendStatus(sess)

		case reactor.EvLine:
			sess := s.sessions[id]
			if sess == nil {
				return
			}
			msg, err := message.Parse(ev.Line)
			if err != nil {
				s.badMessage(sess, ev.Line)
				return
			}
			s.processMessage(sess, msg, false)

		case reactor.EvConnectFailed:
			logger.Printf(logger.ERROR, "[core] the connection to peer %s failed: %s\n", addrKey, ev.Err)
			s.serverUnreachable(addrKey)

		case reactor.EvClosed:
			if sess := s.sessions[id]; sess != nil {
				s.sessionLost(sess)
			}
			if s.shuttingDown {
				r.Remove(id)
			}
		}
	}
}

//----------------------------------------------------------------------
// Helpers
//----------------------------------------------------------------------

// sendToSession marshals and enqueues a message on a session's
// connection.
func (s *Server) sendToSession(sess *Session, msg *message.Message) {
	if err := s.r.Send(sess.ID, message.Marshal(msg)); err != nil {
		logger.Printf(logger.DBG, "[core] failed to send %s to connection \"%s\" (error: %s)\n",
			msg.Command(), sess.Name, err.Error())
	}
}

// sessionAddr returns the address used for broadcast classification:
// the peer's advertised address when known, the socket address
// otherwise.
func (s *Server) sessionAddr(sess *Session) *util.Address {
	if sess.PeerAddr != nil {
		return sess.PeerAddr
	}
	na := s.r.RemoteAddr(sess.ID)
	if na == nil {
		return nil
	}
	addr, err := util.ParseAddress(na.String(), 0)
	if err != nil {
		return nil
	}
	return addr
}

// finalizeSession removes a session record (the reactor slot is
// removed by the caller).
func (s *Server) finalizeSession(sess *Session) {
	delete(s.sessions, sess.ID)
}

// dropMeshSession finalizes the session attached to a mesh client that
// is being forgotten.
func (s *Server) dropMeshSession(id reactor.ConnID) {
	if sess := s.sessions[id]; sess != nil {
		sess.End()
		sess.Kind = ConnDown
		s.sendStatus(sess)
		delete(s.sessions, id)
		s.refreshHeardOf()
	}
}

// serverUnreachable tells local services that a peer cannot be
// reached.
func (s *Server) serverUnreachable(addr string) {
	unreachable := message.NewMessage("UNREACHABLE")
	unreachable.SetService(".")
	unreachable.Set("who", addr)
	s.BroadcastMessage(unreachable)
}

//----------------------------------------------------------------------
// Shutdown orchestration
//----------------------------------------------------------------------

// shutdown quiesces the node. STOP keeps the cluster running
// (DISCONNECT to peers); SHUTDOWN cascades (SHUTDOWN to peers);
// RELOADCONFIG is a STOP followed by exit code 1.
func (s *Server) shutdown(quitting bool) {
	if s.shuttingDown {
		return
	}
	// from now on no more REGISTER/CONNECT get accepted
	s.shuttingDown = true
	logger.Printf(logger.DBG, "[core] shutting down (%s)\n", map[bool]string{true: "QUIT", false: "STOP"}[quitting])

	// all gossiping can stop at once, and mesh tasks that are not
	// presently connected have nothing to say goodbye to
	s.mesh.StopGossiping()
	s.mesh.StopIdleClients()

	peerVerb := "DISCONNECT"
	if quitting {
		// SHUTDOWN means the entire cluster goes down
		peerVerb = "SHUTDOWN"
	}

	// iterate over a copy: handlers mutate the session table
	list := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	for _, sess := range list {
		switch {
		case sess.Kind == ConnRemote || sess.MeshClient:
			s.sendToSession(sess, message.NewMessage(peerVerb))
			// the peer is expected to drop the edge on receipt, but we
			// do not wait for it: close once the verb is written
			s.r.MarkDone(sess.ID)

		case sess.Kind == ConnLocal && sess.Understands("DISCONNECTING"):
			// close the connection as soon as the last message is out
			s.sendToSession(sess, message.NewMessage("DISCONNECTING"))
			s.r.MarkDone(sess.ID)

		case sess.Kind == ConnLocal && s.r.HasOutput(sess.ID):
			// let the write buffer drain first
			s.r.MarkDone(sess.ID)

		default:
			// uninitialized or silent connection: drop it now
			s.finalizeSession(sess)
			s.r.Remove(sess.ID)
		}
	}

	// no more requests: drop the listeners, the signal socket, the
	// interrupt handler and the sampler; the reactor exits once the
	// draining connections are gone
	s.r.Remove(s.interruptID)
	s.r.Remove(s.localListenerID)
	if s.publicListenerID != reactor.NoConn {
		s.r.Remove(s.publicListenerID)
	}
	s.r.Remove(s.signalID)
	s.r.Remove(s.loadavgTimerID)
}
