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
	"commbus/reactor"
	"commbus/util"

	"github.com/bfix/gospel/logger"
)

// wire protocol version exchanged in CONNECT and REGISTER
const ProtocolVersion = 1

// DaemonService is the service name addressing the daemon itself.
const DaemonService = "commbusd"

// commandList enumerates the verbs the daemon itself understands (the
// COMMANDS reply to HELP).
const commandList = "ACCEPT,COMMANDS,CONNECT,DISCONNECT,FORGET,GOSSIP,HELP," +
	"LISTENLOADAVG,LISTSERVICES,LOADAVG,LOG,PUBLIC_IP,QUITTING,RECEIVED," +
	"REFUSE,REGISTER,REGISTERFORLOADAVG,RELOADCONFIG,SERVICESTATUS,SHUTDOWN," +
	"STOP,UNKNOWN,UNREGISTER,UNREGISTERFORLOADAVG"

// udpCommands are the only verbs accepted on the signal (UDP) socket;
// everything else needs the TCP reply channel.
var udpCommands = util.NewNameSet("STOP,SHUTDOWN,LOG,LOADAVG,LISTSERVICES")

//----------------------------------------------------------------------

// processMessage routes one inbound message: self-dispatch, broadcast,
// local forward, deferred cache, or remote forward. 'sess' is nil for
// messages from the signal socket.
func (s *Server) processMessage(sess *Session, msg *message.Message, udp bool) {
	now := time.Now().Unix()

	// broadcasts carry a unique id: drop second arrivals and messages
	// already past their deadline
	if msg.Has(message.ParamBroadcastMsgID) {
		if msg.GetInt(message.ParamBroadcastTimeout, 0) < now {
			return
		}
		msgid, _ := msg.Get(message.ParamBroadcastMsgID)
		if _, ok := s.recvBroadcasts[msgid]; ok {
			// normal in a cluster: two peers both know a node the
			// originator does not, so it hears the message twice
			return
		}
	}

	serverName := msg.Server()
	if serverName == "." {
		serverName = s.serverName
	}
	service := msg.Service()
	command := msg.Command()

	s.traceMessage(msg, serverName, service)

	// enforce the transport table: the signal socket accepts a handful
	// of verbs only
	if udp && !udpCommands.Contains(command) {
		logger.Printf(logger.ERROR, "[core] %s is not accepted over UDP.\n", command)
		return
	}

	// check whether this message is for us
	if (len(serverName) == 0 || serverName == s.serverName || serverName == "*") &&
		(len(service) == 0 || service == DaemonService) {
		s.processOwnMessage(sess, msg, command, udp)
		return
	}

	// broadcasting?
	if service == "*" || service == "?" || service == "." {
		if len(msg.Server()) > 0 && msg.Server() != "*" && (service == "*" || service == "?") {
			// a specific server and a cluster scope contradict each
			// other; either set the server to "*" or empty, or do not
			// broadcast
			logger.Printf(logger.ERROR, "[core] cannot specify both a server name (%s) and \"%s\" as the service.\n", msg.Server(), service)
			return
		}
		s.broadcastMessage(msg, nil)
		return
	}

	allServers := len(serverName) == 0 || serverName == "*"

	// a registered local service gets the message directly; remote
	// sessions with a matching server name are collected as fallback
	var forwardTo []*Session
	for _, cand := range s.sessions {
		if !allServers && cand.ServerName != serverName {
			continue
		}
		if cand.Kind == ConnLocal && cand.Name == service {
			// only one matching local session is used
			s.sendToSession(cand, msg)
			return
		}
		if cand.Kind == ConnRemote {
			forwardTo = append(forwardTo, cand)
		}
	}

	// locally-known but unregistered service: defer the message
	if (allServers || serverName == s.serverName) && s.localServices.Contains(service) {
		if s.msgCache.Add(msg.Clone(), now) {
			logger.Printf(logger.DBG, "[core] cached message %s for dormant service '%s'\n", command, service)
		}
		s.transmissionReport(sess, msg)
		return
	}

	// sending to self but the service is unknown here: nowhere to go
	if serverName == s.serverName {
		if !strings.HasPrefix(service, "lock_") {
			logger.Printf(logger.DBG, "[core] received event '%s' for local service '%s', which is not currently registered. Dropping message.\n", command, service)
		}
		s.transmissionReport(sess, msg)
		return
	}

	// forward to matching peers; a message on this path must not carry
	// a broadcast id of its own (handled above)
	if len(forwardTo) > 0 {
		ids := make([]reactor.ConnID, 0, len(forwardTo))
		for _, cand := range forwardTo {
			ids = append(ids, cand.ID)
		}
		s.broadcastMessage(msg, ids)
	}
}

// transmissionReport tells the sender that a message could not be
// delivered, if it asked for a failure report.
func (s *Server) transmissionReport(sess *Session, msg *message.Message) {
	if sess == nil {
		return
	}
	if report := msg.GetDef(message.ParamTransmissionRpt, ""); report == "failure" {
		reply := message.NewMessage("TRANSMISSIONREPORT")
		reply.Set("status", "failed")
		s.sendToSession(sess, reply)
	}
}

// traceMessage logs inbound traffic, quieting the lock service chatter
// unless the debug option asks for it.
func (s *Server) traceMessage(msg *message.Message, serverName, service string) {
	_, sentFromService := msg.SentFrom()
	command := msg.Command()
	if s.debugLock ||
		(command != "UNLOCKED" &&
			!strings.HasPrefix(sentFromService, "lock_") &&
			(command != "REGISTER" || !strings.HasPrefix(msg.GetDef("service", ""), "lock_"))) {
		logger.Printf(logger.DBG, "[core] received command=[%s], server_name=[%s], service=[%s], message=[%s]\n",
			command, serverName, service, message.Marshal(msg))
	}
}
