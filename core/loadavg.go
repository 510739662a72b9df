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
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"commbus/message"
	"commbus/util"

	"github.com/bfix/gospel/logger"
)

// kernel source of the 1-minute load average
const loadavgPath = "/proc/loadavg"

// sampler period
const loadavgInterval = time.Second

// minimum change before a new LOADAVG is published
const loadavgEpsilon = 0.1

// timestamps older than this are rejected when recording peer loads
var loadavgEpoch = time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC).Unix()

// Loadavg error codes
var (
	ErrLoadavgBadSample = errors.New("unparsable loadavg sample")
)

// parseLoadavg extracts the 1-minute average (first whitespace-
// separated token) and normalizes it by the CPU count: a load of 1 on
// a 16-core box is a sixteenth of its capacity.
func parseLoadavg(raw string, numCPU int) (float64, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return 0, ErrLoadavgBadSample
	}
	avg, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, ErrLoadavgBadSample
	}
	if numCPU < 1 {
		numCPU = 1
	}
	return avg / float64(numCPU), nil
}

// loadavgChanged applies the publish hysteresis.
func loadavgChanged(last, avg float64) bool {
	return math.Abs(last-avg) >= loadavgEpsilon
}

//----------------------------------------------------------------------

// processLoadavgTick runs on the 1-second sampler timer: read the
// kernel value and publish it to subscribed sessions if it moved
// enough.
func (s *Server) processLoadavgTick() {
	raw, err := os.ReadFile(loadavgPath)
	if err != nil {
		logger.Printf(logger.ERROR, "[core] error reading %s: %s\n", loadavgPath, err.Error())
		return
	}
	avg, err := parseLoadavg(string(raw), s.numCPU)
	if err != nil {
		logger.Printf(logger.ERROR, "[core] %s\n", err.Error())
		return
	}
	if !loadavgChanged(s.lastLoadavg, avg) {
		// do not send if it did not change lately
		return
	}
	s.lastLoadavg = avg

	load := message.NewMessage("LOADAVG")
	load.Set("avg", strconv.FormatFloat(avg, 'g', -1, 64))
	load.Set("my_address", s.myAddress.String())
	load.SetInt("timestamp", time.Now().Unix())
	for _, sess := range s.sessions {
		if sess.WantsLoad {
			s.sendToSession(sess, load)
		}
	}
}

// updateLoadavgTimer enables the sampler while at least one session is
// subscribed and disables it when the last one unsubscribes.
func (s *Server) updateLoadavgTimer() {
	active := false
	for _, sess := range s.sessions {
		if sess.WantsLoad {
			active = true
			break
		}
	}
	s.r.EnableTimer(s.loadavgTimerID, active)
}

//----------------------------------------------------------------------

// saveLoadavg records a LOADAVG message received from a peer into the
// load registry, keyed by the peer's canonical address.
func (s *Server) saveLoadavg(msg *message.Message) {
	addrStr, _ := msg.Get("my_address")
	addr, err := util.ParseAddress(addrStr, s.myAddress.Port)
	if err != nil {
		logger.Printf(logger.WARN, "[core] LOADAVG with invalid address '%s'\n", addrStr)
		return
	}
	avgStr, _ := msg.Get("avg")
	avg, err := strconv.ParseFloat(avgStr, 64)
	if err != nil || avg < 0 {
		return
	}
	timestamp := msg.GetInt("timestamp", 0)
	if timestamp < loadavgEpoch {
		return
	}
	if s.loadRegistry == nil {
		return
	}
	value := fmt.Sprintf("%s %d", avgStr, timestamp)
	if err := s.loadRegistry.Put(addr.HostString(), value); err != nil {
		logger.Printf(logger.ERROR, "[core] load registry write failed: %s\n", err.Error())
	}
}

// listenLoadavg records remote addresses whose LOADAVG a local service
// wants; matching peers get a REGISTERFORLOADAVG now and again whenever
// such a peer session reappears.
func (s *Server) listenLoadavg(msg *message.Message) {
	ips, _ := msg.Get("ips")
	for _, ip := range strings.Split(ips, ",") {
		ip = strings.TrimSpace(ip)
		if len(ip) == 0 {
			continue
		}
		addr, err := util.ParseAddress(ip, s.myAddress.Port)
		if err != nil {
			logger.Printf(logger.WARN, "[core] LISTENLOADAVG with invalid address '%s'\n", ip)
			continue
		}
		host := addr.HostString()
		if s.loadavgPeers.Contains(host) {
			continue
		}
		s.loadavgPeers.Add(host)
		s.registerForLoadavg(host)
	}
}

// registerForLoadavg asks the peer session with the given address to
// start sending LOADAVG messages, if such a session exists and a local
// service asked for that address.
func (s *Server) registerForLoadavg(ip string) {
	if !s.loadavgPeers.Contains(ip) {
		return
	}
	addr, err := util.ParseAddress(ip, s.myAddress.Port)
	if err != nil {
		return
	}
	for _, sess := range s.sessions {
		if sess.PeerAddr != nil && sess.PeerAddr.IP.Equal(addr.IP) {
			s.sendToSession(sess, message.NewMessage("REGISTERFORLOADAVG"))
			return
		}
	}
}
