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
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"commbus/config"
)

// newDaemon builds a complete server through NewServer: loopback
// listeners only, peering disabled.
func newDaemon(t *testing.T) *Server {
	t.Helper()
	services := t.TempDir()
	// one known-on-disk service
	if err := os.WriteFile(filepath.Join(services, "images.service"), []byte("# unit\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		ServerName:  "alpha",
		MyAddress:   "127.0.0.1",
		LocalListen: "127.0.0.1:0",
		Listen:      "127.0.0.1:1", // loopback disables peering
		Signal:      "127.0.0.1:0",
		CachePath:   t.TempDir(),
		Services:    services,
		Neighbors:   "",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return srv
}

func TestDaemonLifecycle(t *testing.T) {
	srv := newDaemon(t)

	done := make(chan struct{})
	go func() {
		srv.Run()
		close(done)
	}()

	// the daemon is up: a client can talk to it
	conn, rd := dialBus(t, srv)
	sendLine(t, conn, "HELP")
	line := expectLine(t, conn, rd)
	if len(line) == 0 {
		t.Fatal("no HELP reply")
	}
	conn.Close()

	// peering is disabled on a loopback listen address
	if srv.PublicAddr() != nil {
		t.Fatal("public listener active despite loopback listen")
	}

	// a STOP datagram on the signal socket shuts the daemon down
	sig, err := net.Dial("udp", srv.SignalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	if _, err = sig.Write([]byte("STOP\n")); err != nil {
		t.Fatal(err)
	}
	sig.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop on STOP signal")
	}
	if srv.ForceRestart() {
		t.Fatal("STOP must not request a restart")
	}
}

func TestDaemonReloadconfigExitCode(t *testing.T) {
	srv := newDaemon(t)

	done := make(chan struct{})
	go func() {
		srv.Run()
		close(done)
	}()

	conn, _ := dialBus(t, srv)
	sendLine(t, conn, "RELOADCONFIG")
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop on RELOADCONFIG")
	}
	conn.Close()
	if !srv.ForceRestart() {
		t.Fatal("RELOADCONFIG must request a restart")
	}
}

func TestDaemonScansServices(t *testing.T) {
	srv := newDaemon(t)
	done := make(chan struct{})
	go func() {
		srv.Run()
		close(done)
	}()
	st := srv.Stats()
	if st.LocalServices != "images" {
		t.Fatalf("local services = %q, want images", st.LocalServices)
	}
	if st.ServerName != "alpha" {
		t.Fatalf("server name = %q", st.ServerName)
	}

	srv.r.Stop()
	<-done
}
