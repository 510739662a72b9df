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
	"testing"
	"time"

	"commbus/reactor"
	"commbus/util"
)

// newTestMesh builds a mesh around a bare server whose reactor runs in
// the background; peer dials go to unroutable test addresses and never
// succeed, which is fine for bookkeeping tests.
func newTestMesh(t *testing.T, myAddr, cachePath string) (*Mesh, func()) {
	t.Helper()
	addr, err := util.ParseAddress(myAddr, 4040)
	if err != nil {
		t.Fatal(err)
	}
	s := &Server{
		r:              reactor.New(),
		serverName:     "tester",
		myAddress:      addr,
		localServices:  make(util.NameSet),
		heardOf:        make(util.NameSet),
		sessions:       make(map[reactor.ConnID]*Session),
		msgCache:       NewMessageCache(),
		recvBroadcasts: make(map[string]int64),
		maxConnections: 100,
		numCPU:         1,
		loadavgPeers:   make(util.NameSet),
	}
	s.mesh = NewMesh(s, addr, cachePath)
	// a disabled timer keeps the arena non-empty while tests poke at
	// the mesh
	s.r.AddTimer(time.Hour, false, nil)
	done := make(chan struct{})
	go func() {
		s.r.Run()
		close(done)
	}()
	return s.mesh, func() {
		s.r.Stop()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("reactor did not stop")
		}
	}
}

func TestMeshAsymmetry(t *testing.T) {
	dir := t.TempDir()
	m, cleanup := newTestMesh(t, "10.0.0.2:4040", dir)
	defer cleanup()

	// for all peer pairs exactly one side initiates: the one with the
	// greater canonical address dials, the other gossips
	m.AddNeighbors("10.0.0.1:4040,10.0.0.3:4040")
	if _, ok := m.peers["10.0.0.1:4040"]; !ok {
		t.Fatal("smaller peer did not get a mesh client")
	}
	if _, ok := m.gossip["10.0.0.1:4040"]; ok {
		t.Fatal("smaller peer got a gossip task")
	}
	if _, ok := m.gossip["10.0.0.3:4040"]; !ok {
		t.Fatal("larger peer did not get a gossip task")
	}
	if _, ok := m.peers["10.0.0.3:4040"]; ok {
		t.Fatal("larger peer got a mesh client")
	}
}

func TestMeshIgnoresOwnAddress(t *testing.T) {
	m, cleanup := newTestMesh(t, "10.0.0.2:4040", t.TempDir())
	defer cleanup()

	// neighbors echo our own address right back at us
	m.AddNeighbors("10.0.0.2:4040")
	if len(m.peers) != 0 || len(m.gossip) != 0 {
		t.Fatal("created a task for our own address")
	}
}

func TestNeighborFilePersistence(t *testing.T) {
	dir := t.TempDir()
	m, cleanup := newTestMesh(t, "10.0.0.2:4040", dir)
	m.AddNeighbors("10.0.0.1:4040, 10.0.0.3")
	cleanup()

	data, err := os.ReadFile(filepath.Join(dir, "neighbors.txt"))
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !strings.Contains(content, "10.0.0.1:4040") || !strings.Contains(content, "10.0.0.3:4040") {
		t.Fatalf("neighbor file incomplete: %q", content)
	}

	// a fresh mesh picks the cached entries up on the first add
	m2, cleanup2 := newTestMesh(t, "10.0.0.2:4040", dir)
	defer cleanup2()
	m2.AddNeighbors("")
	if !strings.Contains(m2.Neighbors(), "10.0.0.1:4040") {
		t.Fatalf("cached neighbors not loaded: %q", m2.Neighbors())
	}
	if _, ok := m2.peers["10.0.0.1:4040"]; !ok {
		t.Fatal("cached smaller peer did not get a mesh client")
	}
}

func TestNeighborFileComments(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "neighbors.txt")
	content := "# managed by commbusd\n10.0.0.1:4040\n\n# trailing comment\n10.0.0.3:4040\n"
	if err := os.WriteFile(file, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	m, cleanup := newTestMesh(t, "10.0.0.2:4040", dir)
	defer cleanup()
	m.AddNeighbors("")
	got := m.Neighbors()
	if !strings.Contains(got, "10.0.0.1:4040") || !strings.Contains(got, "10.0.0.3:4040") {
		t.Fatalf("comment handling broken: %q", got)
	}
	if strings.Contains(got, "#") {
		t.Fatalf("comment leaked into the neighbor set: %q", got)
	}
}

func TestRemoveNeighbor(t *testing.T) {
	dir := t.TempDir()
	m, cleanup := newTestMesh(t, "10.0.0.2:4040", dir)
	defer cleanup()

	m.AddNeighbors("10.0.0.1:4040,10.0.0.3:4040")
	// FORGET may come with a bare IP
	m.RemoveNeighbor("10.0.0.1")
	if strings.Contains(m.Neighbors(), "10.0.0.1") {
		t.Fatalf("neighbor still present: %q", m.Neighbors())
	}
	if _, ok := m.peers["10.0.0.1:4040"]; ok {
		t.Fatal("mesh client still installed")
	}
	// the gossip entry for the other peer survives
	if _, ok := m.gossip["10.0.0.3:4040"]; !ok {
		t.Fatal("unrelated gossip task removed")
	}

	data, _ := os.ReadFile(filepath.Join(dir, "neighbors.txt"))
	if strings.Contains(string(data), "10.0.0.1") {
		t.Fatalf("neighbor file still lists the address: %q", string(data))
	}
}

func TestGossipBackoffDoubles(t *testing.T) {
	m, cleanup := newTestMesh(t, "10.0.0.2:4040", t.TempDir())
	defer cleanup()

	task := &gossipTask{addr: "10.0.0.9:4040", wait: gossipFirstDelay}
	task.connID = m.srv.r.AddTimer(time.Hour, false, nil) // placeholder slot
	waits := []time.Duration{}
	for i := 0; i < 12; i++ {
		m.backoffGossip(m.srv.r, task.connID, task)
		waits = append(waits, task.wait)
	}
	if waits[0] != 2*gossipFirstDelay {
		t.Fatalf("first backoff %s, want %s", waits[0], 2*gossipFirstDelay)
	}
	for i := 1; i < len(waits); i++ {
		if waits[i] > gossipRetryMax {
			t.Fatalf("backoff exceeded cap: %s", waits[i])
		}
	}
	if waits[len(waits)-1] != gossipRetryMax {
		t.Fatalf("backoff did not settle at the cap: %s", waits[len(waits)-1])
	}
}
