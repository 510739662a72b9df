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

package reactor

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("os/signal.signal_recv"),
		goleak.IgnoreTopFunction("os/signal.loop"),
	)
}

func TestStreamEcho(t *testing.T) {
	r := New()
	lst, err := Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	streamHdlr := func(r *Reactor, id ConnID, ev Event) {
		if ev.Kind == EvLine {
			if err := r.Send(id, "ECHO "+ev.Line); err != nil {
				t.Errorf("send failed: %s", err)
			}
		}
	}
	r.AddListener(lst, func(r *Reactor, id ConnID, ev Event) {
		if ev.Kind == EvAccept {
			r.StartStream(ev.Conn)
		}
	}, streamHdlr)

	done := make(chan struct{})
	go func() {
		r.Run()
		close(done)
	}()

	conn, err := net.Dial("tcp", lst.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	rd := bufio.NewScanner(conn)
	for i := 0; i < 5; i++ {
		fmt.Fprintf(conn, "line %d\n", i)
	}
	// FIFO on a single connection
	for i := 0; i < 5; i++ {
		if !rd.Scan() {
			t.Fatal("echo stream ended early")
		}
		if want := fmt.Sprintf("ECHO line %d", i); rd.Text() != want {
			t.Fatalf("got %q, want %q", rd.Text(), want)
		}
	}
	conn.Close()

	r.Stop()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("reactor did not stop")
	}
}

func TestClientRetry(t *testing.T) {
	r := New()
	// grab a port, then close it so connects fail
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := lst.Addr().String()
	lst.Close()

	fails := make(chan struct{}, 10)
	r.AddClient(addr, nil, time.Millisecond, 10*time.Millisecond,
		func(r *Reactor, id ConnID, ev Event) {
			if ev.Kind == EvConnectFailed {
				select {
				case fails <- struct{}{}:
				default:
				}
			}
		})
	done := make(chan struct{})
	go func() {
		r.Run()
		close(done)
	}()
	// expect at least two attempts (initial + retry)
	for i := 0; i < 2; i++ {
		select {
		case <-fails:
		case <-time.After(3 * time.Second):
			t.Fatal("no connect failure reported")
		}
	}
	r.Stop()
	<-done
}

func TestClientRetryDelayHonored(t *testing.T) {
	r := New()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := lst.Addr().String()
	lst.Close()

	fails := make(chan struct{}, 10)
	r.AddClient(addr, nil, time.Millisecond, 5*time.Millisecond,
		func(r *Reactor, cid ConnID, ev Event) {
			if ev.Kind == EvConnectFailed {
				// a long pause (e.g. a peer that refused us as too
				// busy) postpones the next attempt
				r.SetRetryDelay(cid, time.Hour)
				select {
				case fails <- struct{}{}:
				default:
				}
			}
		})
	done := make(chan struct{})
	go func() {
		r.Run()
		close(done)
	}()
	select {
	case <-fails:
	case <-time.After(3 * time.Second):
		t.Fatal("no connect failure reported")
	}
	// no second attempt in the observation window
	select {
	case <-fails:
		t.Fatal("client retried despite the pause")
	case <-time.After(300 * time.Millisecond):
	}
	r.Stop()
	<-done
}

func TestClientConnects(t *testing.T) {
	r := New()
	lst, err := Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	lines := make(chan string, 10)
	r.AddListener(lst, func(r *Reactor, id ConnID, ev Event) {
		if ev.Kind == EvAccept {
			r.StartStream(ev.Conn)
		}
	}, func(r *Reactor, id ConnID, ev Event) {
		if ev.Kind == EvLine {
			lines <- ev.Line
		}
	})
	r.AddClient(lst.Addr().String(), nil, time.Millisecond, 10*time.Millisecond,
		func(r *Reactor, id ConnID, ev Event) {
			if ev.Kind == EvConnected {
				if err := r.Send(id, "HELLO"); err != nil {
					t.Errorf("send failed: %s", err)
				}
			}
		})
	done := make(chan struct{})
	go func() {
		r.Run()
		close(done)
	}()
	select {
	case line := <-lines:
		if line != "HELLO" {
			t.Fatalf("got %q", line)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client line never arrived")
	}
	r.Stop()
	<-done
}

func TestDatagramLines(t *testing.T) {
	r := New()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	lines := make(chan string, 10)
	r.AddDatagram(pc, func(r *Reactor, id ConnID, ev Event) {
		if ev.Kind == EvLine {
			lines <- ev.Line
		}
	})
	done := make(chan struct{})
	go func() {
		r.Run()
		close(done)
	}()

	conn, err := net.Dial("udp", pc.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	// one datagram, two logical messages
	if _, err = conn.Write([]byte("STOP\nLOG\n")); err != nil {
		t.Fatal(err)
	}
	conn.Close()
	for _, want := range []string{"STOP", "LOG"} {
		select {
		case line := <-lines:
			if line != want {
				t.Fatalf("got %q, want %q", line, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("datagram line missing")
		}
	}
	r.Stop()
	<-done
}

func TestTimerEnableDisable(t *testing.T) {
	r := New()
	ticks := make(chan struct{}, 100)
	var id ConnID
	id = r.AddTimer(5*time.Millisecond, true, func(r *Reactor, _ ConnID, ev Event) {
		if ev.Kind == EvTimer {
			select {
			case ticks <- struct{}{}:
			default:
			}
		}
	})
	done := make(chan struct{})
	go func() {
		r.Run()
		close(done)
	}()
	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(3 * time.Second):
			t.Fatal("timer never fired")
		}
	}
	r.EnableTimer(id, false)
	// drain stragglers, then expect silence
	time.Sleep(20 * time.Millisecond)
	for len(ticks) > 0 {
		<-ticks
	}
	select {
	case <-ticks:
		t.Fatal("tick after disable")
	case <-time.After(30 * time.Millisecond):
	}
	r.Stop()
	<-done
}

func TestMarkDoneDrains(t *testing.T) {
	r := New()
	lst, err := Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	r.AddListener(lst, func(r *Reactor, id ConnID, ev Event) {
		if ev.Kind == EvAccept {
			// last words, then close after drain; reader never starts
			if err := r.Send(ev.Conn, "QUITTING"); err != nil {
				t.Errorf("send failed: %s", err)
			}
			r.MarkDone(ev.Conn)
		}
	}, nil)
	done := make(chan struct{})
	go func() {
		r.Run()
		close(done)
	}()
	conn, err := net.Dial("tcp", lst.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	rd := bufio.NewScanner(conn)
	if !rd.Scan() || rd.Text() != "QUITTING" {
		t.Fatalf("expected QUITTING, got %q", rd.Text())
	}
	if rd.Scan() {
		t.Fatal("connection not closed after drain")
	}
	conn.Close()
	r.Stop()
	<-done
}
