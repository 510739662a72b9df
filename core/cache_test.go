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
	"testing"

	"commbus/message"
)

func cachedMsg(t *testing.T, line string) *message.Message {
	t.Helper()
	msg, err := message.Parse(line)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestCacheTTLParsing(t *testing.T) {
	cases := []struct {
		cache string
		ttl   int64
		ok    bool
	}{
		{"", cacheTTLDefault, true},
		{`cache="ttl=30"`, 30, true},
		{`cache="ttl=5"`, cacheTTLDefault, true},      // below minimum
		{`cache="ttl=100000"`, cacheTTLDefault, true}, // above maximum
		{`cache="ttl=x"`, cacheTTLDefault, true},
		{"cache=no", 0, false},
	}
	for _, c := range cases {
		line := "images/PING"
		if len(c.cache) > 0 {
			line += " " + c.cache
		}
		ttl, ok := cacheTTL(cachedMsg(t, line))
		if ok != c.ok || (ok && ttl != c.ttl) {
			t.Fatalf("cacheTTL(%q) = (%d,%v), want (%d,%v)", c.cache, ttl, ok, c.ttl, c.ok)
		}
	}
}

func TestCacheOrderPreserved(t *testing.T) {
	c := NewMessageCache()
	now := int64(1000)
	for i := 0; i < 5; i++ {
		msg := cachedMsg(t, fmt.Sprintf("images/PING seq=%d", i))
		if !c.Add(msg, now) {
			t.Fatal("message not cached")
		}
	}
	// an unrelated service stays cached
	other := cachedMsg(t, "pagelist/PING")
	c.Add(other, now)

	out := c.DrainFor("images", now+1)
	if len(out) != 5 {
		t.Fatalf("drained %d messages, want 5", len(out))
	}
	for i, m := range out {
		if want := fmt.Sprintf("%d", i); m.GetDef("seq", "") != want {
			t.Fatalf("message %d out of order: seq=%s", i, m.GetDef("seq", ""))
		}
	}
	if c.Len() != 1 {
		t.Fatalf("unrelated entry lost, len=%d", c.Len())
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewMessageCache()
	now := int64(1000)
	c.Add(cachedMsg(t, `images/PING cache="ttl=30"`), now)

	// before the deadline the message survives
	if out := c.DrainFor("images", now+30); len(out) != 1 {
		t.Fatalf("message expired too early (%d)", len(out))
	}
	c.Add(cachedMsg(t, `images/PING cache="ttl=30"`), now)
	// past the deadline it is gone
	if out := c.DrainFor("images", now+31); len(out) != 0 {
		t.Fatal("expired message delivered")
	}
}

func TestCacheRefused(t *testing.T) {
	c := NewMessageCache()
	if c.Add(cachedMsg(t, "images/PING cache=no"), 1000) {
		t.Fatal("cache=no was cached anyway")
	}
	if c.Len() != 0 {
		t.Fatal("cache not empty")
	}
}
