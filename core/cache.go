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
	"strconv"
	"strings"

	"commbus/message"
)

// TTL bounds (seconds) for deferred messages.
const (
	cacheTTLDefault = 60
	cacheTTLMin     = 10
	cacheTTLMax     = 86400
)

// cacheEntry is one deferred message with its absolute expiry.
type cacheEntry struct {
	expires int64 // unix seconds
	msg     *message.Message
}

// MessageCache defers messages addressed to a locally-known service
// whose session is not registered yet. Entries keep arrival order so a
// late REGISTER receives them in the original sequence.
type MessageCache struct {
	entries []cacheEntry
}

// NewMessageCache creates an empty cache.
func NewMessageCache() *MessageCache {
	return &MessageCache{}
}

// cacheTTL extracts the TTL from a message's "cache" parameter
// (";"-separated options). Returns ok=false for "cache: no".
// Out-of-bounds TTL values fall back to the default.
func cacheTTL(msg *message.Message) (ttl int64, ok bool) {
	opts := msg.GetDef(message.ParamCache, "")
	if opts == "no" {
		return 0, false
	}
	ttl = cacheTTLDefault
	for _, opt := range strings.Split(opts, ";") {
		kv := strings.SplitN(opt, "=", 2)
		if len(kv) != 2 || kv[0] != "ttl" {
			continue
		}
		n, err := strconv.ParseInt(kv[1], 10, 64)
		if err != nil || n < cacheTTLMin || n > cacheTTLMax {
			// revert to default
			ttl = cacheTTLDefault
			continue
		}
		ttl = n
	}
	return ttl, true
}

// Add defers a message, honoring its cache options. Returns false if
// the message asked not to be cached.
func (c *MessageCache) Add(msg *message.Message, now int64) bool {
	ttl, ok := cacheTTL(msg)
	if !ok {
		return false
	}
	c.entries = append(c.entries, cacheEntry{
		expires: now + ttl,
		msg:     msg,
	})
	return true
}

// Sweep drops entries whose TTL has passed.
func (c *MessageCache) Sweep(now int64) {
	kept := c.entries[:0]
	for _, e := range c.entries {
		if now <= e.expires {
			kept = append(kept, e)
		}
	}
	c.entries = kept
}

// DrainFor removes and returns all live messages addressed to a
// service, preserving the original receive order. Expired entries are
// swept first.
func (c *MessageCache) DrainFor(service string, now int64) (out []*message.Message) {
	c.Sweep(now)
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.msg.Service() == service {
			out = append(out, e.msg)
		} else {
			kept = append(kept, e)
		}
	}
	c.entries = kept
	return
}

// Len returns the number of cached messages.
func (c *MessageCache) Len() int {
	return len(c.entries)
}
