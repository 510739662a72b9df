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

package util

import (
	"sort"
	"strings"
)

//----------------------------------------------------------------------
// Sorted set of names (services, commands, neighbors)
//----------------------------------------------------------------------

// NameSet is a set of identifiers with sorted, comma-separated wire
// representation.
type NameSet map[string]bool

// NewNameSet builds a set from a comma-separated list; entries are
// trimmed and empty ones dropped.
func NewNameSet(csv string) NameSet {
	s := make(NameSet)
	s.AddList(csv)
	return s
}

// Add a single name to the set.
func (s NameSet) Add(name string) {
	name = strings.TrimSpace(name)
	if len(name) > 0 {
		s[name] = true
	}
}

// AddList merges a comma-separated list into the set.
func (s NameSet) AddList(csv string) {
	for _, name := range strings.Split(csv, ",") {
		s.Add(name)
	}
}

// Remove a name from the set.
func (s NameSet) Remove(name string) {
	delete(s, name)
}

// Contains checks set membership.
func (s NameSet) Contains(name string) bool {
	return s[name]
}

// List returns the sorted members.
func (s NameSet) List() []string {
	out := make([]string, 0, len(s))
	for name := range s {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Join returns the sorted, comma-separated wire form.
func (s NameSet) Join() string {
	return strings.Join(s.List(), ",")
}

// Clone returns an independent copy of the set.
func (s NameSet) Clone() NameSet {
	out := make(NameSet, len(s))
	for name := range s {
		out[name] = true
	}
	return out
}
