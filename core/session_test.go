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
	"testing"

	"commbus/util"
)

func TestSessionTimestamps(t *testing.T) {
	sess := NewSession(1)
	if sess.StartedAt != util.UnsetTime || sess.EndedAt != util.UnsetTime {
		t.Fatal("fresh session has timestamps")
	}
	// End before Start leaves the end stamp unset
	sess.End()
	if sess.EndedAt != util.UnsetTime {
		t.Fatal("end stamp set without a start")
	}
	sess.Start()
	if sess.StartedAt == util.UnsetTime {
		t.Fatal("start stamp missing")
	}
	sess.End()
	first := sess.EndedAt
	if first == util.UnsetTime {
		t.Fatal("end stamp missing")
	}
	if first < sess.StartedAt {
		t.Fatal("ended before started")
	}
	// the end stamp is set at most once
	sess.End()
	if sess.EndedAt != first {
		t.Fatal("end stamp set twice")
	}
	// a restart clears the end stamp
	sess.Start()
	if sess.EndedAt != util.UnsetTime {
		t.Fatal("restart kept the end stamp")
	}
}

func TestSessionCommands(t *testing.T) {
	sess := NewSession(2)
	if sess.Understands("STATUS") {
		t.Fatal("empty command set understands STATUS")
	}
	sess.SetCommands("READY,STATUS,STOP")
	if !sess.Understands("STATUS") || sess.Understands("LOADAVG") {
		t.Fatal("command set broken")
	}
	if !sess.HasCommands() {
		t.Fatal("HasCommands false after COMMANDS")
	}
}

func TestSessionLoadavgIdempotence(t *testing.T) {
	sess := NewSession(3)
	// N subscriptions are one subscription
	sess.SetLoadavgSubscribed(true)
	sess.SetLoadavgSubscribed(true)
	sess.SetLoadavgSubscribed(true)
	if !sess.WantsLoad {
		t.Fatal("not subscribed")
	}
	// two unsubscribes are one unsubscribe
	sess.SetLoadavgSubscribed(false)
	sess.SetLoadavgSubscribed(false)
	if sess.WantsLoad {
		t.Fatal("still subscribed")
	}
}
