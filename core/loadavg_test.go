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
)

func TestParseLoadavg(t *testing.T) {
	avg, err := parseLoadavg("0.48 0.52 0.60 1/321 4711\n", 2)
	if err != nil {
		t.Fatal(err)
	}
	if avg != 0.24 {
		t.Fatalf("avg = %g, want 0.24", avg)
	}
	if _, err = parseLoadavg("", 1); err == nil {
		t.Fatal("empty sample accepted")
	}
	if _, err = parseLoadavg("garbage rest", 1); err == nil {
		t.Fatal("garbage sample accepted")
	}
}

func TestLoadavgHysteresis(t *testing.T) {
	// successive samples 0.50, 0.55, 0.62, 0.70 must publish only
	// 0.50 and 0.62 (threshold 0.1)
	samples := []float64{0.50, 0.55, 0.62, 0.70}
	wantEmit := []bool{true, false, true, false}

	last := 0.0
	for i, avg := range samples {
		emit := loadavgChanged(last, avg)
		if emit != wantEmit[i] {
			t.Fatalf("sample %g: emit=%v, want %v", avg, emit, wantEmit[i])
		}
		if emit {
			last = avg
		}
	}
}
