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
	"time"
)

// UnsetTime marks a microsecond timestamp that was never recorded.
const UnsetTime int64 = -1

// Microtime returns the current time in microseconds since the Unix
// epoch. Session start/end stamps use this resolution.
func Microtime() int64 {
	return time.Now().UnixMicro()
}

// UnixSeconds converts a microsecond timestamp to whole seconds; the
// unset marker is passed through.
func UnixSeconds(usec int64) int64 {
	if usec == UnsetTime {
		return UnsetTime
	}
	return usec / 1000000
}
