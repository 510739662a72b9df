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

package message

import (
	"errors"
	"strings"
)

// Codec error codes
var (
	ErrInvalidMessage = errors.New("invalid message")
)

// One message per line, LF terminated. Grammar:
//
//	[<server>/<service>/ | <service>/] COMMAND [key=value ...]
//
// A single-slash prefix carries the service only (e.g. "./STATUS" is a
// this-host broadcast); the two-slash form carries server and service
// and either segment may be empty. Values with spaces, quotes, '=' or
// backslashes are double-quoted with backslash escapes for '"' and '\'.

// isCommand checks the command verb syntax ([A-Z_][A-Z0-9_]*).
func isCommand(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// isKey checks a parameter key ([A-Za-z_][A-Za-z0-9_]*).
func isKey(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// needsQuoting reports whether a parameter value must be quoted.
func needsQuoting(s string) bool {
	if len(s) == 0 {
		return true
	}
	return strings.ContainsAny(s, " \t\"\\=")
}

//----------------------------------------------------------------------

// Marshal serializes a message to its single-line wire form (no
// trailing newline).
func Marshal(m *Message) string {
	buf := new(strings.Builder)
	if len(m.server) > 0 {
		buf.WriteString(m.server)
		buf.WriteByte('/')
		buf.WriteString(m.service)
		buf.WriteByte('/')
	} else if len(m.service) > 0 {
		buf.WriteString(m.service)
		buf.WriteByte('/')
	}
	buf.WriteString(m.command)
	for _, p := range m.params {
		buf.WriteByte(' ')
		buf.WriteString(p.key)
		buf.WriteByte('=')
		if needsQuoting(p.value) {
			buf.WriteByte('"')
			for i := 0; i < len(p.value); i++ {
				c := p.value[i]
				if c == '"' || c == '\\' {
					buf.WriteByte('\\')
				}
				buf.WriteByte(c)
			}
			buf.WriteByte('"')
		} else {
			buf.WriteString(p.value)
		}
	}
	return buf.String()
}

// Parse decodes one line (without newline) into a message.
func Parse(line string) (*Message, error) {
	line = strings.TrimRight(line, "\r")
	if len(strings.TrimSpace(line)) == 0 {
		return nil, ErrInvalidMessage
	}
	m := new(Message)

	// split off the routing prefix from the first whitespace-delimited
	// token
	head := line
	rest := ""
	if idx := strings.IndexByte(line, ' '); idx >= 0 {
		head, rest = line[:idx], line[idx+1:]
	}
	segs := strings.Split(head, "/")
	switch len(segs) {
	case 1:
		m.command = segs[0]
	case 2:
		m.service = segs[0]
		m.command = segs[1]
	case 3:
		m.server = segs[0]
		m.service = segs[1]
		m.command = segs[2]
	default:
		return nil, ErrInvalidMessage
	}
	if !isCommand(m.command) {
		return nil, ErrInvalidMessage
	}

	// parse parameters
	for len(rest) > 0 {
		rest = strings.TrimLeft(rest, " ")
		if len(rest) == 0 {
			break
		}
		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			return nil, ErrInvalidMessage
		}
		key := rest[:eq]
		if !isKey(key) {
			return nil, ErrInvalidMessage
		}
		rest = rest[eq+1:]
		var value string
		if len(rest) > 0 && rest[0] == '"' {
			// quoted value with backslash escapes
			buf := new(strings.Builder)
			i := 1
			closed := false
			for i < len(rest) {
				c := rest[i]
				if c == '\\' {
					if i+1 >= len(rest) {
						return nil, ErrInvalidMessage
					}
					i++
					buf.WriteByte(rest[i])
				} else if c == '"' {
					closed = true
					break
				} else {
					buf.WriteByte(c)
				}
				i++
			}
			if !closed {
				return nil, ErrInvalidMessage
			}
			value = buf.String()
			rest = rest[i+1:]
			if len(rest) > 0 && rest[0] != ' ' {
				return nil, ErrInvalidMessage
			}
		} else {
			// bare token up to next space
			end := strings.IndexByte(rest, ' ')
			if end < 0 {
				end = len(rest)
			}
			value = rest[:end]
			if strings.ContainsAny(value, "\"=") {
				return nil, ErrInvalidMessage
			}
			rest = rest[end:]
		}
		m.params = append(m.params, param{key, value})
	}
	return m, nil
}
