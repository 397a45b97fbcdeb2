/**
 * Copyright (c) 2024 Peking University and Peking University
 * Changsha Institute for Computing and Digital Economy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package util

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	bracketRegex = regexp.MustCompile(`\[(.*?)\]`)
	numRegex     = regexp.MustCompile(`^\d+$`)
	scopeRegex   = regexp.MustCompile(`^(\d+)-(\d+)$`)
)

// ParseHostList expands a comma separated host list expression such as
// "cn[01-03,07],gpu1" into individual host names. Commas inside brackets
// belong to the range, not to the list.
func ParseHostList(expr string) ([]string, error) {
	expr = strings.ReplaceAll(expr, " ", "")
	if expr == "" {
		return nil, fmt.Errorf("empty host list")
	}

	var (
		items []string
		cur   strings.Builder
		depth int
	)
	for _, c := range expr {
		switch c {
		case '[':
			if depth > 0 {
				return nil, fmt.Errorf("illegal host list %q: nested brackets", expr)
			}
			depth++
		case ']':
			if depth == 0 {
				return nil, fmt.Errorf("illegal host list %q: isolated bracket", expr)
			}
			depth--
		case ',':
			if depth == 0 {
				items = append(items, cur.String())
				cur.Reset()
				continue
			}
		}
		cur.WriteRune(c)
	}
	if depth != 0 {
		return nil, fmt.Errorf("illegal host list %q: isolated bracket", expr)
	}
	items = append(items, cur.String())

	var hosts []string
	for _, item := range items {
		if item == "" {
			return nil, fmt.Errorf("illegal host list %q: empty item", expr)
		}
		if !strings.Contains(item, "[") {
			hosts = append(hosts, item)
			continue
		}
		expanded, err := ParseNodeList(item)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, expanded...)
	}
	return hosts, nil
}

// ParseNodeList expands one bracketed host expression, e.g. "cn[1-2]-ib[0,1]".
// Zero padding of the range start is kept.
func ParseNodeList(expr string) ([]string, error) {
	if !bracketRegex.MatchString(expr) {
		return nil, fmt.Errorf("illegal node list %q: no range", expr)
	}

	result := []string{""}
	rest := expr
	for {
		loc := bracketRegex.FindStringSubmatchIndex(rest)
		if loc == nil {
			break
		}
		prefix := rest[:loc[0]]
		body := rest[loc[2]:loc[3]]
		rest = rest[loc[1]:]

		var units []string
		for _, part := range strings.Split(body, ",") {
			switch {
			case numRegex.MatchString(part):
				units = append(units, prefix+part)
			case scopeRegex.MatchString(part):
				m := scopeRegex.FindStringSubmatch(part)
				start, _ := strconv.Atoi(m[1])
				end, _ := strconv.Atoi(m[2])
				if start > end {
					return nil, fmt.Errorf("illegal node list %q: range %s is reversed", expr, part)
				}
				width := len(m[1])
				for i := start; i <= end; i++ {
					units = append(units, fmt.Sprintf("%s%0*d", prefix, width, i))
				}
			default:
				return nil, fmt.Errorf("illegal node list %q: bad range item %q", expr, part)
			}
		}

		next := make([]string, 0, len(result)*len(units))
		for _, left := range result {
			for _, right := range units {
				next = append(next, left+right)
			}
		}
		result = next
	}

	if rest != "" {
		for i := range result {
			result[i] += rest
		}
	}
	return result, nil
}
