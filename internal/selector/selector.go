// Package selector resolves a selection expression into a concrete node
// list. Expressions never fail: tokens that match nothing contribute
// nothing, and whether an empty result is an error is the caller's call.
package selector

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/GuIIWen/Xpod-Executor/internal/config"
)

var rangeRe = regexp.MustCompile(`^\d+-\d+$`)

// Selector evaluates expressions against a fixed inventory snapshot.
type Selector struct {
	all []config.Node
}

// New takes the full inventory, disabled nodes included.
func New(all []config.Node) *Selector {
	return &Selector{all: all}
}

// Parse resolves an expression. Supported forms:
//
//	""               all enabled nodes
//	all, all-enabled all enabled nodes
//	all-disabled     all disabled nodes
//	all-all          every node regardless of state
//	0,1,2            node ids
//	0-5              inclusive id range (bounds swap if reversed)
//	0,2-5,8          mixed
//	node-0,web-1     node names (case-insensitive)
//	10.0.0.5         addresses
//
// The result preserves first-occurrence order and contains no duplicate ids.
func (s *Selector) Parse(expr string) []config.Node {
	expr = strings.ToLower(strings.TrimSpace(expr))
	if expr == "" {
		return s.enabled()
	}

	switch expr {
	case "all", "all-enabled":
		return s.enabled()
	case "all-disabled":
		var out []config.Node
		for _, n := range s.all {
			if !n.Enabled {
				out = append(out, n)
			}
		}
		return out
	case "all-all":
		out := make([]config.Node, len(s.all))
		copy(out, s.all)
		return out
	}

	var selected []config.Node
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if rangeRe.MatchString(part) {
			selected = append(selected, s.parseRange(part)...)
			continue
		}
		if n, ok := s.findOne(part); ok {
			selected = append(selected, n)
		}
	}

	// dedup by id, first occurrence wins
	seen := make(map[int]bool, len(selected))
	var out []config.Node
	for _, n := range selected {
		if !seen[n.ID] {
			seen[n.ID] = true
			out = append(out, n)
		}
	}
	return out
}

// Validate reports whether expr resolves to at least one node.
func (s *Selector) Validate(expr string) (bool, string) {
	nodes := s.Parse(expr)
	if len(nodes) == 0 {
		return false, fmt.Sprintf("no nodes match selection %q", expr)
	}
	return true, fmt.Sprintf("%d node(s) selected", len(nodes))
}

func (s *Selector) enabled() []config.Node {
	var out []config.Node
	for _, n := range s.all {
		if n.Enabled {
			out = append(out, n)
		}
	}
	return out
}

func (s *Selector) parseRange(part string) []config.Node {
	bounds := strings.SplitN(part, "-", 2)
	start, err1 := strconv.Atoi(bounds[0])
	end, err2 := strconv.Atoi(bounds[1])
	if err1 != nil || err2 != nil {
		return nil
	}
	if start > end {
		start, end = end, start
	}
	var out []config.Node
	for _, n := range s.all {
		if n.ID >= start && n.ID <= end {
			out = append(out, n)
		}
	}
	return out
}

// findOne resolves a single token: numeric id first, then name
// (case-insensitive), then address. First match wins.
func (s *Selector) findOne(token string) (config.Node, bool) {
	if id, err := strconv.Atoi(token); err == nil {
		for _, n := range s.all {
			if n.ID == id {
				return n, true
			}
		}
	}
	for _, n := range s.all {
		if strings.ToLower(n.Name) == token {
			return n, true
		}
	}
	for _, n := range s.all {
		if n.Address == token {
			return n, true
		}
	}
	return config.Node{}, false
}
