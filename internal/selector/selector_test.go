package selector_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/GuIIWen/Xpod-Executor/internal/config"
	"github.com/GuIIWen/Xpod-Executor/internal/selector"
)

func inventory() []config.Node {
	return []config.Node{
		{ID: 0, Name: "node-0", Address: "192.168.0.10", Enabled: true},
		{ID: 1, Name: "node-1", Address: "192.168.0.11", Enabled: false},
		{ID: 2, Name: "node-2", Address: "192.168.0.12", Enabled: true},
		{ID: 3, Name: "node-3", Address: "192.168.0.13", Enabled: true},
		{ID: 4, Name: "node-4", Address: "192.168.0.14", Enabled: false},
		{ID: 5, Name: "node-5", Address: "192.168.0.15", Enabled: true},
		{ID: 10, Name: "edge-A", Address: "10.0.0.1", Enabled: true},
	}
}

func ids(nodes []config.Node) []int {
	out := make([]int, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

func TestParse(t *testing.T) {
	sel := selector.New(inventory())

	tests := []struct {
		name string
		expr string
		want []int
	}{
		{"empty means enabled", "", []int{0, 2, 3, 5, 10}},
		{"blank means enabled", "   ", []int{0, 2, 3, 5, 10}},
		{"all", "all", []int{0, 2, 3, 5, 10}},
		{"all-enabled", "all-enabled", []int{0, 2, 3, 5, 10}},
		{"all-disabled", "all-disabled", []int{1, 4}},
		{"all-all", "all-all", []int{0, 1, 2, 3, 4, 5, 10}},
		{"keyword case-insensitive", "ALL-ALL", []int{0, 1, 2, 3, 4, 5, 10}},
		{"single id", "3", []int{3}},
		{"id list", "0,1,2", []int{0, 1, 2}},
		{"range", "2-4", []int{2, 3, 4}},
		{"reversed range", "4-2", []int{2, 3, 4}},
		{"range skips missing ids", "4-10", []int{4, 5, 10}},
		{"mixed", "0,2-4,10", []int{0, 2, 3, 4, 10}},
		{"by name", "node-0,node-2", []int{0, 2}},
		{"name case-insensitive", "EDGE-A", []int{10}},
		{"by address", "192.168.0.13,10.0.0.1", []int{3, 10}},
		{"unknown tokens dropped", "99,ghost,1.2.3.4", []int{}},
		{"duplicates removed first wins", "2,0-3,2", []int{2, 0, 1, 3}},
		{"empty tokens ignored", ",,3,", []int{3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sel.Parse(tt.expr)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestParseNoDuplicatesAndOrderPreserved(t *testing.T) {
	sel := selector.New(inventory())
	exprs := []string{"", "all-all", "0,2-4,10", "2,0-3,2", "node-0,0,192.168.0.10", "5,3,0-5"}

	for _, expr := range exprs {
		got := ids(sel.Parse(expr))
		seen := make(map[int]bool)
		for _, id := range got {
			assert.Falsef(t, seen[id], "expr %q yields duplicate id %d", expr, id)
			seen[id] = true
		}
	}
}

func TestEnabledDisabledPartition(t *testing.T) {
	sel := selector.New(inventory())

	all := ids(sel.Parse("all-all"))
	enabled := ids(sel.Parse("all-enabled"))
	disabled := ids(sel.Parse("all-disabled"))

	assert.Len(t, all, len(enabled)+len(disabled))

	inAll := make(map[int]bool)
	for _, id := range all {
		inAll[id] = true
	}
	for _, id := range append(append([]int{}, enabled...), disabled...) {
		assert.True(t, inAll[id])
	}
	for _, e := range enabled {
		assert.NotContains(t, disabled, e)
	}
}

func TestValidate(t *testing.T) {
	sel := selector.New(inventory())

	ok, msg := sel.Validate("0,2")
	assert.True(t, ok)
	assert.NotEmpty(t, msg)

	ok, msg = sel.Validate("does-not-exist")
	assert.False(t, ok)
	assert.NotEmpty(t, msg)
}

func TestValidateEmptyInventory(t *testing.T) {
	sel := selector.New(nil)
	ok, _ := sel.Validate("all")
	assert.False(t, ok)
}
