package dispatch

import "testing"

func TestQ4KVariantSelection(t *testing.T) {
	cases := []struct {
		name                         string
		hasSubgroups, outHalf, vec4 bool
		want                         string
	}{
		{"no subgroups scalar", false, false, false, "shared"},
		{"no subgroups vec4", false, false, true, "shared_vec4"},
		{"no subgroups half out", false, true, false, "shared_f16out"},
		{"no subgroups half out vec4", false, true, true, "shared_f16out_vec4"},
		{"subgroups scalar", true, false, false, "subgroup"},
		{"subgroups vec4", true, false, true, "subgroup_vec4"},
		{"subgroups half out", true, true, false, "subgroup_f16out"},
		{"subgroups half out vec4", true, true, true, "subgroup_f16out_vec4"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := q4kVariant(c.hasSubgroups, c.outHalf, c.vec4); got != c.want {
				t.Errorf("q4kVariant(%v, %v, %v) = %q, want %q", c.hasSubgroups, c.outHalf, c.vec4, got, c.want)
			}
		})
	}
}
