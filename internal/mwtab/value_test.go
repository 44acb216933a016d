package mwtab

import "testing"

func TestParseValue(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want *float64
		warn bool
	}{
		{name: "plain float", raw: "12.5", want: f(12.5)},
		{name: "integer", raw: "42", want: f(42)},
		{name: "scientific", raw: "1.2e3", want: f(1200)},
		{name: "negative", raw: "-7.25", want: f(-7.25)},
		{name: "surrounding whitespace", raw: "  3.14  ", want: f(3.14)},
		{name: "empty", raw: ""},
		{name: "whitespace only", raw: "   "},
		{name: "na", raw: "NA"},
		{name: "na lowercase", raw: "na"},
		{name: "n/a", raw: "N/A"},
		{name: "null mixed case", raw: "Null"},
		{name: "dash", raw: "-"},
		{name: "dot", raw: "."},
		{name: "thousands separator", raw: "1,234.5", want: f(1234.5)},
		{name: "internal spaces", raw: "1 234", want: f(1234)},
		{name: "garbage", raw: "abc", warn: true},
		{name: "garbage with digits", raw: "12abc", warn: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, warn := ParseValue(tc.raw)
			if (warn != "") != tc.warn {
				t.Fatalf("ParseValue(%q) warning = %q, want warning %v", tc.raw, warn, tc.warn)
			}
			if (got == nil) != (tc.want == nil) {
				t.Fatalf("ParseValue(%q) = %v, want %v", tc.raw, got, tc.want)
			}
			if got != nil && *got != *tc.want {
				t.Fatalf("ParseValue(%q) = %v, want %v", tc.raw, *got, *tc.want)
			}
		})
	}
}

func f(v float64) *float64 { return &v }
