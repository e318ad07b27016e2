package symbols

import "testing"

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern, name string
		match         bool
	}{
		{"Foo", "Foo", true},
		{"Foo", "Foobar", false},
		{"Foo*", "Foobar", true},
		{"*bar", "Foobar", true},
		{"F?o", "Foo", true},
		{"F?o", "Fo", false},
		{"*", "", true},
		{"", "", true},
		{"a*b*c", "axxbyyc", true},
		{"a*b*c", "axxbyy", false},
		{"std::vector<*>::push_back", "std::vector<int>::push_back", true},
		{"operator[]", "operator[]", true},
		{"operator[?]", "operator[]", false},
		{"**x", "abx", true},
	}
	for _, tc := range tests {
		if got := matchGlob(tc.pattern, tc.name); got != tc.match {
			t.Errorf("matchGlob(%q, %q) = %v, want %v", tc.pattern, tc.name, got, tc.match)
		}
	}
}

func TestLiteralPrefix(t *testing.T) {
	for pattern, want := range map[string]string{
		"Foo*":   "Foo",
		"?oo":    "",
		"Foo":    "Foo",
		"Fo?*":   "Fo",
		"*":      "",
		"a::b*c": "a::b",
	} {
		if got := literalPrefix(pattern); got != want {
			t.Errorf("literalPrefix(%q) = %q, want %q", pattern, got, want)
		}
	}
}
