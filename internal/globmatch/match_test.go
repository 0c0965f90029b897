package globmatch

import "testing"

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"build-*", "build-frontend", true},
		{"build-*", "deploy-frontend", false},
		{"*", "anything", true},
		{"job?", "job1", true},
		{"job?", "job12", false},
		{"[a-c]*", "apple", true},
		{"[a-c]*", "dog", false},
		{"[", "anything", false}, // malformed pattern never matches
	}

	for _, c := range cases {
		if got := Match(c.pattern, c.name); got != c.want {
			t.Errorf("Match(%q, %q) = %v, want %v", c.pattern, c.name, got, c.want)
		}
	}
}

func TestAnyMatch(t *testing.T) {
	patterns := []string{"build-*", "release-*"}

	if !AnyMatch(patterns, "build-frontend") {
		t.Error("expected build-frontend to match build-*")
	}
	if !AnyMatch(patterns, "release-1.0") {
		t.Error("expected release-1.0 to match release-*")
	}
	if AnyMatch(patterns, "deploy-frontend") {
		t.Error("did not expect deploy-frontend to match")
	}
	if AnyMatch(nil, "anything") {
		t.Error("empty pattern set should never match")
	}
}
