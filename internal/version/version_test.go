package version

import "testing"

func TestIsNewerVersion(t *testing.T) {
	cases := []struct {
		current, latest string
		want            bool
	}{
		{"1.0.0", "1.0.1", true},
		{"1.0.0", "1.1.0", true},
		{"1.0.0", "2.0.0", true},
		{"1.2.3", "1.2.3", false},
		{"2.0.0", "1.9.9", false},
		{"1.0.0-rc.1", "1.0.0", true},
		{"1.0.0", "1.0.0-rc.1", false},
		{"garbage", "1.0.0", false},
		{"1.0.0", "garbage", false},
	}

	for _, tc := range cases {
		if got := IsNewerVersion(tc.current, tc.latest); got != tc.want {
			t.Errorf("IsNewerVersion(%q, %q) = %v, want %v", tc.current, tc.latest, got, tc.want)
		}
	}
}

func TestNewCheckerNormalizesVersion(t *testing.T) {
	c := NewChecker("v1.2.3", "owner", "repo")
	if c.currentVersion != "1.2.3" {
		t.Errorf("currentVersion = %q", c.currentVersion)
	}
}
