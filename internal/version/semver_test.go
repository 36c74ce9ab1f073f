package version

import "testing"

func TestParseValid(t *testing.T) {
	v, err := Parse("1.2.3-beta.1+build.5")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if v.Major != 1 || v.Minor != 2 || v.Patch != 3 || v.Prerelease != "beta.1" || v.Build != "build.5" {
		t.Fatalf("unexpected parse result: %+v", v)
	}
	if v.String() != "1.2.3-beta.1+build.5" {
		t.Fatalf("round-trip mismatch: %s", v.String())
	}
}

func TestParseRejectsVPrefix(t *testing.T) {
	if _, err := Parse("v1.0.0"); err == nil {
		t.Fatal("expected error for v-prefixed version")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse("not-a-version"); err == nil {
		t.Fatal("expected error for invalid version string")
	}
}

func TestCompareOrdering(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "2.0.0", -1},
		{"2.1.0", "2.0.9", 1},
		{"1.0.0", "1.0.0", 0},
		{"1.0.0-alpha", "1.0.0", -1},
		{"1.0.0", "1.0.0-alpha", 1},
		{"1.0.0-alpha", "1.0.0-alpha.1", -1},
		{"1.0.0-alpha.1", "1.0.0-alpha.beta", -1},
	}
	for _, c := range cases {
		a, err := Parse(c.a)
		if err != nil {
			t.Fatalf("Parse(%s): %v", c.a, err)
		}
		b, err := Parse(c.b)
		if err != nil {
			t.Fatalf("Parse(%s): %v", c.b, err)
		}
		if got := Compare(a, b); got != c.want {
			t.Errorf("Compare(%s, %s) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}
