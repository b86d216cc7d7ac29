package tftp

import "testing"

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in       string
		wantPath string
		wantOK   bool
	}{
		{"", "", true},
		{"/foo/bar", "foo/bar", true},
		{"../a", "", false},
		{"/foo/../bar/../", "", true},
		{"/foo/../bar/../b", "b", true},
		{"../etc/passwd", "", false},
		{"foo/../../bar", "", false},
		{"a/b/c", "a/b/c", true},
		{"//double//slash", "double/slash", true},
	}

	for _, c := range cases {
		got, ok := NormalizePath(c.in)
		if ok != c.wantOK {
			t.Fatalf("NormalizePath(%q) ok = %v, want %v", c.in, ok, c.wantOK)
		}
		if ok && got != c.wantPath {
			t.Fatalf("NormalizePath(%q) = %q, want %q", c.in, got, c.wantPath)
		}
	}
}

func TestNormalizePathNeverEscapesRoot(t *testing.T) {
	inputs := []string{
		"..", "../", "../../../../etc/shadow", "a/../../b", "./a/./b/..",
	}
	for _, in := range inputs {
		got, ok := NormalizePath(in)
		if !ok {
			continue
		}
		if len(got) >= 2 && got[:2] == ".." {
			t.Fatalf("NormalizePath(%q) = %q escapes root", in, got)
		}
	}
}
