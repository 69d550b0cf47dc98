package e2ebot

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestPrefixWriter(t *testing.T) {
	cases := []struct {
		writes []string
		want   string
	}{
		{[]string{"hello\n"}, "srv1: hello\n"},
		{[]string{"a\nb\n"}, "srv1: a\nsrv1: b\n"},
		{[]string{"par", "tial\nrest"}, "srv1: partial\nsrv1: rest"},
		{[]string{"\n\n"}, "srv1: \nsrv1: \n"},
		{[]string{""}, ""},
	}

	for _, test := range cases {
		var buf bytes.Buffer
		w := PrefixWriter(&buf, "srv1: ")
		for _, s := range test.writes {
			n, err := w.Write([]byte(s))
			if err != nil {
				t.Fatal(err)
			}
			if n != len(s) {
				t.Errorf("Write(%q) n = %d, want %d", s, n, len(s))
			}
		}
		if got := buf.String(); got != test.want {
			t.Errorf("writes %q produced %q, want %q", test.writes, got, test.want)
		}
	}
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"top.txt":      "top",
		"sub/deep.txt": "deep",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(src, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	dst := filepath.Join(t.TempDir(), "out")
	if err := CopyTree(src, dst); err != nil {
		t.Fatalf("CopyTree: %v", err)
	}
	for name, content := range files {
		b, err := os.ReadFile(filepath.Join(dst, name))
		if err != nil {
			t.Fatalf("reading copied %s: %v", name, err)
		}
		if string(b) != content {
			t.Errorf("copied %s = %q, want %q", name, b, content)
		}
	}

	// Copying again overwrites without error.
	if err := CopyTree(src, dst); err != nil {
		t.Fatalf("CopyTree second pass: %v", err)
	}
}
