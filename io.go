package e2ebot

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
)

type prefixWriter struct {
	w      io.Writer
	prefix []byte

	mu  sync.Mutex
	bol bool // at beginning of line
}

// PrefixWriter returns a writer that copies its input to w
// with prefix inserted at the start of every line.
// It is used to tag streamed remote command output
// with the name of the server it came from.
func PrefixWriter(w io.Writer, prefix string) io.Writer {
	return &prefixWriter{w: w, prefix: []byte(prefix), bol: true}
}

func (w *prefixWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(p)
	for len(p) > 0 {
		if w.bol {
			if _, err := w.w.Write(w.prefix); err != nil {
				return n - len(p), err
			}
			w.bol = false
		}
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			_, err := w.w.Write(p)
			return n, err
		}
		if _, err := w.w.Write(p[:i+1]); err != nil {
			return n - len(p), err
		}
		p = p[i+1:]
		w.bol = true
	}
	return n, nil
}

// CopyTree copies the regular files under src into dst,
// creating directories as needed. Existing files in dst
// are overwritten.
func CopyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if fi.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, b, fi.Mode().Perm())
	})
}
