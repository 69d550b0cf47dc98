package infra

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	"github.com/harborci/e2ebot/log"
)

// The harness moves test data onto servers and pulls
// results back with the scp wire protocol, speaking to
// the stock scp binary in sink (-t) or source (-f) mode
// on the remote side. Only what the harness needs is
// implemented: regular files and directory trees up,
// single regular files down.

// CopyFile copies the local file or directory tree at
// localPath to remotePath on the server.
func (s *Server) CopyFile(ctx context.Context, localPath, remotePath string, recursive bool) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}
	sess, err := s.client.NewSession()
	if err != nil {
		return xerrors.Errorf("opening ssh session on %s: %w", s.Name, err)
	}
	defer sess.Close()

	stdin, err := sess.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return err
	}
	acks := bufio.NewReader(stdout)

	// In recursive mode the sink is started at the target's
	// parent and the tree is sent as a directory named after
	// the target, so the result is the same whether or not
	// the target already exists.
	flags, target := "-t", remotePath
	if recursive {
		flags, target = "-tr", filepath.ToSlash(filepath.Dir(remotePath))
	}
	log.Printkv(ctx, "at", "scp-put", "server", s.Name, "from", localPath, "to", remotePath)
	if err := sess.Start("scp " + flags + " " + target); err != nil {
		return xerrors.Errorf("starting remote scp sink: %w", err)
	}
	if err := readAck(acks); err != nil {
		return err
	}

	if recursive {
		err = sendDir(stdin, acks, localPath, filepath.Base(remotePath))
	} else {
		err = sendFile(stdin, acks, localPath, filepath.Base(remotePath))
	}
	if err != nil {
		stdin.Close()
		return xerrors.Errorf("scp to %s: %w", s.Name, err)
	}
	stdin.Close()
	if err := sess.Wait(); err != nil {
		return xerrors.Errorf("remote scp sink on %s: %w", s.Name, err)
	}
	return nil
}

// FetchFile copies the single remote file at remotePath
// into the local file at localPath.
func (s *Server) FetchFile(ctx context.Context, remotePath, localPath string) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}
	sess, err := s.client.NewSession()
	if err != nil {
		return xerrors.Errorf("opening ssh session on %s: %w", s.Name, err)
	}
	defer sess.Close()

	stdin, err := sess.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return err
	}
	r := bufio.NewReader(stdout)

	log.Printkv(ctx, "at", "scp-get", "server", s.Name, "from", remotePath, "to", localPath)
	if err := sess.Start("scp -f " + remotePath); err != nil {
		return xerrors.Errorf("starting remote scp source: %w", err)
	}

	// Ack to start, then expect a single C record.
	if _, err := stdin.Write([]byte{0}); err != nil {
		return err
	}
	header, err := r.ReadString('\n')
	if err != nil {
		return xerrors.Errorf("reading scp header from %s: %w", s.Name, err)
	}
	size, err := parseCopyHeader(header)
	if err != nil {
		return err
	}
	if _, err := stdin.Write([]byte{0}); err != nil {
		return err
	}

	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.CopyN(f, r, size); err != nil {
		return xerrors.Errorf("reading %s from %s: %w", remotePath, s.Name, err)
	}
	if err := readAck(r); err != nil {
		return err
	}
	if _, err := stdin.Write([]byte{0}); err != nil {
		return err
	}
	stdin.Close()
	return sess.Wait()
}

// parseCopyHeader extracts the file size from an scp
// C record, e.g. "C0644 1234 name".
func parseCopyHeader(header string) (int64, error) {
	if len(header) == 0 || header[0] != 'C' {
		return 0, xerrors.Errorf("unexpected scp record %q, want C record", strings.TrimSpace(header))
	}
	fields := strings.SplitN(strings.TrimSpace(header), " ", 3)
	if len(fields) != 3 {
		return 0, xerrors.Errorf("malformed scp record %q", strings.TrimSpace(header))
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, xerrors.Errorf("bad size in scp record %q: %w", strings.TrimSpace(header), err)
	}
	return size, nil
}

// readAck consumes one scp response byte. A nonzero byte
// is followed by a message line describing the failure.
func readAck(r *bufio.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return xerrors.Errorf("reading scp ack: %w", err)
	}
	if b == 0 {
		return nil
	}
	msg, _ := r.ReadString('\n')
	return xerrors.Errorf("scp error: %s", strings.TrimSpace(msg))
}

func sendFile(w io.Writer, acks *bufio.Reader, localPath, name string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "C0644 %d %s\n", fi.Size(), name); err != nil {
		return err
	}
	if err := readAck(acks); err != nil {
		return err
	}
	if _, err := io.Copy(w, f); err != nil {
		return err
	}
	if _, err := w.Write([]byte{0}); err != nil {
		return err
	}
	return readAck(acks)
}

// sendDir emits the directory at localPath as a D record
// named name, recursing into subdirectories and closing
// each with an E record.
func sendDir(w io.Writer, acks *bufio.Reader, localPath, name string) error {
	if _, err := fmt.Fprintf(w, "D0755 0 %s\n", name); err != nil {
		return err
	}
	if err := readAck(acks); err != nil {
		return err
	}
	entries, err := os.ReadDir(localPath)
	if err != nil {
		return err
	}
	for _, e := range entries {
		child := filepath.Join(localPath, e.Name())
		if e.IsDir() {
			err = sendDir(w, acks, child, e.Name())
		} else if e.Type().IsRegular() {
			err = sendFile(w, acks, child, e.Name())
		} else {
			continue
		}
		if err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "E\n"); err != nil {
		return err
	}
	return readAck(acks)
}
