package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const fsOpTimeout = 30 * time.Second

// hostFS is the file capability of the local passthrough: plain host
// filesystem access with the host-only conveniences (absolute path
// resolution, parent directory auto-creation on write).
type hostFS struct{}

func (hostFS) IsRemote() bool { return false }

func (hostFS) Read(_ context.Context, path string) ([]byte, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

func (hostFS) Write(_ context.Context, path string, data []byte) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0750); err != nil {
		return err
	}
	return os.WriteFile(abs, data, 0640)
}

func (hostFS) List(_ context.Context, path string) ([]FileInfo, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	infos := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		fi := FileInfo{
			Name:  e.Name(),
			Path:  filepath.Join(path, e.Name()),
			IsDir: e.IsDir(),
		}
		if st, err := e.Info(); err == nil {
			fi.Size = st.Size()
			fi.ModTime = st.ModTime()
		}
		infos = append(infos, fi)
	}
	return infos, nil
}

func (hostFS) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (hostFS) Delete(_ context.Context, path string) error {
	return os.RemoveAll(path)
}

// remoteFS bridges file operations into the session via shell execs. Content
// travels base64-encoded so binary data survives the exec transport; paths
// are single-quoted so they never reach the shell unescaped.
type remoteFS struct {
	sandbox *Sandbox
}

func (remoteFS) IsRemote() bool { return true }

func (r *remoteFS) Read(ctx context.Context, path string) ([]byte, error) {
	res, err := r.run(ctx, "base64 < "+shellQuote(path))
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(strings.Map(dropSpace, res.Stdout))
	if err != nil {
		return nil, fmt.Errorf("decoding remote file %s: %w", path, err)
	}
	return data, nil
}

func (r *remoteFS) Write(ctx context.Context, path string, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	dir := remoteDir(path)
	cmd := "printf %s " + shellQuote(encoded) + " | base64 -d > " + shellQuote(path)
	if dir != "" {
		cmd = "mkdir -p " + shellQuote(dir) + " && " + cmd
	}
	_, err := r.run(ctx, cmd)
	return err
}

func (r *remoteFS) List(ctx context.Context, path string) ([]FileInfo, error) {
	res, err := r.run(ctx, "ls -lA "+shellQuote(path))
	if err != nil {
		return nil, err
	}
	return parseLsOutput(path, res.Stdout), nil
}

func (r *remoteFS) Exists(ctx context.Context, path string) (bool, error) {
	res, err := r.sandbox.Execute(ctx, "test -e "+shellQuote(path), fsOpTimeout)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (r *remoteFS) Delete(ctx context.Context, path string) error {
	_, err := r.run(ctx, "rm -rf "+shellQuote(path))
	return err
}

// run executes one fs command and turns a non-zero exit into an error
// carrying the remote stderr.
func (r *remoteFS) run(ctx context.Context, command string) (*ExecuteResult, error) {
	res, err := r.sandbox.Execute(ctx, command, fsOpTimeout)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("exit code %d", res.ExitCode)
		}
		return nil, errors.New(msg)
	}
	return res, nil
}

// remoteDir is filepath.Dir for the session side, which is always POSIX.
func remoteDir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}

func dropSpace(r rune) rune {
	if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
		return -1
	}
	return r
}

// parseLsOutput reads `ls -lA` lines: permissions, links, owner, group,
// size, date (3 fields), name. Only type, size and name are trusted; the
// date column is too locale-dependent to parse.
func parseLsOutput(dir, out string) []FileInfo {
	var infos []FileInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "total ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 9 {
			continue
		}
		name := strings.Join(fields[8:], " ")
		// Symlinks render as "name -> target"; keep the link name.
		if i := strings.Index(name, " -> "); i > 0 {
			name = name[:i]
		}
		size, _ := strconv.ParseInt(fields[4], 10, 64)
		infos = append(infos, FileInfo{
			Name:  name,
			Path:  strings.TrimSuffix(dir, "/") + "/" + name,
			Size:  size,
			IsDir: strings.HasPrefix(fields[0], "d"),
		})
	}
	return infos
}
