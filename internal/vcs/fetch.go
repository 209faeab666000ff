package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("difflsp.vcs")

var ErrFetchTimeout = errors.New("fetch timed out")

const maxOutput = 8 << 10

// Fetcher runs the configured fetch command (normally `git fetch`) in the
// project root.
type Fetcher struct {
	Command []string
	Dir     string
	Timeout time.Duration
}

func NewFetcher(command []string, dir string, timeout time.Duration) *Fetcher {
	return &Fetcher{Command: command, Dir: dir, Timeout: timeout}
}

// Fetch runs the command once and returns its trimmed output.
func (f *Fetcher) Fetch(ctx context.Context) (string, error) {
	if len(f.Command) == 0 {
		return "", errors.New("no fetch command configured")
	}
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, f.Command[0], f.Command[1:]...)
	cmd.Dir = f.Dir
	var output bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &output, limit: maxOutput}
	cmd.Stderr = cmd.Stdout

	log.Debugf("running %s in %s", strings.Join(f.Command, " "), f.Dir)
	err := cmd.Run()
	out := strings.TrimSpace(output.String())

	if ctx.Err() == context.DeadlineExceeded {
		return out, fmt.Errorf("%s: %w", strings.Join(f.Command, " "), ErrFetchTimeout)
	}
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", strings.Join(f.Command, " "), err, out)
	}
	log.Infof("fetched in %s", f.Dir)
	return out, nil
}

type limitedWriter struct {
	w       *bytes.Buffer
	limit   int
	dropped bool
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	room := l.limit - l.w.Len()
	if room <= 0 {
		l.dropped = true
		return len(p), nil
	}
	if len(p) > room {
		l.w.Write(p[:room])
		l.dropped = true
		return len(p), nil
	}
	return l.w.Write(p)
}
