// Package supervisor runs the native recognizer helper: one subprocess at a
// time, speaking line-delimited JSON on stdout.
package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-shellwords"
)

// ErrNotFound reports that the helper binary does not exist.
var ErrNotFound = errors.New("recognizer binary not found")

var errLineTooLong = errors.New("recognizer line too long")

const maxLineBytes = 1 << 20

// Line is one message from the helper. Either Transcript or Error is set.
type Line struct {
	Transcript string `json:"transcript"`
	IsFinal    bool   `json:"isFinal"`
	Error      string `json:"error,omitempty"`
}

type Options struct {
	// OnLine receives every well-formed line from the current process.
	OnLine func(Line)
	// OnExit fires when the process ends on its own, not after Stop or a
	// restart.
	OnExit func(error)
	// Env is appended to the parent environment.
	Env []string
}

type process struct {
	cmd    *exec.Cmd
	done   chan struct{}
	killed atomic.Bool
}

func (p *process) kill() {
	p.killed.Store(true)
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// Supervisor owns at most one live helper process. Start and Stop are
// expected to come from a single control path.
type Supervisor struct {
	command []string
	opts    Options
	log     *slog.Logger

	mu      sync.Mutex
	current atomic.Pointer[process]
}

func New(command string, opts Options, log *slog.Logger) (*Supervisor, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognizer command is empty")
	}
	if opts.OnLine == nil {
		opts.OnLine = func(Line) {}
	}
	if opts.OnExit == nil {
		opts.OnExit = func(error) {}
	}
	return &Supervisor{
		command: args,
		opts:    opts,
		log:     log.With(slog.String("component", "process-supervisor")),
	}, nil
}

// Start kills any running helper, waits for it to exit, then launches a new
// one with locale as its final argument.
func (s *Supervisor) Start(ctx context.Context, locale string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	args := append(append([]string{}, s.command[1:]...), locale)
	cmd := exec.Command(s.command[0], args...)
	if len(s.opts.Env) > 0 {
		cmd.Env = append(os.Environ(), s.opts.Env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, s.command[0])
		}
		return fmt.Errorf("start recognizer: %w", err)
	}

	p := &process{cmd: cmd, done: make(chan struct{})}
	s.current.Store(p)
	s.log.Info("recognizer started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("locale", locale))

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readLines(p, stdout)
	}()
	go func() {
		defer readers.Done()
		s.drainStderr(stderr)
	}()
	go func() {
		readers.Wait()
		err := cmd.Wait()
		s.current.CompareAndSwap(p, nil)
		close(p.done)
		if p.killed.Load() {
			return
		}
		s.log.Info("recognizer exited", slog.Int("pid", cmd.Process.Pid), slog.Any("error", err))
		s.opts.OnExit(err)
	}()
	go func() {
		select {
		case <-ctx.Done():
			p.kill()
		case <-p.done:
		}
	}()
	return nil
}

func (s *Supervisor) readLines(p *process, r io.Reader) {
	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		raw, err := readLine(reader, maxLineBytes)
		if errors.Is(err, errLineTooLong) {
			s.log.Warn("skipping oversized recognizer line", slog.Int("limit", maxLineBytes))
			continue
		}
		if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 {
			s.handleLine(p, trimmed)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
				s.log.Warn("recognizer stdout read failed", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (s *Supervisor) handleLine(p *process, raw []byte) {
	var line Line
	if err := json.Unmarshal(raw, &line); err != nil {
		s.log.Warn("skipping malformed recognizer line", slog.String("error", err.Error()))
		return
	}
	if p.killed.Load() {
		return
	}
	s.opts.OnLine(line)
}

// readLine returns the next line without its newline. A line longer than
// limit is consumed through its newline and reported as errLineTooLong.
func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if tooLong {
			if err == nil {
				err = errLineTooLong
			}
			return nil, err
		}
		return line, err
	}
}

func (s *Supervisor) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.log.Debug("recognizer stderr", slog.String("line", scanner.Text()))
	}
}

// Stop kills the running helper, if any, and waits for it to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Supervisor) Close() {
	s.Stop()
}

func (s *Supervisor) stopLocked() {
	p := s.current.Load()
	if p == nil {
		return
	}
	p.kill()
	<-p.done
	s.current.CompareAndSwap(p, nil)
}

// Running reports whether a helper process is alive.
func (s *Supervisor) Running() bool {
	return s.current.Load() != nil
}

// Pid returns the current helper's process id, or 0.
func (s *Supervisor) Pid() int {
	p := s.current.Load()
	if p == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
