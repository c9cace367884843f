package client

import (
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/pkg/errors"
)

// process drives the local interactive child under a pty. Output is
// handed to onOutput as it arrives; Write feeds the child's stdin.
type process struct {
	logger   *slog.Logger
	command  []string
	onOutput func(p []byte)

	mu  sync.Mutex
	cmd *exec.Cmd
	tty *os.File
}

func newProcess(logger *slog.Logger, command []string, onOutput func([]byte)) *process {
	return &process{
		logger:   logger.WithGroup("process"),
		command:  command,
		onOutput: onOutput,
	}
}

func (p *process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startLocked()
}

func (p *process) startLocked() error {
	if len(p.command) == 0 {
		return errors.New("no command configured")
	}
	cmd := exec.Command(p.command[0], p.command[1:]...)
	tty, err := pty.Start(cmd)
	if err != nil {
		return errors.Wrapf(err, "start %s under pty", p.command[0])
	}
	p.cmd = cmd
	p.tty = tty
	p.logger.Info("Child process started", "command", p.command[0], "pid", cmd.Process.Pid)

	go p.readLoop(tty)
	return nil
}

func (p *process) readLoop(tty *os.File) {
	buf := make([]byte, 4096)
	for {
		n, err := tty.Read(buf)
		if n > 0 && p.onOutput != nil {
			out := make([]byte, n)
			copy(out, buf[:n])
			p.onOutput(out)
		}
		if err != nil {
			// EIO is the normal pty read error once the child exits.
			p.logger.Debug("Child output stream ended", "error", err)
			return
		}
	}
}

// Write feeds bytes to the child's stdin.
func (p *process) Write(data []byte) error {
	p.mu.Lock()
	tty := p.tty
	p.mu.Unlock()
	if tty == nil {
		return errors.New("child process not running")
	}
	if _, err := tty.Write(data); err != nil {
		return errors.Wrap(err, "write to child pty")
	}
	return nil
}

// Restart terminates the child and respawns it. The relay connection is
// untouched.
func (p *process) Restart() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	return p.startLocked()
}

func (p *process) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *process) stopLocked() {
	if p.tty != nil {
		p.tty.Close()
		p.tty = nil
	}
	if p.cmd != nil && p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil {
			p.logger.Debug("Kill child process", "error", err)
		}
		p.cmd.Wait()
	}
	p.cmd = nil
}
