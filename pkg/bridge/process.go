package bridge

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"

	"github.com/mew-protocol/mew/pkg/logger"
)

// process is one running MCP server subprocess with its stdio codec.
type process struct {
	cmd    *exec.Cmd
	codec  *codec
	exited chan error
}

// startProcess spawns the MCP server and wires its stdio: stdin/stdout carry
// JSON-RPC, stderr goes to the log.
func startProcess(command string, args, env []string, onNotify notifyFunc) (*process, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = append(os.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}
	logger.Infow("mcp server started", "command", command, "pid", cmd.Process.Pid)

	p := &process{
		cmd:    cmd,
		codec:  newCodec(stdin, onNotify),
		exited: make(chan error, 1),
	}

	go p.codec.readLoop(stdout)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debugw("mcp server stderr", "line", scanner.Text())
		}
	}()
	go func() {
		p.exited <- cmd.Wait()
	}()

	return p, nil
}

// stop kills the subprocess; Wait in the exit watcher reaps it.
func (p *process) stop() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}
