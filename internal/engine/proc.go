package engine

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
)

// proc is the slice of a running engine process the client needs: a way
// to write command lines, a stream of output lines that closes when the
// process goes away, and a kill switch. Tests substitute their own.
type proc interface {
	Send(line string) error
	Lines() <-chan string
	Kill() error
}

// spawnFunc creates and starts an engine process.
type spawnFunc func() (proc, error)

type execProc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
}

// startProcess launches the engine binary and begins streaming its
// stdout line by line. The lines channel closes on process exit.
func startProcess(path string) (proc, error) {
	cmd := exec.Command(path)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("engine: start %s: %w", path, err)
	}

	p := &execProc{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan string, 64),
	}

	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			p.lines <- scanner.Text()
		}
		close(p.lines)
		_ = cmd.Wait()
	}()

	return p, nil
}

func (p *execProc) Send(line string) error {
	_, err := io.WriteString(p.stdin, line+"\n")
	return err
}

func (p *execProc) Lines() <-chan string {
	return p.lines
}

func (p *execProc) Kill() error {
	_ = p.Send("quit")
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}
