package coordinator

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/ChuLiYu/relaypool/pkg/types"
)

// Process is one running worker as seen by the coordinator.
type Process interface {
	// ID is stable for the lifetime of the process.
	ID() types.WorkerID
	// Signal delivers sig to the process.
	Signal(sig os.Signal) error
	// Wait blocks until the process has exited.
	Wait() types.ExitStatus
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn() (Process, error)
}

// ExecSpawner re-executes a binary as a worker. ExtraFiles are inherited
// starting at fd 3.
type ExecSpawner struct {
	Path       string
	Args       []string
	Env        []string
	ExtraFiles []*os.File
	Stdout     io.Writer
	Stderr     io.Writer
}

// Spawn starts one worker process.
func (s *ExecSpawner) Spawn() (Process, error) {
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = s.Env
	cmd.ExtraFiles = s.ExtraFiles
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", s.Path, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) ID() types.WorkerID {
	return types.WorkerID(p.cmd.Process.Pid)
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Wait() types.ExitStatus {
	_ = p.cmd.Wait()
	return exitStatus(p.cmd.ProcessState)
}

// exitStatus maps a finished process to code/signal. A signalled exit has
// code -1.
func exitStatus(state *os.ProcessState) types.ExitStatus {
	if state == nil {
		return types.ExitStatus{Code: -1}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return types.ExitStatus{Code: -1, Signal: ws.Signal().String()}
	}
	return types.ExitStatus{Code: state.ExitCode()}
}
