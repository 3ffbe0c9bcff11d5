package prefork

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// ExitStatus describes how a worker process ended
type ExitStatus struct {
	// Code is the exit code, -1 when the process was killed by a signal
	Code int
	// Signal is the terminating signal, zero for a normal exit
	Signal syscall.Signal
}

// Success reports whether the worker exited normally with code 0
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == 0
}

// String returns a short description of the status
func (s ExitStatus) String() string {
	if s.Signal != 0 {
		return "signal " + SignalName(s.Signal)
	}
	return "exit " + strconv.Itoa(s.Code)
}

// Process is a started worker process
type Process interface {
	// Pid returns the OS process id
	Pid() int
	// Signal delivers sig to the process
	Signal(sig os.Signal) error
	// Wait blocks until the process exits. A non-zero exit is reported in
	// the status, not as an error.
	Wait() (ExitStatus, error)
}

// SpawnRequest describes one worker to start
type SpawnRequest struct {
	// ID is the worker id assigned by the manager
	ID WorkerID
	// Generation is the manager generation the worker belongs to
	Generation uint64
	// Files are the worker's channel ends, to be inherited as descriptors
	// ToWorkerFD and ToManagerFD
	Files []*os.File
}

// Spawner starts worker processes
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Process, error)
}

// SpawnerFunc adapts a function to the Spawner interface
type SpawnerFunc func(ctx context.Context, req SpawnRequest) (Process, error)

// Spawn calls f
func (f SpawnerFunc) Spawn(ctx context.Context, req SpawnRequest) (Process, error) {
	return f(ctx, req)
}

// ExecSpawner starts workers by executing a command, by default the current
// executable with the current arguments. The child recognizes its role with
// IsWorker and attaches with NewWorker.
type ExecSpawner struct {
	// Path is the program to run, the current executable when empty
	Path string
	// Args are the program arguments, os.Args[1:] when nil
	Args []string
	// Env is the base environment, os.Environ() when nil
	Env []string
	// Dir is the working directory, the manager's when empty
	Dir string
	// Stdout and Stderr default to the manager's own streams
	Stdout io.Writer
	Stderr io.Writer
}

var _ Spawner = (*ExecSpawner)(nil)

// Spawn starts the worker command with its channel files attached
func (s *ExecSpawner) Spawn(_ context.Context, req SpawnRequest) (Process, error) {
	if len(req.Files) != 2 {
		return nil, fmt.Errorf("%w: want 2 channel files, got %d", ErrSpawn, len(req.Files))
	}

	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("%w: resolving executable: %v", ErrSpawn, err)
		}
		path = exe
	}
	args := s.Args
	if args == nil && len(os.Args) > 1 {
		args = os.Args[1:]
	}
	env := s.Env
	if env == nil {
		env = os.Environ()
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = s.Dir
	cmd.Env = append(env[:len(env):len(env)],
		EnvWorkerID+"="+req.ID.String(),
		EnvGeneration+"="+strconv.FormatUint(req.Generation, 10),
	)
	cmd.ExtraFiles = req.Files
	cmd.Stdout = s.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	return &execProcess{cmd: cmd}, nil
}

// execProcess wraps a started exec.Cmd
type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Wait() (ExitStatus, error) {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return ExitStatus{Code: -1}, err
	}
	return exitStatusOf(p.cmd.ProcessState), nil
}

// exitStatusOf converts an OS process state
func exitStatusOf(ps *os.ProcessState) ExitStatus {
	if ps == nil {
		return ExitStatus{Code: -1}
	}
	st := ExitStatus{Code: ps.ExitCode()}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signal = ws.Signal()
	}
	return st
}
