package tasks

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"

	"toolhost/keylock"
	"toolhost/permission"
)

var (
	// ErrNotFound means no task exists under the given id.
	ErrNotFound = errors.New("task not found")
	// ErrNotRunning means the task exists but is in a terminal state.
	ErrNotRunning = errors.New("task is not running")
)

// StartOptions are the optional parameters to Start.
type StartOptions struct {
	Name string
	Dir  string
	Env  []string
}

// Supervisor spawns and tracks detached background commands. The
// in-memory process handles are ephemeral; the metadata and log files
// under dir are the durable record, so a restarted supervisor can still
// stop, inspect, and clean up tasks it did not spawn.
type Supervisor struct {
	dir   string
	grace time.Duration
	asker permission.Asker
	locks *keylock.Manager

	mu       sync.Mutex
	handles  map[string]*exec.Cmd
	logs     map[string]*logWriter
	stopping map[string]bool
}

// NewSupervisor creates a supervisor persisting under dir. grace is how
// long a stopped process gets after SIGTERM before SIGKILL.
func NewSupervisor(dir string, grace time.Duration, asker permission.Asker, locks *keylock.Manager) (*Supervisor, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, serr.Wrap(err, "failed to create task directory")
	}
	return &Supervisor{
		dir:      dir,
		grace:    grace,
		asker:    asker,
		locks:    locks,
		handles:  make(map[string]*exec.Cmd),
		logs:     make(map[string]*logWriter),
		stopping: make(map[string]bool),
	}, nil
}

// logWriter appends timestamp-prefixed lines to a task's log file.
// Lines from stdout and stderr land in arrival order.
type logWriter struct {
	mu   sync.Mutex
	file *os.File
}

func (w *logWriter) writeLine(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	_, _ = w.file.WriteString("[" + time.Now().Format(time.RFC3339) + "] " + line + "\n")
}

func (w *logWriter) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
}

// Start spawns command through the platform shell in its own process
// group and begins streaming its combined output to the task log. A
// spawn failure is captured as task status failed, not returned as an
// error; the task record is the artifact of interest either way.
func (s *Supervisor) Start(ctx context.Context, command string, opts StartOptions) (*Task, error) {
	if strings.TrimSpace(command) == "" {
		return nil, serr.New("command is required")
	}

	if s.asker != nil {
		if err := s.asker.Ask(ctx, permission.Request{
			Kind:        permission.KindTaskStart,
			Patterns:    []string{command},
			AlwaysAllow: []string{firstWord(command) + " *"},
			Metadata:    map[string]any{"cwd": opts.Dir},
		}); err != nil {
			return nil, err
		}
	}

	id := newTaskID()
	name := opts.Name
	if name == "" {
		name = firstWord(command)
	}

	task := &Task{
		ID:        id,
		Name:      name,
		Command:   command,
		Dir:       opts.Dir,
		Status:    StatusRunning,
		StartedAt: time.Now(),
		LogFile:   s.logPath(id),
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	// New session: the task survives independently of our terminal and
	// stop can signal the whole process group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.failSpawn(task, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.failSpawn(task, err)
	}

	logFile, err := os.OpenFile(task.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return s.failSpawn(task, err)
	}
	lw := &logWriter{file: logFile}

	if err := cmd.Start(); err != nil {
		lw.close()
		return s.failSpawn(task, err)
	}

	task.PID = cmd.Process.Pid
	if err := s.persist(task); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.handles[id] = cmd
	s.logs[id] = lw
	s.mu.Unlock()

	var streams sync.WaitGroup
	streams.Add(2)
	go streamLines(stdout, lw, &streams)
	go streamLines(stderr, lw, &streams)
	go s.awaitExit(id, cmd, lw, &streams)

	logger.Info("Started background task", "id", id, "name", name, "pid", task.PID)
	return task, nil
}

// failSpawn records a spawn failure on the task itself.
func (s *Supervisor) failSpawn(task *Task, cause error) (*Task, error) {
	now := time.Now()
	task.Status = StatusFailed
	task.EndedAt = &now
	if err := s.persist(task); err != nil {
		return nil, err
	}
	logger.LogErr(cause, "Background task failed to spawn", "id", task.ID)
	return task, nil
}

// awaitExit observes process exit and performs the terminal transition.
// The output streams must drain before Wait, or their tails are lost.
func (s *Supervisor) awaitExit(id string, cmd *exec.Cmd, lw *logWriter, streams *sync.WaitGroup) {
	streams.Wait()
	err := cmd.Wait()

	code := 0
	status := StatusCompleted
	if err != nil {
		status = StatusFailed
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}

	lw.close()
	s.mu.Lock()
	if s.stopping[id] {
		// The exit was provoked by an explicit stop, not a failure.
		status = StatusStopped
	}
	delete(s.handles, id)
	delete(s.logs, id)
	delete(s.stopping, id)
	s.mu.Unlock()

	if transitioned, terr := s.transition(id, status, &code); terr != nil {
		logger.LogErr(terr, "Failed to record task exit", "id", id)
	} else if transitioned {
		logger.Info("Background task exited", "id", id, "status", string(status), "exit_code", code)
	}
}

// transition moves a task out of running exactly once. Competing
// writers (exit handler, explicit stop, liveness probe) serialize on a
// per-task lock; whoever gets there first wins and terminal states
// never change again.
func (s *Supervisor) transition(id string, status Status, exitCode *int) (bool, error) {
	g := s.locks.AcquireWrite("task:" + id)
	defer g.Release()

	task, err := s.read(id)
	if err != nil {
		return false, err
	}
	if task.Status != StatusRunning {
		return false, nil
	}

	now := time.Now()
	task.Status = status
	task.EndedAt = &now
	task.ExitCode = exitCode
	return true, s.persist(task)
}

// Status returns the persisted task record.
func (s *Supervisor) Status(id string) (*Task, error) {
	task, err := s.read(id)
	if err != nil {
		return nil, err
	}
	s.probeLiveness(task)
	return task, nil
}

// List enumerates all persisted tasks newest-first, correcting the
// status of any task whose process died without the supervisor
// observing the exit.
func (s *Supervisor) List() ([]*Task, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, serr.Wrap(err, "failed to read task directory")
	}

	var tasks []*Task
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		task, err := s.read(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			logger.LogErr(err, "Skipping unreadable task file", "file", entry.Name())
			continue
		}
		s.probeLiveness(task)
		tasks = append(tasks, task)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].StartedAt.After(tasks[j].StartedAt)
	})
	return tasks, nil
}

// probeLiveness checks a running task's PID with a no-op signal and
// corrects the record to stopped if the process no longer exists. Kept
// off the hot path: only List and Status invoke it.
func (s *Supervisor) probeLiveness(task *Task) {
	if task.Status != StatusRunning || task.PID == 0 {
		return
	}
	s.mu.Lock()
	_, haveHandle := s.handles[task.ID]
	s.mu.Unlock()
	if haveHandle {
		// Our own exit handler will observe this process.
		return
	}
	if err := syscall.Kill(task.PID, 0); err != nil {
		if transitioned, terr := s.transition(task.ID, StatusStopped, nil); terr == nil && transitioned {
			logger.Info("Detected dead task process", "id", task.ID, "pid", task.PID)
			task.Status = StatusStopped
			now := time.Now()
			task.EndedAt = &now
		}
	}
}

// Logs returns the last lines of the task's log (all lines when lines
// is zero or negative).
func (s *Supervisor) Logs(id string, lines int) (string, error) {
	if _, err := s.read(id); err != nil {
		return "", err
	}
	raw, err := os.ReadFile(s.logPath(id))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", serr.Wrap(err, "failed to read task log")
	}

	content := strings.TrimRight(string(raw), "\n")
	if lines <= 0 || content == "" {
		return content, nil
	}
	all := strings.Split(content, "\n")
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	return strings.Join(all, "\n"), nil
}

// Stop terminates a running task's whole process tree, SIGTERM first
// and SIGKILL after the grace period. Stopping a task in a terminal
// state returns ErrNotRunning.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	task, err := s.read(id)
	if err != nil {
		return err
	}
	if task.Status != StatusRunning {
		return fmt.Errorf("%w: task %s has status %s", ErrNotRunning, id, task.Status)
	}

	if s.asker != nil {
		if err := s.asker.Ask(ctx, permission.Request{
			Kind:     permission.KindTaskStop,
			Patterns: []string{id},
		}); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.stopping[id] = true
	s.mu.Unlock()

	// Negative pid signals the process group; the shell may have
	// spawned children that must die with it.
	if err := syscall.Kill(-task.PID, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		// Fall back to the single PID when the group is already gone.
		_ = syscall.Kill(task.PID, syscall.SIGTERM)
	}

	deadline := time.Now().Add(s.grace)
	for time.Now().Before(deadline) {
		if syscall.Kill(task.PID, 0) != nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if syscall.Kill(task.PID, 0) == nil {
		logger.Warn("Task ignored SIGTERM, escalating", "id", id, "pid", task.PID)
		_ = syscall.Kill(-task.PID, syscall.SIGKILL)
	}

	if _, err := s.transition(id, StatusStopped, nil); err != nil {
		return err
	}
	logger.Info("Stopped background task", "id", id)
	return nil
}

// Cleanup removes metadata and logs for terminal tasks older than
// maxAge. Running tasks are never deleted regardless of age.
func (s *Supervisor) Cleanup(maxAge time.Duration) (int, error) {
	tasks, err := s.List()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, task := range tasks {
		if !task.Status.IsTerminal() {
			continue
		}
		ended := task.StartedAt
		if task.EndedAt != nil {
			ended = *task.EndedAt
		}
		if ended.After(cutoff) {
			continue
		}
		if err := os.Remove(s.metaPath(task.ID)); err != nil && !os.IsNotExist(err) {
			return removed, serr.Wrap(err, "failed to remove task metadata: "+task.ID)
		}
		if err := os.Remove(s.logPath(task.ID)); err != nil && !os.IsNotExist(err) {
			return removed, serr.Wrap(err, "failed to remove task log: "+task.ID)
		}
		removed++
	}
	if removed > 0 {
		logger.Info("Cleaned up old tasks", "removed", removed)
	}
	return removed, nil
}

// CloseLogs flushes and closes any open log handles; registered as a
// shutdown hook so buffered lines are not lost.
func (s *Supervisor) CloseLogs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, lw := range s.logs {
		lw.close()
	}
}

func (s *Supervisor) metaPath(id string) string { return filepath.Join(s.dir, id+".json") }
func (s *Supervisor) logPath(id string) string  { return filepath.Join(s.dir, id+".log") }

func (s *Supervisor) persist(task *Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return serr.Wrap(err, "failed to serialize task")
	}
	if err := os.WriteFile(s.metaPath(task.ID), data, 0600); err != nil {
		return serr.Wrap(err, "failed to write task metadata")
	}
	return nil
}

func (s *Supervisor) read(id string) (*Task, error) {
	raw, err := os.ReadFile(s.metaPath(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to read task metadata")
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, serr.Wrap(err, "task metadata is malformed: "+id)
	}
	return &task, nil
}

func streamLines(r io.Reader, lw *logWriter, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lw.writeLine(scanner.Text())
	}
}

func firstWord(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return command
	}
	return fields[0]
}
