// Package media keeps camera, microphone, speaker and media server processes running.
// Nothing here feeds telemetry, processes are independent from relay cycle.
package media

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/smarthelmet/relay/helpers"
	"github.com/smarthelmet/relay/log2"
	"github.com/temoto/alive/v2"
)

const (
	DefaultRestartDelay = 5 * time.Second
	DefaultMaxDelay     = 1 * time.Minute
	DefaultStopTimeout  = 5 * time.Second

	maxLogLine = 64 << 10
)

type ProcessConfig struct {
	Name    string
	Command string
	Args    []string
	// Shell is run with sh -c, for pipelines. Exclusive with Command.
	Shell        string
	Dir          string
	Env          []string
	RestartDelay time.Duration
	MaxDelay     time.Duration
}

func (c *ProcessConfig) validate() error {
	if c.Name == "" {
		return errors.NotValidf("media process name empty")
	}
	if (c.Command == "") == (c.Shell == "") {
		return errors.NotValidf("media process=%s needs exactly one of command, shell", c.Name)
	}
	if c.Shell != "" && len(c.Args) != 0 {
		return errors.NotValidf("media process=%s args with shell", c.Name)
	}
	return nil
}

type ProcessStat struct {
	Starts   int64
	Failures int64
	Running  bool
	LastErr  error
}

type process struct {
	c       ProcessConfig
	backoff helpers.Backoff
	starts  atomic.Int64
	fails   atomic.Int64
	mu      sync.Mutex
	running bool
	lastErr error
}

type Supervisor struct {
	log         *log2.Log
	procs       []*process
	stopTimeout time.Duration
	alive       *alive.Alive
	cancel      context.CancelFunc
	startOnce   sync.Once
}

func NewSupervisor(log *log2.Log, configs []ProcessConfig) (*Supervisor, error) {
	self := &Supervisor{
		log:         log,
		stopTimeout: DefaultStopTimeout,
		alive:       alive.NewAlive(),
	}
	names := make(map[string]struct{}, len(configs))
	errs := make([]error, 0)
	for _, c := range configs {
		if err := c.validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := names[c.Name]; dup {
			errs = append(errs, errors.NotValidf("media process=%s duplicate", c.Name))
			continue
		}
		names[c.Name] = struct{}{}
		if c.RestartDelay <= 0 {
			c.RestartDelay = DefaultRestartDelay
		}
		if c.MaxDelay < c.RestartDelay {
			c.MaxDelay = DefaultMaxDelay
			if c.MaxDelay < c.RestartDelay {
				c.MaxDelay = c.RestartDelay
			}
		}
		p := &process{c: c}
		p.backoff = helpers.Backoff{Min: c.RestartDelay, Max: c.MaxDelay, K: 2}
		self.procs = append(self.procs, p)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return nil, err
	}
	return self, nil
}

// Start launches every process in background. Repeated calls are no-op.
func (self *Supervisor) Start(ctx context.Context) {
	self.startOnce.Do(func() {
		ctx, self.cancel = context.WithCancel(ctx)
		for _, p := range self.procs {
			if !self.alive.Add(1) {
				return
			}
			go self.supervise(ctx, p)
		}
		go func() {
			<-self.alive.StopChan()
			self.cancel()
		}()
	})
}

// Stop terminates all processes and waits for them.
func (self *Supervisor) Stop() {
	self.alive.Stop()
	self.alive.Wait()
}

func (self *Supervisor) Stat() map[string]ProcessStat {
	m := make(map[string]ProcessStat, len(self.procs))
	for _, p := range self.procs {
		p.mu.Lock()
		m[p.c.Name] = ProcessStat{
			Starts:   p.starts.Load(),
			Failures: p.fails.Load(),
			Running:  p.running,
			LastErr:  p.lastErr,
		}
		p.mu.Unlock()
	}
	return m
}

func (self *Supervisor) Names() []string {
	ss := make([]string, len(self.procs))
	for i, p := range self.procs {
		ss[i] = p.c.Name
	}
	sort.Strings(ss)
	return ss
}

func (self *Supervisor) supervise(ctx context.Context, p *process) {
	defer self.alive.Done()
	for {
		if !p.backoff.Wait(ctx) {
			return
		}
		begin := time.Now()
		err := self.runOnce(ctx, p)
		if ctx.Err() != nil {
			self.log.Debugf("media process=%s stopped", p.c.Name)
			return
		}
		// long enough run counts as healthy, restart soon
		healthy := time.Since(begin) >= p.c.MaxDelay
		if err != nil {
			p.fails.Add(1)
			self.log.Errorf("media process=%s exit err=%v", p.c.Name, err)
		} else {
			self.log.Infof("media process=%s exited", p.c.Name)
		}
		p.backoff.Update(healthy)
	}
}

func (self *Supervisor) runOnce(ctx context.Context, p *process) error {
	cmd := p.c.command(ctx)
	configureStop(cmd)
	cmd.WaitDelay = self.stopTimeout
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Annotate(err, "stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Annotate(err, "stderr")
	}
	if err = cmd.Start(); err != nil {
		p.setState(false, err)
		return errors.Annotatef(err, "start %s", cmd.Path)
	}
	p.starts.Add(1)
	p.setState(true, nil)
	self.log.Infof("media process=%s started pid=%d", p.c.Name, cmd.Process.Pid)

	var wg sync.WaitGroup
	wg.Add(2)
	go self.logLines(&wg, p.c.Name, "stdout", stdout)
	go self.logLines(&wg, p.c.Name, "stderr", stderr)
	wg.Wait()
	err = cmd.Wait()
	p.setState(false, err)
	return err
}

func (self *Supervisor) logLines(wg *sync.WaitGroup, name, stream string, r io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLogLine)
	scanner.Split(splitLines)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		self.log.Infof("media process=%s %s: %s", name, stream, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		self.log.Errorf("media process=%s %s: %v, discarding rest", name, stream, err)
	}
	// child blocks on full pipe otherwise
	_, _ = io.Copy(io.Discard, r)
}

// splitLines is bufio.ScanLines that also ends line at CR, ffmpeg progress uses it.
func splitLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (self *process) setState(running bool, err error) {
	self.mu.Lock()
	self.running = running
	if err != nil {
		self.lastErr = err
	}
	self.mu.Unlock()
}

func (c *ProcessConfig) command(ctx context.Context) *exec.Cmd {
	var cmd *exec.Cmd
	if c.Shell != "" {
		cmd = exec.CommandContext(ctx, "sh", "-c", c.Shell) //nolint:gosec
	} else {
		cmd = exec.CommandContext(ctx, c.Command, c.Args...) //nolint:gosec
	}
	cmd.Dir = c.Dir
	if len(c.Env) != 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	return cmd
}
