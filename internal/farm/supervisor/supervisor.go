// Package supervisor owns one worker process per job: it allocates the
// session's ports, launches the worker, performs the boot handshake, keeps
// the command channel and routes the worker's stdout and log file into a
// per-task diagnostic trail.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tokejepsen/mayasequence/internal/contracts/worker/v1"
	"github.com/tokejepsen/mayasequence/internal/farm/channel"
	"github.com/tokejepsen/mayasequence/internal/farm/handshake"
	"github.com/tokejepsen/mayasequence/internal/farm/logtail"
	"github.com/tokejepsen/mayasequence/internal/farm/portalloc"
	"github.com/tokejepsen/mayasequence/internal/farm/render"
	"github.com/tokejepsen/mayasequence/internal/farm/scripthost"
	"github.com/tokejepsen/mayasequence/internal/farm/session"
	"github.com/tokejepsen/mayasequence/internal/farm/stdout"
	"github.com/tokejepsen/mayasequence/internal/pkg/errors"
	"github.com/tokejepsen/mayasequence/internal/pkg/logger"
)

// Lifecycle is what the farm scheduler's harness drives.
type Lifecycle interface {
	OnInitialize(ctx context.Context, jobID string) error
	OnTaskStart(ctx context.Context, task render.Task) error
	OnRenderFrame(ctx context.Context, task render.Task) error
	OnTaskEnd(ctx context.Context) error
}

// DCCEnvironment is set for every worker launch. It keeps the application
// from phoning home or opening dialogs on a headless farm node.
var DCCEnvironment = []EnvVar{
	{Name: "MAYA_DEBUG_ENABLE_CRASH_REPORTING", Value: "0"},
	{Name: "MAYA_DISABLE_CIP", Value: "1", Description: "ADSK Customer Involvement Program"},
	{Name: "MAYA_DISABLE_CER", Value: "1", Description: "ADSK Customer Error Reporting"},
	{Name: "MAYA_DISABLE_CLIC_IPM", Value: "1", Description: "ADSK In Product Messaging"},
	{Name: "MAYA_OPENCL_IGNORE_DRIVER_VERSION", Value: "1"},
	{Name: "MAYA_VP2_DEVICE_OVERRIDE", Value: "VirtualDeviceDx11"},
}

// EnvVar is one entry of the worker environment.
type EnvVar struct {
	Name        string
	Value       string
	Description string
}

// Config holds the supervisor settings.
type Config struct {
	Host             string
	WorkerExecutable string
	WorkerArgs       []string
	// WorkerScriptDir holds the worker-side script library and becomes the
	// worker's PYTHONPATH.
	WorkerScriptDir string
	WorkerEnv       map[string]string
	// SessionRoot is the parent of per-session directories holding the
	// worker log. Empty means the system temp directory.
	SessionRoot string

	BootTimeout time.Duration
	DialTimeout time.Duration
	KillTimeout time.Duration
	// StdoutQuiet is how long stdout must stay silent after a command
	// before the next one is sent.
	StdoutQuiet     time.Duration
	LogPollInterval time.Duration
	TrailLimit      int

	Channel channel.Options
	Render  render.Options
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.BootTimeout <= 0 {
		c.BootTimeout = 10 * time.Minute
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = 10 * time.Second
	}
	if c.StdoutQuiet == 0 {
		c.StdoutQuiet = 50 * time.Millisecond
	}
	return c
}

// Snapshot is the supervisor state reported by the status API.
type Snapshot struct {
	JobID     string           `json:"job_id,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	PID       int              `json:"pid,omitempty"`
	LogPath   string           `json:"log_path,omitempty"`
	Session   session.Snapshot `json:"session"`
	Frames    Progress         `json:"progress"`
}

// Progress counts frames of the running task.
type Progress struct {
	Layer string `json:"layer,omitempty"`
	Frame int    `json:"frame,omitempty"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Supervisor implements Lifecycle for one worker at a time.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	log      *logger.Logger
	trail    *trail

	// opMu serializes lifecycle calls.
	opMu sync.Mutex

	// mu guards the fields below for concurrent readers (Snapshot).
	mu         sync.RWMutex
	jobID      string
	sessionID  string
	sessionDir string
	pair       portalloc.Pair
	sess       *session.Session
	rv         *handshake.Rendezvous
	proc       Process
	ch         *channel.Channel
	classifier *stdout.Classifier
	seq        *render.Sequencer
	progress   Progress

	tailMu sync.Mutex
	tailer *logtail.Tailer

	bgCancel context.CancelFunc
	bg       *errgroup.Group
}

var _ Lifecycle = (*Supervisor)(nil)

// New returns a supervisor that starts workers through launcher.
func New(cfg Config, launcher Launcher, log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.Discard()
	}
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	cfg = cfg.withDefaults()
	if cfg.Channel.Logger == nil {
		cfg.Channel.Logger = log
	}
	if cfg.Render.Logger == nil {
		cfg.Render.Logger = log
	}
	return &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		log:      log.WithComponent("supervisor"),
		trail:    newTrail(cfg.TrailLimit),
	}
}

// OnInitialize prepares a session for jobID: ports, session directory and
// the rendezvous listener. A session left over from a previous job is torn
// down first.
func (s *Supervisor) OnInitialize(ctx context.Context, jobID string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.sess != nil {
		s.log.FromContext(ctx).Warn("replacing unfinished session", "job_id", s.jobID)
		s.teardown(ctx)
	}

	pair, err := portalloc.Allocate(s.cfg.Host)
	if err != nil {
		return errors.Wrap(err, "supervisor.initialize", "allocating ports")
	}

	sessionID := uuid.NewString()
	root := s.cfg.SessionRoot
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, "session-"+sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "supervisor.initialize", "creating session directory")
	}

	sess := session.New(pair.Rendezvous, pair.Command)
	rv, err := handshake.Listen(pair.RendezvousAddr())
	if err != nil {
		os.RemoveAll(dir)
		return errors.Wrap(err, "supervisor.initialize", "binding rendezvous port")
	}
	if err := sess.Advance(session.Listening); err != nil {
		rv.Close()
		os.RemoveAll(dir)
		return errors.Wrap(err, "supervisor.initialize", "advancing session")
	}

	s.mu.Lock()
	s.jobID = jobID
	s.sessionID = sessionID
	s.sessionDir = dir
	s.pair = pair
	s.sess = sess
	s.rv = rv
	s.progress = Progress{}
	s.mu.Unlock()

	s.tailMu.Lock()
	s.tailer = logtail.New(filepath.Join(dir, "worker.log"))
	s.tailMu.Unlock()

	s.log.FromContext(ctx).Info("session initialized",
		"session_id", sessionID,
		"rendezvous_port", pair.Rendezvous,
		"command_port", pair.Command,
	)
	return nil
}

// LaunchSpec builds the worker command line and environment for task.
func (s *Supervisor) LaunchSpec(task render.Task) LaunchSpec {
	s.mu.RLock()
	pair, dir := s.pair, s.sessionDir
	s.mu.RUnlock()

	env := append(os.Environ(), pair.Env()...)
	env = append(env,
		v1.EnvLogPath+"="+filepath.Join(dir, "worker.log"),
		v1.EnvFraming+"="+string(s.channelFraming()),
	)
	for _, e := range DCCEnvironment {
		env = append(env, e.Name+"="+e.Value)
	}
	if s.cfg.WorkerScriptDir != "" {
		env = append(env, "PYTHONPATH="+s.cfg.WorkerScriptDir)
	}
	for k, v := range s.cfg.WorkerEnv {
		env = append(env, k+"="+v)
	}

	args := append([]string(nil), s.cfg.WorkerArgs...)
	if project := render.NormalizePath(task.ProjectPath); project != "" {
		args = append(args, "-proj", project)
	}

	return LaunchSpec{
		Executable: s.cfg.WorkerExecutable,
		Args:       args,
		Env:        env,
		Dir:        dir,
	}
}

func (s *Supervisor) channelFraming() channel.Framing {
	if s.cfg.Channel.Framing == "" {
		return channel.FramingRaw
	}
	return s.cfg.Channel.Framing
}

// OnTaskStart launches the worker and waits until its command channel is
// open. It does nothing when the session is already booted.
func (s *Supervisor) OnTaskStart(ctx context.Context, task render.Task) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	log := s.log.FromContext(ctx)
	sess := s.sess
	if sess == nil {
		return errors.New(errors.CodeFailedPrecond, "no session initialized")
	}
	if sess.Booted() {
		return nil
	}
	if st := sess.State(); st.Terminal() {
		return errors.Newf(errors.CodeFailedPrecond, "session is %s", st)
	}

	for _, e := range DCCEnvironment {
		desc := ""
		if e.Description != "" {
			desc = " (" + e.Description + ")"
		}
		log.Info(fmt.Sprintf("Setting %s%s environment variable to %s for this session", e.Name, desc, e.Value))
	}

	spec := s.LaunchSpec(task)
	proc, err := s.launcher.Launch(ctx, spec)
	if err != nil {
		_ = sess.Advance(session.BootTimedOut)
		return errors.WrapWithCode(err, errors.CodeBootTimeout, "supervisor.launch", "launching worker")
	}

	classifier := stdout.New(s.log, func(line string) { s.trail.add("stdout", line) })

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	bg, bgCtx := errgroup.WithContext(bgCtx)
	bg.Go(func() error {
		classifier.Watch(proc.Output())
		return nil
	})
	if s.cfg.LogPollInterval > 0 {
		bg.Go(func() error {
			s.pollLogLoop(bgCtx, s.cfg.LogPollInterval)
			return nil
		})
	}

	s.mu.Lock()
	s.proc = proc
	s.classifier = classifier
	s.bgCancel = cancel
	s.bg = bg
	s.mu.Unlock()

	log.Info("Waiting until the worker is ready to go.", "pid", proc.Pid(), "executable", spec.Executable)
	if err := s.boot(ctx, sess, proc); err != nil {
		_ = sess.Advance(session.BootTimedOut)
		s.pollLog()
		return err
	}
	log.Info("worker booted", "command_port", s.pair.Command)
	return nil
}

func (s *Supervisor) boot(ctx context.Context, sess *session.Session, proc Process) error {
	awaitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-proc.Exited():
			cancel(errors.New(errors.CodeBootTimeout, "worker exited before it became ready"))
		case <-awaitCtx.Done():
		}
	}()

	if err := s.rv.Await(awaitCtx, s.cfg.BootTimeout); err != nil {
		return errors.Wrap(err, "supervisor.boot", "awaiting worker rendezvous")
	}
	if err := sess.Advance(session.RendezvousAccepted); err != nil {
		return err
	}

	conn, err := handshake.DialCommand(ctx, s.pair.CommandAddr(), s.cfg.DialTimeout)
	if err != nil {
		return errors.Wrap(err, "supervisor.boot", "connecting to command port")
	}
	ch := channel.New(conn, s.cfg.Channel)
	if err := sess.Advance(session.Booted); err != nil {
		ch.Close()
		return err
	}

	opts := s.cfg.Render
	opts.Observer = s.observeFrame(opts.Observer)
	seq := render.NewSequencer(scripthost.New(observedSender{s}, s.log), sess, opts)

	s.mu.Lock()
	s.ch = ch
	s.seq = seq
	s.mu.Unlock()

	s.pollLog()
	if err := s.classifier.Err(); err != nil {
		return err
	}
	return nil
}

// OnRenderFrame renders the task's frames on the booted worker. A stdout
// error reported by the worker wins over whatever the commands returned.
func (s *Supervisor) OnRenderFrame(ctx context.Context, task render.Task) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.sess == nil || !s.sess.Booted() {
		return errors.New(errors.CodeFailedPrecond, "worker is not booted")
	}

	s.mu.Lock()
	s.progress = Progress{}
	s.mu.Unlock()

	err := s.seq.RenderTask(ctx, task)

	_ = s.classifier.Settle(ctx, s.cfg.StdoutQuiet)
	s.pollLog()
	if serr := s.classifier.Err(); serr != nil {
		return serr
	}
	return err
}

// OnTaskEnd stops the worker and releases the session. Calling it without
// a session is a no-op.
func (s *Supervisor) OnTaskEnd(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.teardown(ctx)
	return nil
}

// teardown releases everything the session holds. Caller holds opMu.
func (s *Supervisor) teardown(ctx context.Context) {
	s.mu.Lock()
	ch, proc, rv, classifier := s.ch, s.proc, s.rv, s.classifier
	bgCancel, bg, dir := s.bgCancel, s.bg, s.sessionDir
	had := s.sess != nil
	s.ch, s.proc, s.rv, s.classifier, s.seq = nil, nil, nil, nil, nil
	s.bgCancel, s.bg = nil, nil
	s.sess, s.jobID, s.sessionID, s.sessionDir = nil, "", "", ""
	s.progress = Progress{}
	s.mu.Unlock()

	if !had {
		return
	}
	log := s.log.FromContext(ctx)

	if ch != nil {
		_ = ch.Close()
	}
	if rv != nil {
		_ = rv.Close()
	}
	if proc != nil {
		killed := make(chan error, 1)
		go func() { killed <- proc.Kill() }()
		select {
		case err := <-killed:
			if err != nil {
				log.Warn("stopping worker", "error", err.Error())
			}
		case <-time.After(s.cfg.KillTimeout):
			log.Warn("worker did not stop in time", "pid", proc.Pid())
		}
		if classifier != nil {
			select {
			case <-classifier.Done():
			case <-time.After(s.cfg.KillTimeout):
			}
		}
		_ = proc.Close()
	}
	if bgCancel != nil {
		bgCancel()
		_ = bg.Wait()
	}

	s.pollLog()
	s.tailMu.Lock()
	s.tailer = nil
	s.tailMu.Unlock()

	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("removing session directory", "dir", dir, "error", err.Error())
		}
	}
	log.Info("session ended")
}

// ResetTrail starts a new diagnostic trail for the next task.
func (s *Supervisor) ResetTrail() {
	s.trail.reset()
}

// Trail returns the stdout and log output collected since the last reset.
func (s *Supervisor) Trail() string {
	return s.trail.String()
}

// Snapshot reports the current session.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		JobID:     s.jobID,
		SessionID: s.sessionID,
		Frames:    s.progress,
		Session:   session.Snapshot{State: session.NotBooted.String()},
	}
	if s.sess != nil {
		snap.Session = s.sess.Snapshot()
	}
	if s.proc != nil {
		snap.PID = s.proc.Pid()
	}
	if s.sessionDir != "" {
		snap.LogPath = filepath.Join(s.sessionDir, "worker.log")
	}
	return snap
}

func (s *Supervisor) observeFrame(next render.FrameObserver) render.FrameObserver {
	return func(ctx context.Context, ev render.FrameEvent) {
		s.mu.Lock()
		s.progress = Progress{Layer: ev.Layer, Frame: ev.Frame, Done: ev.Done, Total: ev.Total}
		s.mu.Unlock()

		s.log.FromContext(ctx).Debug("frame rendered",
			"layer", ev.Layer, "frame", ev.Frame, "done", ev.Done, "total", ev.Total)
		if next != nil {
			next(ctx, ev)
		}
	}
}

// pollLog moves new worker log output into the logger and the trail.
func (s *Supervisor) pollLog() {
	s.tailMu.Lock()
	defer s.tailMu.Unlock()
	if s.tailer == nil {
		return
	}
	out, err := s.tailer.ReadNewOutput()
	if err != nil {
		s.log.Warn("reading worker log", "error", err.Error())
		return
	}
	if out == "" {
		return
	}
	s.log.Debug("worker log", "output", out)
	s.trail.add("log", out)
}

func (s *Supervisor) pollLogLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollLog()
		}
	}
}

// observedSender sends over the session channel and then lets the
// command's side effects on stdout and the log catch up before returning.
// An error marker on stdout aborts the exchange in flight, which breaks the
// channel, so the task fails without waiting for the worker to answer.
type observedSender struct {
	s *Supervisor
}

func (o observedSender) Send(ctx context.Context, command []byte) (channel.Response, error) {
	o.s.mu.RLock()
	ch, classifier, sess := o.s.ch, o.s.classifier, o.s.sess
	o.s.mu.RUnlock()

	if ch == nil {
		return channel.Response{}, errors.ChannelBroken("supervisor.send", fmt.Errorf("no command channel"))
	}
	if serr := classifier.Err(); serr != nil {
		return channel.Response{}, serr
	}

	sendCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-classifier.Failure():
			cancel(classifier.Err())
		case <-sendCtx.Done():
		}
	}()

	resp, err := ch.Send(sendCtx, command)
	if errors.IsCode(err, errors.CodeChannelBroken) && sess != nil {
		_ = sess.Advance(session.Broken)
	}

	_ = classifier.Settle(ctx, o.s.cfg.StdoutQuiet)
	o.s.pollLog()

	if serr := classifier.Err(); serr != nil {
		return channel.Response{}, serr
	}
	return resp, err
}
