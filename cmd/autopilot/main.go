package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"autopilot/internal/autoops"
	"autopilot/internal/loop"
	"autopilot/internal/respawn"
	"autopilot/internal/session"
	"autopilot/internal/store"
	"autopilot/internal/task"
	"autopilot/internal/telemetry"
	"autopilot/internal/ui"
)

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ", ") }
func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// config holds the parsed CLI configuration for an autopilot run.
type config struct {
	statePath string
	tasks     stringSlice
	panes     stringSlice
	spawn     int
	agent     string
	workdir   string
	usePty    bool

	poll        time.Duration
	minDuration time.Duration
	autogen     bool
	taskTimeout time.Duration

	respawnOn   bool
	respawnIdle time.Duration

	compactAt     int
	compactPrompt string
	clearAt       int

	dryRun  bool
	verbose bool
}

func parseFlags() config {
	var cfg config

	flag.StringVar(&cfg.statePath, "state", ".autopilot.json", "path to the persisted state file")
	flag.Var(&cfg.tasks, "task", "task prompt to enqueue (repeatable)")
	flag.Var(&cfg.panes, "pane", "existing tmux pane id to adopt as an agent session (repeatable)")
	flag.IntVar(&cfg.spawn, "spawn", 0, "number of agent panes to spawn")
	flag.StringVar(&cfg.agent, "agent", "claude", "agent command run in spawned panes")
	flag.StringVar(&cfg.workdir, "workdir", ".", "working directory for spawned agent panes")
	flag.BoolVar(&cfg.usePty, "pty", false, "spawn agents on pseudo-terminals instead of tmux panes")
	flag.DurationVar(&cfg.poll, "poll", 2*time.Second, "polling interval")
	flag.DurationVar(&cfg.minDuration, "min-duration", 0, "minimum run duration (0 = none)")
	flag.BoolVar(&cfg.autogen, "autogen", false, "generate filler tasks while the queue is empty inside -min-duration")
	flag.DurationVar(&cfg.taskTimeout, "timeout", task.DefaultTimeout, "default per-task timeout")
	flag.BoolVar(&cfg.respawnOn, "respawn", false, "run maintenance cycles on idle sessions")
	flag.DurationVar(&cfg.respawnIdle, "respawn-idle", respawn.DefaultIdleTimeout, "idle time before a maintenance cycle")
	flag.IntVar(&cfg.compactAt, "auto-compact", 0, "token threshold for /compact (0 = off)")
	flag.StringVar(&cfg.compactPrompt, "compact-prompt", "", "extra prompt appended to /compact")
	flag.IntVar(&cfg.clearAt, "auto-clear", 0, "token threshold for /clear (0 = off)")
	flag.BoolVar(&cfg.dryRun, "dry-run", false, "print what would be done without touching any session")
	flag.BoolVar(&cfg.verbose, "verbose", false, "enable detailed logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: autopilot [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Autopilot drives terminal AI coding agents: it assigns queued\n")
		fmt.Fprintf(os.Stderr, "tasks to idle sessions, detects completion from raw output, and\n")
		fmt.Fprintf(os.Stderr, "runs scripted maintenance on idle or token-heavy sessions.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if cfg.spawn > 0 && !cfg.usePty && os.Getenv("TMUX") == "" && !cfg.dryRun {
		fmt.Fprintln(os.Stderr, "error: -spawn requires running inside tmux (or pass -pty)")
		os.Exit(1)
	}

	return cfg
}

func run(cfg config) error {
	if cfg.verbose {
		log.Printf("config: state=%s tasks=%d panes=%v spawn=%d poll=%s min-duration=%s",
			cfg.statePath, len(cfg.tasks), cfg.panes, cfg.spawn, cfg.poll, cfg.minDuration)
	}

	st, err := store.Open(cfg.statePath, os.Stderr)
	if err != nil {
		return err
	}

	// The CLI flags are authoritative for this run; write them back so
	// the persisted config matches what actually ran. The session limit
	// has no flag and is honored from the store.
	sc := st.Config()
	sc.PollInterval = cfg.poll
	sc.DefaultTimeout = cfg.taskTimeout
	if err := st.SetConfig(sc); err != nil {
		return err
	}

	queue := task.NewQueue()
	queue.Restore(st.Tasks())
	for _, prompt := range cfg.tasks {
		queue.Add(task.Spec{Prompt: prompt, Timeout: cfg.taskTimeout})
	}

	if cfg.dryRun {
		fmt.Println("autopilot: dry-run mode, no sessions will be touched")
		fmt.Println(ui.TaskList(queue.List()))
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exporter, err := telemetry.NewExporter(ctx)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer exporter.Shutdown(context.Background())

	// The loop is built after the sessions, but session events need to
	// reach it; l is captured by the callbacks before it is set.
	var l *loop.Loop
	events := session.Events{
		Completion: func(id, phrase string) { l.HandleSessionCompletion(id, phrase) },
		Error:      func(id, msg string) { l.HandleSessionError(id, msg) },
		Stopped:    func(id string) { l.HandleSessionStopped(id) },
	}

	registry := session.NewRegistry(nil, func(s session.Session) {
		l.HandleSessionStopped(s.ID())
	})

	var polled []*session.TmuxSession
	var spawned []session.Session
	var controllers []*respawn.Controller
	var watchdogs []watchdog

	attach := func(sess agentSession, paneID string) {
		registry.Register(sess, paneID)

		if cfg.respawnOn {
			ctrl := respawn.New(sess.ID(), sess, respawn.Config{
				Enabled:     true,
				IdleTimeout: cfg.respawnIdle,
				SendUpdate:  true,
				SendClear:   true,
				SendInit:    true,
			}, respawn.Events{Log: verboseLog(cfg.verbose)}, nil)
			sess.Subscribe(ctrl.HandleOutput)
			ctrl.Start()
			controllers = append(controllers, ctrl)
		}

		if cfg.compactAt > 0 || cfg.clearAt > 0 {
			ops := autoops.New(sess.ID(), sess, autoops.Events{Log: verboseLog(cfg.verbose)}, nil)
			if cfg.compactAt > 0 {
				ops.SetAutoCompact(true, cfg.compactAt, cfg.compactPrompt)
			}
			if cfg.clearAt > 0 {
				ops.SetAutoClear(true, cfg.clearAt)
			}
			watchdogs = append(watchdogs, watchdog{sess: sess, ops: ops})
		}
	}

	if want := len(cfg.panes) + cfg.spawn; want > sc.MaxConcurrentSessions {
		fmt.Fprintf(os.Stderr, "autopilot: %d sessions requested, capping at the configured limit of %d\n",
			want, sc.MaxConcurrentSessions)
	}
	for i, paneID := range cfg.panes {
		if registry.Count() >= sc.MaxConcurrentSessions {
			break
		}
		ts := session.NewTmuxSession(fmt.Sprintf("pane-%d", i+1), paneID, events)
		attach(ts, ts.PaneID())
		polled = append(polled, ts)
	}
	for i := 0; i < cfg.spawn && registry.Count() < sc.MaxConcurrentSessions; i++ {
		id := fmt.Sprintf("agent-%d", i+1)
		if cfg.usePty {
			ps, err := session.StartPtySession(id, cfg.workdir, cfg.agent, nil, events)
			if err != nil {
				return err
			}
			attach(ps, "")
			spawned = append(spawned, ps)
			continue
		}
		ts, err := session.SpawnTmuxSession(id, cfg.workdir, cfg.agent, events)
		if err != nil {
			return err
		}
		attach(ts, ts.PaneID())
		polled = append(polled, ts)
		spawned = append(spawned, ts)
	}
	if registry.Count() == 0 {
		return fmt.Errorf("no sessions: pass -pane or -spawn")
	}

	obs := loop.NewMultiObserver(
		ui.NewPrinter(os.Stdout, cfg.verbose),
		exporter.Observer(),
	)
	l = loop.New(queue, registry, st, obs, loop.Config{
		MinDuration:  cfg.minDuration,
		AutoGenerate: cfg.autogen,
	}, nil)

	l.Start()
	runPollLoop(ctx, cfg.poll, l, polled, controllers, watchdogs, registry)

	for _, ctrl := range controllers {
		ctrl.Stop()
	}
	for _, w := range watchdogs {
		w.ops.Destroy()
	}
	for _, sess := range spawned {
		if err := sess.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "autopilot: %v\n", err)
		}
	}

	fmt.Println(ui.Summary(l.Stats()))
	return nil
}

// agentSession is the surface shared by the tmux and pty backends.
type agentSession interface {
	session.Session
	Subscribe(fn func(fragment string))
	Tokens() int
}

// watchdog pairs a session with its token-threshold watcher.
type watchdog struct {
	sess agentSession
	ops  *autoops.Ops
}

// runPollLoop drives everything on one cadence: capture session
// output, feed token counts to the watchdogs, advance the per-session
// state machines, then run a scheduler tick.
func runPollLoop(ctx context.Context, interval time.Duration, l *loop.Loop, polled []*session.TmuxSession, controllers []*respawn.Controller, watchdogs []watchdog, registry *session.Registry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return
		case <-ticker.C:
			now := time.Now()
			for _, sess := range polled {
				sess.Poll()
			}
			for _, w := range watchdogs {
				w.ops.RecordTokens(w.sess.Tokens())
				w.ops.Tick(now)
			}
			for _, ctrl := range controllers {
				ctrl.Tick(now)
			}
			if _, err := registry.Prune(); err != nil {
				fmt.Fprintf(os.Stderr, "autopilot: prune sessions: %v\n", err)
			}

			l.Tick(now)
			if l.Stats().Status == store.LoopStopped {
				return
			}
		}
	}
}

func verboseLog(verbose bool) func(string) {
	if !verbose {
		return nil
	}
	return func(msg string) { log.Print(msg) }
}

func main() {
	cfg := parseFlags()
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "autopilot: %v\n", err)
		os.Exit(1)
	}
}
