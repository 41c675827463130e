package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/slaclab/cpsw-tpg/internal/compiler"
	"github.com/slaclab/cpsw-tpg/internal/config"
	"github.com/slaclab/cpsw-tpg/internal/engine"
	"github.com/slaclab/cpsw-tpg/internal/ir"
	"github.com/slaclab/cpsw-tpg/internal/irq"
	"github.com/slaclab/cpsw-tpg/internal/sim"
	"github.com/slaclab/cpsw-tpg/internal/store"
	"github.com/slaclab/cpsw-tpg/internal/tpg"
)

// LoadOptions holds the flags shared by load, watch and serve.
type LoadOptions struct {
	*RootOptions
	Engine int    // target engine
	Start  string // program started through the manual slot
	Offset int    // start offset, -1 for the program's own start
	Sync   uint32 // start sync divisor
	DB     string // operation log database, overrides the config
}

func addLoadFlags(cmd *cobra.Command, opts *LoadOptions) {
	cmd.Flags().IntVar(&opts.Engine, "engine", 0, "engine to load the programs into")
	cmd.Flags().StringVar(&opts.Start, "start", "", "program to start (default: first loaded)")
	cmd.Flags().IntVar(&opts.Offset, "offset", -1, "start offset inside the program (default: its start)")
	cmd.Flags().Uint32Var(&opts.Sync, "sync", 0, "start sync divisor")
	cmd.Flags().StringVar(&opts.DB, "db", "", "SQLite database for the operation log")
}

// Checkpoint is one checkpoint notification seen by a session.
type Checkpoint struct {
	Program string `json:"program"`
	Label   string `json:"label"`
	Engine  int    `json:"engine"`
	Epoch   uint64 `json:"epoch"`
}

// LoadedSequence describes a program inserted into the target engine.
type LoadedSequence struct {
	Program string `json:"program"`
	ID      int    `json:"id"`
	Base    uint32 `json:"base"`
	Words   int    `json:"words"`
}

// session is a simulated TPG with programs loaded into one engine.
type session struct {
	cfg     *config.Config
	logger  *slog.Logger
	machine *sim.Machine
	group   *tpg.Group
	engine  *engine.Engine
	store   *store.Store
	log     *store.Log

	loaded  []LoadedSequence
	skipped []string
	started LoadedSequence

	notifyMu sync.Mutex
	notify   func(Checkpoint)

	closeOnce sync.Once
}

// openSession compiles the programs at path, builds a simulated TPG,
// inserts every program that fits the target engine and starts one of
// them. notify is called from the dispatcher goroutine for every
// checkpoint; it may be nil.
func openSession(ctx context.Context, opts *LoadOptions, path, label string, logOut io.Writer, notify func(Checkpoint)) (*session, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	if opts.DB != "" {
		cfg.Store.Path = opts.DB
	}
	s := &session{cfg: cfg, logger: opts.newLogger(cfg, logOut), notify: notify}

	groupCfg := cfg.TPG.Group()
	programs, records, err := LoadPrograms(path, compiler.NewEncoder(groupCfg.AddrBits))
	if err != nil {
		return nil, err
	}

	simOpts := []sim.Option{sim.WithLogger(s.logger)}
	if cfg.Sim.IntervalEvery > 0 {
		simOpts = append(simOpts, sim.WithIntervalEvery(cfg.Sim.IntervalEvery))
	}
	s.machine, err = sim.New(groupCfg.Layout(), simOpts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "building hardware model", err)
	}

	if cfg.Store.Path != "" {
		if err := s.openLog(ctx, records, label); err != nil {
			s.Close()
			return nil, err
		}
	}

	tpgOpts := []tpg.Option{
		tpg.WithLogger(s.logger),
		tpg.WithDispatcherOptions(
			irq.WithBackoff(cfg.Dispatcher.PollInterval),
			irq.WithMaxDrain(cfg.Dispatcher.MaxDrain),
		),
	}
	if s.log != nil {
		tpgOpts = append(tpgOpts, tpg.WithRecorder(s.log))
	}
	s.group, err = tpg.New(s.machine, groupCfg, tpgOpts...)
	if err != nil {
		s.Close()
		return nil, WrapExitError(ExitCommandError, "building tpg", err)
	}

	if err := s.load(programs, opts); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// openLog opens the database, stores the program library and registers a
// new session. The database is closed by atexit on a fatal exit.
func (s *session) openLog(ctx context.Context, records []ir.ProgramRecord, label string) error {
	st, err := store.Open(s.cfg.Store.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "opening database", err)
	}
	s.store = st
	atexit.Register(s.Close)

	for _, rec := range records {
		if err := st.WriteProgram(ctx, rec); err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("storing program %s", rec.Name), err)
		}
	}

	id := store.UUIDv7Generator{}.Generate()
	s.log, err = store.NewLog(ctx, st, id, label)
	if err != nil {
		return WrapExitError(ExitCommandError, "registering session", err)
	}
	s.logger.Info("operation log open", "path", s.cfg.Store.Path, "session", id)
	return nil
}

// load inserts programs into the target engine, points the manual slot at
// the start program and resets the engine.
func (s *session) load(programs []ir.Program, opts *LoadOptions) error {
	var err error
	s.engine, err = s.group.Engine(opts.Engine)
	if err != nil {
		return WrapExitError(ExitCommandError, "selecting engine", err)
	}

	starts := make(map[string]int)
	for _, p := range programs {
		if p.Kind != 0 && p.Kind != s.engine.Kind() {
			s.logger.Info("skipping program", "program", p.Name, "kind", p.Kind, "engine_kind", s.engine.Kind())
			s.skipped = append(s.skipped, p.Name)
			continue
		}
		id, err := s.engine.InsertSequence(s.withCallbacks(p))
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("inserting %s", p.Name), err)
		}
		seq, _ := s.engine.Sequence(id)
		s.loaded = append(s.loaded, LoadedSequence{Program: p.Name, ID: id, Base: seq.Base, Words: seq.Len()})
		starts[p.Name] = p.Start
	}
	if len(s.loaded) == 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("no program fits %s engine %d", s.engine.Kind(), opts.Engine))
	}

	start := s.loaded[0]
	if opts.Start != "" {
		found := false
		for _, l := range s.loaded {
			if l.Program == opts.Start {
				start, found = l, true
				break
			}
		}
		if !found {
			return NewExitError(ExitCommandError, fmt.Sprintf("start program %q not loaded", opts.Start))
		}
	}
	offset := opts.Offset
	if offset < 0 {
		offset = starts[start.Program]
	}

	if err := s.engine.SetAddress(start.ID, offset, opts.Sync); err != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("starting %s", start.Program), err)
	}
	if err := s.engine.Reset(); err != nil {
		return WrapExitError(ExitFailure, "resetting engine", err)
	}
	s.started = start
	return nil
}

// withCallbacks returns the instructions of p with a callback on every
// checkpoint that reports to the session's notify function.
func (s *session) withCallbacks(p ir.Program) []ir.Instruction {
	instrs := ir.Clone(p.Instructions)
	eng := s.engine.ID()
	for i, instr := range instrs {
		cp, ok := instr.(ir.Checkpoint)
		if !ok {
			continue
		}
		label := cp.Label
		if label == "" {
			label = fmt.Sprintf("%s[%d]", p.Name, i)
		}
		program := p.Name
		cp.Callback = func() {
			s.deliver(Checkpoint{Program: program, Label: label, Engine: eng, Epoch: s.machine.Epoch()})
		}
		instrs[i] = cp
	}
	return instrs
}

func (s *session) deliver(c Checkpoint) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if s.notify != nil {
		s.notify(c)
	}
}

// Session returns the operation log session, or "" without a database.
func (s *session) Session() string {
	if s.log == nil {
		return ""
	}
	return s.log.Session()
}

// drain polls the dispatcher until nothing is pending. Only valid while
// the dispatcher is not running.
func (s *session) drain() error {
	for i := 0; i < 16; i++ {
		active, err := s.group.Dispatcher().PollOnce()
		if err != nil {
			return err
		}
		if !active {
			return nil
		}
	}
	return nil
}

// Close stops the dispatcher and closes the database. Safe to call more
// than once.
func (s *session) Close() {
	s.closeOnce.Do(func() {
		if s.group != nil {
			s.group.Stop()
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				s.logger.Warn("failed to close database", "error", err)
			}
		}
	})
}

// commandContext returns the command's context, or Background when the
// command was not started through Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
