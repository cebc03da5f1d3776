package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"cadastral-batch/internal/geocore"
	"cadastral-batch/internal/logctx"
	"cadastral-batch/internal/model"
	"cadastral-batch/internal/progress"
)

const (
	DefaultResultSuffix    = "_resultados.zip"
	DefaultSizePlaceholder = "Procesado"
)

var (
	ErrNoProjects       = errors.New("no projects to process")
	ErrInvalidState     = errors.New("operation not allowed in current state")
	ErrUnknownProject   = errors.New("unknown project")
	ErrDuplicateProject = errors.New("duplicate project id")
)

// Submitter hands one project to the processing service and returns its job id.
type Submitter interface {
	Submit(ctx context.Context, p model.Project) (string, error)
}

// SyncProcessor processes one project in a single blocking request.
type SyncProcessor interface {
	ProcessSync(ctx context.Context, name string, content []byte) (geocore.SyncResult, error)
}

type Options struct {
	Submitter Submitter
	Source    progress.Source
	// Sync, when set, replaces Submitter and Source: each project is one
	// request with no incremental progress.
	Sync SyncProcessor

	// Concurrency above 1 processes projects in parallel; entries stay
	// attributable through LogEntry.ProjectID.
	Concurrency     int
	ResultSuffix    string
	SizePlaceholder string

	// Notify is called after every mutation, outside the orchestrator lock.
	// It must not call Reset synchronously.
	Notify func(Event)
	Logger *slog.Logger
	Now    func() time.Time
}

type EventKind string

const (
	EventState   EventKind = "state"
	EventProject EventKind = "project"
	EventLog     EventKind = "log"
)

type Event struct {
	Kind       EventKind
	Generation uint64
	State      model.AppState
	Project    model.Project
	Entry      model.LogEntry
}

type Totals struct {
	Projects   int `json:"projects"`
	References int `json:"references"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

type Snapshot struct {
	State      model.AppState   `json:"state"`
	Generation uint64           `json:"generation"`
	Projects   []model.Project  `json:"projects"`
	Logs       []model.LogEntry `json:"logs"`
	Totals     Totals           `json:"totals"`
}

// Orchestrator owns the batch: its projects, the shared log and the
// input -> processing -> results state machine.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	state      model.AppState
	projects   []model.Project
	logs       []model.LogEntry
	generation uint64
	sess       *session
	submitted  int
	resolved   int
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Sync == nil {
		if opts.Submitter == nil {
			return nil, fmt.Errorf("submitter is required")
		}
		if opts.Source == nil {
			return nil, fmt.Errorf("progress source is required")
		}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ResultSuffix == "" {
		opts.ResultSuffix = DefaultResultSuffix
	}
	if opts.SizePlaceholder == "" {
		opts.SizePlaceholder = DefaultSizePlaceholder
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		opts:   opts,
		logger: logger,
		state:  model.StateInput,
	}, nil
}

func (o *Orchestrator) State() model.AppState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Snapshot returns a deep copy of the orchestrator state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	projects := make([]model.Project, len(o.projects))
	for i, p := range o.projects {
		projects[i] = p.Clone()
	}
	return Snapshot{
		State:      o.state,
		Generation: o.generation,
		Projects:   projects,
		Logs:       slices.Clone(o.logs),
		Totals:     computeTotals(o.projects),
	}
}

func (o *Orchestrator) AddProjects(projects ...model.Project) error {
	o.mu.Lock()
	if o.state != model.StateInput {
		o.mu.Unlock()
		return fmt.Errorf("add projects in %s state: %w", o.state, ErrInvalidState)
	}
	seen := make(map[string]bool, len(o.projects)+len(projects))
	for _, p := range o.projects {
		seen[p.ID] = true
	}
	added := make([]model.Project, 0, len(projects))
	for _, p := range projects {
		if p.ID == "" {
			o.mu.Unlock()
			return fmt.Errorf("project %q has no id", p.Name)
		}
		if seen[p.ID] {
			o.mu.Unlock()
			return fmt.Errorf("%s: %w", p.ID, ErrDuplicateProject)
		}
		seen[p.ID] = true
		c := p.Clone()
		if c.Status == "" {
			if err := model.TransitionProjectStatus(&c, model.StatusPending, ""); err != nil {
				o.mu.Unlock()
				return err
			}
		}
		if c.Status != model.StatusPending {
			o.mu.Unlock()
			return fmt.Errorf("project %s is %s, expected %s", c.ID, c.Status, model.StatusPending)
		}
		added = append(added, c)
	}
	o.projects = append(o.projects, added...)
	gen := o.generation
	o.mu.Unlock()

	events := make([]Event, 0, len(added))
	for _, p := range added {
		events = append(events, Event{Kind: EventProject, Generation: gen, State: model.StateInput, Project: p.Clone()})
	}
	o.notify(events...)
	return nil
}

// RemoveProject drops one project before processing starts. The remaining
// projects keep their order and references.
func (o *Orchestrator) RemoveProject(id string) error {
	o.mu.Lock()
	if o.state != model.StateInput {
		o.mu.Unlock()
		return fmt.Errorf("remove project in %s state: %w", o.state, ErrInvalidState)
	}
	idx := slices.IndexFunc(o.projects, func(p model.Project) bool { return p.ID == id })
	if idx < 0 {
		o.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrUnknownProject)
	}
	o.projects = slices.Delete(o.projects, idx, idx+1)
	gen := o.generation
	o.mu.Unlock()

	o.notify(Event{Kind: EventState, Generation: gen, State: model.StateInput})
	return nil
}

// Start moves the batch into processing and returns immediately. Work runs
// in a new session bound to ctx; use Wait to block until results.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != model.StateInput {
		o.mu.Unlock()
		return fmt.Errorf("start in %s state: %w", o.state, ErrInvalidState)
	}
	if len(o.projects) == 0 {
		o.mu.Unlock()
		return ErrNoProjects
	}
	if err := model.TransitionState(&o.state, model.StateProcessing); err != nil {
		o.mu.Unlock()
		return err
	}
	o.generation++
	gen := o.generation
	o.logs = nil
	o.submitted = len(o.projects)
	o.resolved = 0

	logger := logctx.FromContext(ctx)
	if logger == slog.Default() {
		logger = o.logger
	}
	logger = logger.With("generation", gen)
	sessCtx, cancel := context.WithCancel(logctx.WithLogger(ctx, logger))
	sess := newSession(sessCtx, cancel, gen)
	o.sess = sess

	ids := make([]string, len(o.projects))
	for i, p := range o.projects {
		ids[i] = p.ID
	}
	o.mu.Unlock()

	logger.Info("batch started", "projects", len(ids), "concurrency", o.opts.Concurrency, "sync", o.opts.Sync != nil)
	o.notify(Event{Kind: EventState, Generation: gen, State: model.StateProcessing})

	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		o.run(sess, ids)
	}()
	return nil
}

// Wait blocks until the current session reaches results or is reset. It
// returns immediately when no session is running.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()
	if sess == nil {
		return nil
	}
	select {
	case <-sess.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset discards the current session from any state. Every subscription and
// timer of the session is closed before Reset returns.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	o.generation++
	sess := o.sess
	o.sess = nil
	o.mu.Unlock()

	if sess != nil {
		sess.cancel()
		sess.wg.Wait()
		sess.finish()
	}

	o.mu.Lock()
	if o.state != model.StateInput {
		if err := model.TransitionState(&o.state, model.StateInput); err != nil {
			o.state = model.StateInput
		}
	}
	o.projects = nil
	o.logs = nil
	o.submitted = 0
	o.resolved = 0
	gen := o.generation
	o.mu.Unlock()

	o.logger.Debug("batch reset", "generation", gen)
	o.notify(Event{Kind: EventState, Generation: gen, State: model.StateInput})
}

func (o *Orchestrator) notify(events ...Event) {
	if o.opts.Notify == nil {
		return
	}
	for _, ev := range events {
		o.opts.Notify(ev)
	}
}

func computeTotals(projects []model.Project) Totals {
	t := Totals{Projects: len(projects)}
	for _, p := range projects {
		t.References += len(p.References)
		switch p.Status {
		case model.StatusPending:
			t.Pending++
		case model.StatusProcessing:
			t.Processing++
		case model.StatusCompleted:
			t.Completed++
		case model.StatusError:
			t.Failed++
		}
	}
	return t
}
