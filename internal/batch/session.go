package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"cadastral-batch/internal/idgen"
	"cadastral-batch/internal/logctx"
	"cadastral-batch/internal/model"
	"cadastral-batch/internal/progress"
	"cadastral-batch/internal/sentinel"
)

// session is one processing run. Mutations carrying a generation other than
// the orchestrator's current one are dropped.
type session struct {
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	done       chan struct{}
	doneOnce   sync.Once
}

func newSession(ctx context.Context, cancel context.CancelFunc, gen uint64) *session {
	return &session{generation: gen, ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

func (s *session) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (o *Orchestrator) run(sess *session, ids []string) {
	if o.opts.Concurrency <= 1 {
		for _, id := range ids {
			o.processProject(sess, id)
		}
		return
	}
	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			o.processProject(sess, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) processProject(sess *session, id string) {
	ctx := sess.ctx
	if err := ctx.Err(); err != nil {
		o.fail(sess, id, fmt.Errorf("batch interrupted: %w", err))
		return
	}
	p, ok := o.markProcessing(sess, id)
	if !ok {
		return
	}
	logger := logctx.FromContext(ctx).With("project", p.ID, "name", p.Name)
	ctx = logctx.WithLogger(ctx, logger)

	if o.opts.Sync != nil {
		o.processSync(ctx, sess, p)
		return
	}

	jobID, err := o.opts.Submitter.Submit(ctx, p)
	if err != nil {
		logger.Warn("upload failed", "err", err)
		o.fail(sess, id, fmt.Errorf("upload failed: %w", err))
		return
	}
	if !o.setJobID(sess, id, jobID) {
		return
	}
	logger = logger.With("job_id", jobID)

	sub, err := o.opts.Source.Subscribe(ctx, jobID)
	if err != nil {
		logger.Warn("subscribe failed", "err", err)
		o.fail(sess, id, fmt.Errorf("progress stream failed: %w", err))
		return
	}
	defer sub.Close()

	completed := false
	for ev := range sub.Events() {
		if !o.appendLog(sess, id, ev.Entry) {
			return
		}
		if ev.Signal.Success {
			completed = o.complete(sess, id, ev.Signal, "")
		}
	}
	if completed {
		return
	}
	err = sub.Err()
	if err == nil {
		err = progress.ErrStreamEnded
	}
	if errors.Is(err, progress.ErrClosed) && ctx.Err() != nil {
		err = fmt.Errorf("batch interrupted: %w", ctx.Err())
	}
	logger.Warn("progress stream failed", "err", err)
	o.fail(sess, id, fmt.Errorf("progress stream failed: %w", err))
}

func (o *Orchestrator) processSync(ctx context.Context, sess *session, p model.Project) {
	logger := logctx.FromContext(ctx)
	res, err := o.opts.Sync.ProcessSync(ctx, p.Name, p.Content)
	if err != nil {
		logger.Warn("sync processing failed", "err", err)
		o.fail(sess, p.ID, fmt.Errorf("processing request failed: %w", err))
		return
	}
	if !res.Success || strings.TrimSpace(res.DownloadURL) == "" {
		reason := strings.TrimSpace(res.Error)
		if reason == "" {
			reason = "backend reported no result"
		}
		o.fail(sess, p.ID, errors.New(reason))
		return
	}
	signal := sentinel.Result{Terminal: true, Success: true, ResultURL: strings.TrimSpace(res.DownloadURL), HasURL: true}
	o.complete(sess, p.ID, signal, strings.TrimSpace(res.FileSize))
}

// current reports whether sess is still the live session. Callers hold o.mu.
func (o *Orchestrator) current(sess *session) bool {
	return o.generation == sess.generation && o.sess == sess
}

func (o *Orchestrator) findLocked(id string) *model.Project {
	for i := range o.projects {
		if o.projects[i].ID == id {
			return &o.projects[i]
		}
	}
	return nil
}

func (o *Orchestrator) markProcessing(sess *session, id string) (model.Project, bool) {
	o.mu.Lock()
	if !o.current(sess) {
		o.mu.Unlock()
		return model.Project{}, false
	}
	p := o.findLocked(id)
	if p == nil {
		o.mu.Unlock()
		return model.Project{}, false
	}
	if err := model.TransitionProjectStatus(p, model.StatusProcessing, ""); err != nil {
		o.mu.Unlock()
		o.logger.Error("invalid project transition", "project", id, "err", err)
		return model.Project{}, false
	}
	out := p.Clone()
	o.mu.Unlock()

	o.notify(Event{Kind: EventProject, Generation: sess.generation, State: model.StateProcessing, Project: out.Clone()})
	return out, true
}

func (o *Orchestrator) setJobID(sess *session, id, jobID string) bool {
	o.mu.Lock()
	if !o.current(sess) {
		o.mu.Unlock()
		return false
	}
	p := o.findLocked(id)
	if p == nil {
		o.mu.Unlock()
		return false
	}
	p.JobID = jobID
	out := p.Clone()
	o.mu.Unlock()

	o.notify(Event{Kind: EventProject, Generation: sess.generation, State: model.StateProcessing, Project: out})
	return true
}

func (o *Orchestrator) appendLog(sess *session, id string, entry model.LogEntry) bool {
	o.mu.Lock()
	if !o.current(sess) {
		o.mu.Unlock()
		return false
	}
	entry.ProjectID = id
	if entry.ID == "" {
		entry.ID = idgen.EntryID()
	}
	if entry.Timestamp == "" {
		entry.Timestamp = o.opts.Now().Format("15:04:05")
	}
	if entry.Severity == "" {
		entry.Severity = model.SeverityInfo
	}
	o.logs = append(o.logs, entry)
	state := o.state
	o.mu.Unlock()

	o.notify(Event{Kind: EventLog, Generation: sess.generation, State: state, Entry: entry})
	return true
}

func (o *Orchestrator) complete(sess *session, id string, signal sentinel.Result, sizeLabel string) bool {
	o.mu.Lock()
	if !o.current(sess) {
		o.mu.Unlock()
		return false
	}
	p := o.findLocked(id)
	if p == nil || p.IsTerminal() {
		o.mu.Unlock()
		return false
	}
	if err := model.TransitionProjectStatus(p, model.StatusCompleted, ""); err != nil {
		o.mu.Unlock()
		o.logger.Error("invalid project transition", "project", id, "err", err)
		return false
	}
	if sizeLabel == "" {
		sizeLabel = o.opts.SizePlaceholder
	}
	out := model.OutputFile{
		Name:      ResultFileName(p.Name, o.opts.ResultSuffix),
		Kind:      model.KindArchive,
		SizeLabel: sizeLabel,
	}
	if signal.HasURL {
		out.ResultURL = signal.ResultURL
	}
	p.Outputs = []model.OutputFile{out}
	project := p.Clone()
	events := []Event{{Kind: EventProject, Generation: sess.generation, State: o.state, Project: project}}
	events = append(events, o.resolveLocked(sess)...)
	o.mu.Unlock()

	o.logger.Info("project completed", "project", id, "generation", sess.generation, "has_url", signal.HasURL)
	o.notify(events...)
	return true
}

// fail marks the project as error and appends one client-side error entry.
func (o *Orchestrator) fail(sess *session, id string, cause error) {
	o.mu.Lock()
	if !o.current(sess) {
		o.mu.Unlock()
		return
	}
	p := o.findLocked(id)
	if p == nil || p.IsTerminal() {
		o.mu.Unlock()
		return
	}
	if err := model.TransitionProjectStatus(p, model.StatusError, cause.Error()); err != nil {
		o.mu.Unlock()
		o.logger.Error("invalid project transition", "project", id, "err", err)
		return
	}
	p.Outputs = []model.OutputFile{}
	entry := model.LogEntry{
		ID:        idgen.EntryID(),
		Timestamp: o.opts.Now().Format("15:04:05"),
		Message:   fmt.Sprintf("[%s] Error: %s", p.Name, cause.Error()),
		Severity:  model.SeverityError,
		ProjectID: id,
	}
	o.logs = append(o.logs, entry)
	project := p.Clone()
	events := []Event{
		{Kind: EventLog, Generation: sess.generation, State: o.state, Entry: entry},
		{Kind: EventProject, Generation: sess.generation, State: o.state, Project: project},
	}
	events = append(events, o.resolveLocked(sess)...)
	o.mu.Unlock()

	o.logger.Warn("project failed", "project", id, "generation", sess.generation, "err", cause)
	o.notify(events...)
}

// resolveLocked counts one more resolved project and moves to results once
// every submitted project is resolved.
func (o *Orchestrator) resolveLocked(sess *session) []Event {
	o.resolved++
	if o.resolved != o.submitted {
		return nil
	}
	if err := model.TransitionState(&o.state, model.StateResults); err != nil {
		o.logger.Error("invalid state transition", "err", err)
		return nil
	}
	sess.finish()
	o.logger.Info("batch finished", "generation", sess.generation, "projects", o.submitted)
	return []Event{{Kind: EventState, Generation: sess.generation, State: model.StateResults}}
}

// ResultFileName derives the archive name from the uploaded file name.
func ResultFileName(name, suffix string) string {
	if suffix == "" {
		suffix = DefaultResultSuffix
	}
	base := strings.TrimSuffix(name, filepath.Ext(name))
	return base + suffix
}
