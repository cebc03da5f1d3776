package progress

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"cadastral-batch/internal/idgen"
	"cadastral-batch/internal/logctx"
	"cadastral-batch/internal/model"
	"cadastral-batch/internal/sentinel"
)

var ErrSimulatedFailure = errors.New("simulated transport failure")

// Step is one scripted emission. Delay is measured from the previous step.
// Message may use the placeholders {project}, {refs} and {job}.
type Step struct {
	Delay    time.Duration  `yaml:"delay"`
	Message  string         `yaml:"message"`
	Severity model.Severity `yaml:"type"`
	// Fail ends the job with a transport error instead of emitting.
	Fail bool `yaml:"fail,omitempty"`
}

type Script []Step

// DefaultScript reproduces the backend's usual sequence for one project.
func DefaultScript() Script {
	return Script{
		{Delay: 500 * time.Millisecond, Message: "--- INICIANDO PROYECTO: {project} ---", Severity: model.SeverityInfo},
		{Delay: 800 * time.Millisecond, Message: "[{project}] Leyendo {refs} referencias catastrales.", Severity: model.SeverityInfo},
		{Delay: 1000 * time.Millisecond, Message: "[{project}] Conectando con Servicio WFS Catastro...", Severity: model.SeverityWarning},
		{Delay: 1500 * time.Millisecond, Message: "[{project}] Generando geometrías GML y reproyectando a ETRS89.", Severity: model.SeverityInfo},
		{Delay: 1200 * time.Millisecond, Message: "[{project}] Clasificando archivos por tipo (GML/XLSX/JSON)...", Severity: model.SeverityInfo},
		{Delay: 800 * time.Millisecond, Message: "[{project}] Empaquetando resultados en archivo ZIP.", Severity: model.SeveritySuccess},
		{Delay: 800 * time.Millisecond, Message: "[{project}] PROCESO COMPLETADO EXITOSAMENTE. URL:/api/download/{job}", Severity: model.SeveritySuccess},
	}
}

func (s Script) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("script has no steps")
	}
	for i, step := range s {
		if step.Delay < 0 {
			return fmt.Errorf("step %d: negative delay %s", i+1, step.Delay)
		}
		if !step.Fail && strings.TrimSpace(step.Message) == "" {
			return fmt.Errorf("step %d: message is required", i+1)
		}
	}
	return nil
}

// LoadScript reads a YAML list of steps, e.g.
//
//   - delay: 800ms
//     message: "[{project}] Leyendo {refs} referencias catastrales."
//     type: info
func LoadScript(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script %s: %w", path, err)
	}
	var script Script
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("parse script %s: %w", path, err)
	}
	for i := range script {
		script[i].Severity = sentinel.ParseSeverity(string(script[i].Severity))
	}
	if err := script.Validate(); err != nil {
		return nil, fmt.Errorf("script %s: %w", path, err)
	}
	return script, nil
}

type offlineJob struct {
	name string
	refs int
}

// OfflineSource runs a local script per job in place of the backend. It is
// also the submitter for that mode: Submit only registers the project.
type OfflineSource struct {
	script Script
	scale  float64
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]offlineJob
	reg  registry
}

// NewOfflineSource compresses or stretches every delay by scale; scale <= 0
// means 1.
func NewOfflineSource(script Script, scale float64) *OfflineSource {
	if len(script) == 0 {
		script = DefaultScript()
	}
	if scale <= 0 {
		scale = 1
	}
	return &OfflineSource{
		script: append(Script(nil), script...),
		scale:  scale,
		now:    time.Now,
		jobs:   make(map[string]offlineJob),
	}
}

func (s *OfflineSource) Submit(ctx context.Context, p model.Project) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	jobID := idgen.OfflineJobID()
	s.mu.Lock()
	s.jobs[jobID] = offlineJob{name: p.Name, refs: len(p.References)}
	s.mu.Unlock()
	logctx.FromContext(ctx).Debug("registered offline job", "project", p.ID, "job_id", jobID)
	return jobID, nil
}

func (s *OfflineSource) Subscribe(ctx context.Context, jobID string) (Subscription, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		job = offlineJob{name: jobID}
	}
	expand := strings.NewReplacer(
		"{project}", job.name,
		"{refs}", strconv.Itoa(job.refs),
		"{job}", jobID,
	)

	return s.reg.start(ctx, jobID, func(ctx context.Context, emit func(Event) bool) error {
		start := s.now()
		var offset time.Duration
		for _, step := range s.script {
			offset += time.Duration(float64(step.Delay) / s.scale)
			timer := time.NewTimer(time.Until(start.Add(offset)))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}

			if step.Fail {
				return fmt.Errorf("job %s: %w", jobID, ErrSimulatedFailure)
			}
			msg := expand.Replace(step.Message)
			ev := Event{
				Entry: model.LogEntry{
					ID:        idgen.EntryID(),
					Timestamp: s.now().Format("15:04:05"),
					Message:   msg,
					Severity:  step.Severity,
				},
				Signal: sentinel.Parse(msg),
			}
			if !emit(ev) {
				return ctx.Err()
			}
			if ev.Signal.Success {
				return nil
			}
		}
		return ErrStreamEnded
	})
}
