package model

import (
	"net/url"
	"path"
	"strings"
)

// AppState is the single global application state of a batch session.
type AppState string

const (
	StateInput      AppState = "input"
	StateProcessing AppState = "processing"
	StateResults    AppState = "results"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// OutputKind mirrors the wire names used by the backend.
type OutputKind string

const (
	KindArchive    OutputKind = "zip"
	KindGeometry   OutputKind = "gml"
	KindTabular    OutputKind = "xlsx"
	KindStructured OutputKind = "json"
)

type Project struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	SourcePath string       `json:"source_path,omitempty"`
	SizeBytes  int64        `json:"size_bytes"`
	References []string     `json:"references"`
	Status     string       `json:"status"`
	JobID      string       `json:"job_id,omitempty"`
	Error      string       `json:"error,omitempty"`
	Outputs    []OutputFile `json:"outputs"`

	// Content is the original upload body, re-sent verbatim on submission.
	Content []byte `json:"-"`
}

type OutputFile struct {
	Name      string     `json:"name"`
	Kind      OutputKind `json:"type"`
	SizeLabel string     `json:"size"`
	ResultURL string     `json:"download_url,omitempty"`
}

// TaskID recovers the job identifier from the final path segment of ResultURL.
func (o OutputFile) TaskID() string {
	return TaskIDFromURL(o.ResultURL)
}

type LogEntry struct {
	ID        string   `json:"id"`
	Timestamp string   `json:"timestamp"`
	Message   string   `json:"message"`
	Severity  Severity `json:"type"`
	ProjectID string   `json:"project_id,omitempty"`
}

func TaskIDFromURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}
	p = strings.TrimRight(p, "/")
	if p == "" {
		return ""
	}
	base := path.Base(p)
	if base == "." || base == "/" {
		return ""
	}
	return base
}

// Clone returns a deep copy so snapshots never alias orchestrator state.
func (p Project) Clone() Project {
	out := p
	out.References = append([]string(nil), p.References...)
	out.Outputs = append([]OutputFile(nil), p.Outputs...)
	if p.Content != nil {
		out.Content = append([]byte(nil), p.Content...)
	}
	return out
}

func (p Project) IsTerminal() bool {
	return IsTerminalStatus(p.Status)
}
