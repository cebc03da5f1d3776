package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/samber/lo"

	"cadastral-batch/internal/batch"
	"cadastral-batch/internal/config"
	"cadastral-batch/internal/logctx"
	"cadastral-batch/internal/model"
	"cadastral-batch/internal/runstore"
)

type batchReport struct {
	GeneratedAt string           `json:"generated_at"`
	Mode        string           `json:"mode"`
	BaseURL     string           `json:"base_url,omitempty"`
	State       model.AppState   `json:"state"`
	Totals      batch.Totals     `json:"totals"`
	Projects    []model.Project  `json:"projects"`
	Logs        []model.LogEntry `json:"logs"`
	Downloads   []downloadResult `json:"downloads,omitempty"`
}

type downloadResult struct {
	Project string `json:"project"`
	TaskID  string `json:"task_id"`
	Path    string `json:"path,omitempty"`
	Bytes   int64  `json:"bytes"`
	Error   string `json:"error,omitempty"`
}

func newBatchReport(cfg config.Config, snap batch.Snapshot, now time.Time) batchReport {
	r := batchReport{
		GeneratedAt: now.UTC().Format(time.RFC3339),
		Mode:        cfg.Mode,
		State:       snap.State,
		Totals:      snap.Totals,
		Projects:    snap.Projects,
		Logs:        snap.Logs,
	}
	if cfg.Mode != config.ModeOffline {
		r.BaseURL = cfg.BaseURL
	}
	return r
}

// downloader is the part of the backend client used to fetch result archives.
type downloader interface {
	DownloadURL(ctx context.Context, ref string, w io.Writer) (int64, error)
}

// downloadOutputs fetches every output that carries a result URL into dir.
// Failures are recorded per file and do not stop the remaining downloads.
func downloadOutputs(ctx context.Context, dl downloader, projects []model.Project, dir string) []downloadResult {
	logger := logctx.FromContext(ctx)
	completed := lo.Filter(projects, func(p model.Project, _ int) bool {
		return p.Status == model.StatusCompleted
	})
	results := make([]downloadResult, 0, len(completed))
	for _, p := range completed {
		for _, out := range p.Outputs {
			res := downloadResult{Project: p.Name, TaskID: out.TaskID()}
			if out.ResultURL == "" {
				res.Error = "no result url"
				results = append(results, res)
				continue
			}
			target := filepath.Join(dir, runstore.SafeFileName(out.Name))
			n, err := runstore.WriteStream(target, func(w io.Writer) (int64, error) {
				return dl.DownloadURL(ctx, out.ResultURL, w)
			})
			res.Bytes = n
			if err != nil {
				logger.Warn("download failed", "project", p.Name, "url", out.ResultURL, "err", err)
				res.Error = err.Error()
			} else {
				res.Path = target
			}
			results = append(results, res)
		}
	}
	return results
}

var (
	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tableCellStyle   = lipgloss.NewStyle().Padding(0, 1)
	tableOKStyle     = tableCellStyle.Foreground(lipgloss.Color("42"))
	tableFailStyle   = tableCellStyle.Foreground(lipgloss.Color("203"))
)

func statusLabel(p model.Project) string {
	switch p.Status {
	case model.StatusCompleted:
		return "OK"
	case model.StatusError:
		return "ERROR"
	default:
		return p.Status
	}
}

// resultsTable renders one row per project with its output archive.
func resultsTable(projects []model.Project) string {
	rows := lo.Map(projects, func(p model.Project, _ int) []string {
		output, size, link := "-", "-", "-"
		if len(p.Outputs) > 0 {
			out := p.Outputs[0]
			output = out.Name
			size = out.SizeLabel
			link = defaultIfEmpty(out.ResultURL, "-")
		} else if p.Error != "" {
			output = truncateRunes(p.Error, 48)
		}
		return []string{p.Name, fmt.Sprintf("%d", len(p.References)), statusLabel(p), output, size, link}
	})

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("PROJECT", "REFS", "STATUS", "OUTPUT", "SIZE", "URL").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			if col == 2 && row >= 0 && row < len(projects) {
				switch projects[row].Status {
				case model.StatusCompleted:
					return tableOKStyle
				case model.StatusError:
					return tableFailStyle
				}
			}
			return tableCellStyle
		})
	return t.Render()
}

func totalsLine(t batch.Totals) string {
	return fmt.Sprintf("projects %d | references %d | completed %d | failed %d", t.Projects, t.References, t.Completed, t.Failed)
}
