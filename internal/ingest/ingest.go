package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hashicorp/go-multierror"

	"cadastral-batch/internal/idgen"
	"cadastral-batch/internal/logctx"
	"cadastral-batch/internal/model"
)

var ErrUnsupportedFile = errors.New("unsupported file: expected plain text")

var reLineBreak = regexp.MustCompile(`\r?\n`)

// ParseReferences splits text into trimmed, non-blank lines in original order.
func ParseReferences(text string) []string {
	lines := reLineBreak.Split(text, -1)
	refs := make([]string, 0, len(lines))
	for _, line := range lines {
		v := strings.TrimSpace(line)
		if v == "" {
			continue
		}
		refs = append(refs, v)
	}
	return refs
}

func IsPlainText(name string, content []byte) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return false
	}
	byExt := mime.TypeByExtension(ext)
	if ext != ".txt" && !strings.HasPrefix(byExt, "text/plain") {
		return false
	}
	if bytes.IndexByte(content, 0) >= 0 {
		return false
	}
	return strings.HasPrefix(http.DetectContentType(content), "text/")
}

// FromBytes builds a pending project from an uploaded file.
func FromBytes(name string, content []byte) (model.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Project{}, fmt.Errorf("file name is required")
	}
	if !IsPlainText(name, content) {
		return model.Project{}, fmt.Errorf("%s: %w", name, ErrUnsupportedFile)
	}
	p := model.Project{
		ID:         idgen.ProjectID(),
		Name:       filepath.Base(name),
		SizeBytes:  int64(len(content)),
		References: ParseReferences(string(content)),
		Outputs:    []model.OutputFile{},
		Content:    append([]byte(nil), content...),
	}
	if err := model.TransitionProjectStatus(&p, model.StatusPending, ""); err != nil {
		return model.Project{}, err
	}
	return p, nil
}

func FromFile(path string) (model.Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Project{}, fmt.Errorf("read file %s: %w", path, err)
	}
	p, err := FromBytes(filepath.Base(path), data)
	if err != nil {
		return model.Project{}, err
	}
	p.SourcePath = path
	return p, nil
}

// FromFiles ingests every path independently. Files that fail are logged and
// skipped; the returned error aggregates them and never discards the
// projects that were ingested.
func FromFiles(ctx context.Context, paths ...string) ([]model.Project, error) {
	logger := logctx.FromContext(ctx)
	projects := make([]model.Project, 0, len(paths))
	var result *multierror.Error
	for _, path := range paths {
		p, err := FromFile(path)
		if err != nil {
			logger.Warn("skipping file", "path", path, "err", err)
			result = multierror.Append(result, err)
			continue
		}
		logger.Debug("ingested file", "path", path, "project", p.ID, "references", len(p.References))
		projects = append(projects, p)
	}
	return projects, result.ErrorOrNil()
}

func TotalReferences(projects []model.Project) int {
	total := 0
	for _, p := range projects {
		total += len(p.References)
	}
	return total
}
