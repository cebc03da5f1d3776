// Package sentinel recognizes structured events embedded in free-text
// progress messages emitted by the processing backend.
//
// Only success is content-detected. Failure is signaled by the transport
// (upload error, stream error, stream ending early), never by message text,
// so a message with severity "error" is still just progress.
package sentinel

import (
	"strings"

	"cadastral-batch/internal/model"
)

const (
	// SuccessPhrase marks the final message of a successful job.
	SuccessPhrase = "EXITOSAMENTE"
	// URLDelimiter precedes the result location inside the success message.
	URLDelimiter = "URL:"
)

type Result struct {
	Terminal  bool
	Success   bool
	ResultURL string
	HasURL    bool
}

func Parse(message string) Result {
	if !strings.Contains(message, SuccessPhrase) {
		return Result{}
	}
	res := Result{Terminal: true, Success: true}
	if _, after, ok := strings.Cut(message, URLDelimiter); ok {
		if u := strings.TrimSpace(after); u != "" {
			res.ResultURL = u
			res.HasURL = true
		}
	}
	return res
}

func ParseSeverity(raw string) model.Severity {
	switch model.Severity(strings.ToLower(strings.TrimSpace(raw))) {
	case model.SeveritySuccess:
		return model.SeveritySuccess
	case model.SeverityWarning:
		return model.SeverityWarning
	case model.SeverityError:
		return model.SeverityError
	default:
		return model.SeverityInfo
	}
}
