package sentinel

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"cadastral-batch/internal/model"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name    string
		message string
		want    Result
	}{
		{
			name:    "success with url",
			message: "[lote.txt] PROCESO COMPLETADO EXITOSAMENTE. URL:/api/download/abc123",
			want:    Result{Terminal: true, Success: true, ResultURL: "/api/download/abc123", HasURL: true},
		},
		{
			name:    "url is trimmed",
			message: "EXITOSAMENTE URL:   http://h/api/download/t1  \n",
			want:    Result{Terminal: true, Success: true, ResultURL: "http://h/api/download/t1", HasURL: true},
		},
		{
			name:    "success without url",
			message: "PROCESO COMPLETADO EXITOSAMENTE.",
			want:    Result{Terminal: true, Success: true},
		},
		{
			name:    "empty url after delimiter",
			message: "PROCESO COMPLETADO EXITOSAMENTE. URL:   ",
			want:    Result{Terminal: true, Success: true},
		},
		{
			name:    "url without success is ignored",
			message: "Subiendo a URL:/api/download/partial",
			want:    Result{},
		},
		{
			name:    "error severity text is not terminal",
			message: "Fallo en la referencia 123.",
			want:    Result{},
		},
		{
			name:    "lowercase phrase does not match",
			message: "completado exitosamente",
			want:    Result{},
		},
		{
			name:    "everything after first delimiter",
			message: "EXITOSAMENTE URL:/a URL:/b",
			want:    Result{Terminal: true, Success: true, ResultURL: "/a URL:/b", HasURL: true},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Parse(tc.message))
		})
	}
}

func TestParseIsIdempotent(t *testing.T) {
	messages := []string{
		"...EXITOSAMENTE...URL:/api/download/abc123",
		"Conectando con Servicio WFS Catastro...",
		"",
	}
	for _, m := range messages {
		first := Parse(m)
		for i := 0; i < 3; i++ {
			assert.Equal(t, first, Parse(m), "message %q", m)
		}
	}
}

func TestParseDottedMessage(t *testing.T) {
	got := Parse("...EXITOSAMENTE...URL:/api/download/abc123")
	assert.True(t, got.Success)
	assert.True(t, got.Terminal)
	assert.Equal(t, "/api/download/abc123", got.ResultURL)
}

func TestParseSeverity(t *testing.T) {
	assert.Equal(t, model.SeveritySuccess, ParseSeverity("success"))
	assert.Equal(t, model.SeverityWarning, ParseSeverity(" WARNING "))
	assert.Equal(t, model.SeverityError, ParseSeverity("error"))
	assert.Equal(t, model.SeverityInfo, ParseSeverity("info"))
	assert.Equal(t, model.SeverityInfo, ParseSeverity("debug"))
	assert.Equal(t, model.SeverityInfo, ParseSeverity(""))
}
