package model

import "testing"

func TestTaskIDFromURL(t *testing.T) {
	cases := map[string]string{
		"/api/download/abc123":                     "abc123",
		"http://localhost:8000/api/download/xyz/":  "xyz",
		"https://geo.example/api/download/t-1?x=1": "t-1",
		"":    "",
		"   ": "",
		"/":   "",
	}
	for in, want := range cases {
		if got := TaskIDFromURL(in); got != want {
			t.Fatalf("TaskIDFromURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestProjectCloneDoesNotAlias(t *testing.T) {
	p := Project{
		ID:         "p",
		References: []string{"a", "b"},
		Outputs:    []OutputFile{{Name: "x.zip"}},
		Content:    []byte("a\nb\n"),
	}
	c := p.Clone()
	c.References[0] = "changed"
	c.Outputs[0].Name = "changed"
	c.Content[0] = 'z'
	if p.References[0] != "a" || p.Outputs[0].Name != "x.zip" || p.Content[0] != 'a' {
		t.Fatalf("clone aliases original: %+v", p)
	}
}
