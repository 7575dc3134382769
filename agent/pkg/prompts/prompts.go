package prompts

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// Prompts contains all the agent prompts loaded from embedded files.
type Prompts struct {
	System        string
	NoFabrication string

	Intent      *template.Template
	Generate    *template.Template
	Validate    *template.Template
	Refine      *template.Template
	JoinSuggest *template.Template
}

type IntentData struct {
	Summary      string
	Knowledge    string
	FieldValues  string
	Query        string
	ErrorContext string
}

type GenerateData struct {
	Summary      string
	Knowledge    string
	Intent       string
	FieldValues  string
	Query        string
	Bindings     []string
	Functions    []string
	PreviousPlan string
	ErrorContext string
}

type ValidateData struct {
	Columns     string
	Query       string
	FieldValues string
}

type RefineData struct {
	Query  string
	Plan   string
	Result string
}

type JoinSuggestData struct {
	Left  string
	Right string
}

// Load loads all prompts from the embedded filesystem.
func Load() (*Prompts, error) {
	p := &Prompts{}

	var err error
	if p.System, err = loadPrompt("SYSTEM.md"); err != nil {
		return nil, fmt.Errorf("failed to load SYSTEM: %w", err)
	}
	if p.NoFabrication, err = loadPrompt("NO_FABRICATION.md"); err != nil {
		return nil, fmt.Errorf("failed to load NO_FABRICATION: %w", err)
	}
	if p.Intent, err = loadTemplate("INTENT.md"); err != nil {
		return nil, fmt.Errorf("failed to load INTENT: %w", err)
	}
	if p.Generate, err = loadTemplate("GENERATE.md"); err != nil {
		return nil, fmt.Errorf("failed to load GENERATE: %w", err)
	}
	if p.Validate, err = loadTemplate("VALIDATE.md"); err != nil {
		return nil, fmt.Errorf("failed to load VALIDATE: %w", err)
	}
	if p.Refine, err = loadTemplate("REFINE.md"); err != nil {
		return nil, fmt.Errorf("failed to load REFINE: %w", err)
	}
	if p.JoinSuggest, err = loadTemplate("JOIN_SUGGEST.md"); err != nil {
		return nil, fmt.Errorf("failed to load JOIN_SUGGEST: %w", err)
	}
	return p, nil
}

// Render executes a prompt template.
func Render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", t.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func loadPrompt(path string) (string, error) {
	data, err := PromptsFS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func loadTemplate(path string) (*template.Template, error) {
	text, err := loadPrompt(path)
	if err != nil {
		return nil, err
	}
	t, err := template.New(path).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return t, nil
}
