package generation

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"text/template"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed templates/*.tmpl templates/*.schema.json
var builtinTemplates embed.FS

const (
	templateExt = ".tmpl"
	schemaExt   = ".schema.json"
)

// PromptData is the value templates are executed with.
type PromptData struct {
	Text      string
	Language  string
	WordCount int
}

// Template is one prompt in the catalog. A template with an OutputSchema
// expects a JSON response that validates against it.
type Template struct {
	ID           string
	body         *template.Template
	outputSchema *jsonschema.Schema
}

// Render executes the template body with data.
func (t Template) Render(data PromptData) (string, error) {
	var buf bytes.Buffer
	if err := t.body.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", t.ID, err)
	}
	return buf.String(), nil
}

// WantsJSON reports whether the template declares an output schema.
func (t Template) WantsJSON() bool {
	return t.outputSchema != nil
}

// Validate checks content against the output schema, if any.
func (t Template) Validate(content string) error {
	if t.outputSchema == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &v); err != nil {
		return fmt.Errorf("%w: %s: not JSON: %v", ErrInvalidResponse, t.ID, err)
	}
	if err := t.outputSchema.Validate(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, t.ID, err)
	}
	return nil
}

// NewTemplate parses a template body and optional JSON schema.
func NewTemplate(id, body string, schema []byte) (Template, error) {
	tmpl, err := template.New(id).Option("missingkey=error").Parse(body)
	if err != nil {
		return Template{}, fmt.Errorf("%w: parse template %s: %v", ErrInvalidConfig, id, err)
	}
	t := Template{ID: id, body: tmpl}
	if len(schema) == 0 {
		return t, nil
	}

	compiler := jsonschema.NewCompiler()
	url := id + schemaExt
	if err := compiler.AddResource(url, bytes.NewReader(schema)); err != nil {
		return Template{}, fmt.Errorf("%w: add schema %s: %v", ErrInvalidConfig, id, err)
	}
	t.outputSchema, err = compiler.Compile(url)
	if err != nil {
		return Template{}, fmt.Errorf("%w: compile schema %s: %v", ErrInvalidConfig, id, err)
	}
	return t, nil
}

// Catalog holds the templates jobs may request.
type Catalog struct {
	templates map[string]Template
}

// LoadCatalog loads the built-in templates and then any overrides or
// additions from dir. An empty dir loads only the built-ins.
func LoadCatalog(dir string) (*Catalog, error) {
	c := &Catalog{templates: make(map[string]Template)}

	builtin, err := fs.Sub(builtinTemplates, "templates")
	if err != nil {
		return nil, err
	}
	if err := c.load(builtin); err != nil {
		return nil, err
	}

	if dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("load templates from %s: %w", dir, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("load templates from %s: not a directory", dir)
		}
		if err := c.load(os.DirFS(dir)); err != nil {
			return nil, fmt.Errorf("load templates from %s: %w", dir, err)
		}
	}
	return c, nil
}

func (c *Catalog) load(fsys fs.FS) error {
	names, err := fs.Glob(fsys, "*"+templateExt)
	if err != nil {
		return err
	}
	for _, name := range names {
		id := strings.TrimSuffix(path.Base(name), templateExt)

		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return err
		}
		schema, err := fs.ReadFile(fsys, id+schemaExt)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		t, err := NewTemplate(id, string(body), schema)
		if err != nil {
			return err
		}
		c.templates[id] = t
	}
	return nil
}

// Resolve returns the templates for ids in the same order.
func (c *Catalog) Resolve(ids []string) ([]Template, error) {
	out := make([]Template, 0, len(ids))
	for _, id := range ids {
		t, ok := c.templates[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, id)
		}
		out = append(out, t)
	}
	return out, nil
}

// IDs lists the catalog's template IDs in sorted order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.templates))
	for id := range c.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// stripCodeFence removes a surrounding markdown code fence.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
