package generation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCatalog_Builtins(t *testing.T) {
	t.Parallel()

	catalog, err := LoadCatalog("")
	require.NoError(t, err)
	assert.Equal(t, []string{"glossary", "keypoints", "questions", "summary"}, catalog.IDs())

	templates, err := catalog.Resolve([]string{"summary", "keypoints"})
	require.NoError(t, err)
	require.Len(t, templates, 2)
	assert.Equal(t, "summary", templates[0].ID)
	assert.False(t, templates[0].WantsJSON())
	assert.True(t, templates[1].WantsJSON())

	prompt, err := templates[0].Render(PromptData{Text: "Go is a language.", Language: "en", WordCount: 4})
	require.NoError(t, err)
	assert.Contains(t, prompt, "Go is a language.")
	assert.Contains(t, prompt, "(en)")

	_, err = catalog.Resolve([]string{"summary", "haiku"})
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestLoadCatalog_Overrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "summary.tmpl"), []byte("TL;DR {{.Text}}"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "haiku.tmpl"), []byte("Haiku about {{.Text}}"), 0o600))

	catalog, err := LoadCatalog(dir)
	require.NoError(t, err)
	assert.Contains(t, catalog.IDs(), "haiku")

	templates, err := catalog.Resolve([]string{"summary"})
	require.NoError(t, err)
	prompt, err := templates[0].Render(PromptData{Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, "TL;DR x", prompt)
}

func TestLoadCatalog_BadSchema(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.tmpl"), []byte("{{.Text}}"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.schema.json"), []byte("{not json"), 0o600))

	_, err := LoadCatalog(dir)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadCatalog_MissingDir(t *testing.T) {
	t.Parallel()

	_, err := LoadCatalog(filepath.Join(t.TempDir(), "absent"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestTemplate_Validate(t *testing.T) {
	t.Parallel()

	catalog, err := LoadCatalog("")
	require.NoError(t, err)
	templates, err := catalog.Resolve([]string{"keypoints", "summary"})
	require.NoError(t, err)
	keypoints, summary := templates[0], templates[1]

	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"valid", `{"points": ["one", "two"]}`, false},
		{"fenced", "```json\n{\"points\": [\"one\"]}\n```", false},
		{"missing field", `{"items": []}`, true},
		{"wrong type", `{"points": "one"}`, true},
		{"not json", `Here are the points: one, two`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := keypoints.Validate(tt.content)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidResponse)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.NoError(t, summary.Validate("free text"), "templates without a schema accept anything")
}
