package eval

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/rageval/internal/rag"
)

const goldJSON = `[
  {
    "category": "laptops",
    "prompts": ["best gaming laptop?", "battery life of the XPS 13?"],
    "gold_set": ["id-1", ["id-2", "id-3"]],
    "gold_files": [["dell.pdf"], "xps13.pdf"]
  },
  {
    "prompts": ["which camera has IBIS?"],
    "gold_set": [["id-9"]],
    "gold_files": [["a7iv.pdf", "r6.pdf"]]
  }
]`

func TestParseDatasetJSON(t *testing.T) {
	ds, err := ParseDataset([]byte(goldJSON), "json")
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())

	cases := ds.Cases()
	require.Len(t, cases, 3)
	assert.Equal(t, Case{Index: 0, Category: 0, Prompt: "best gaming laptop?", GoldChunks: []string{"id-1"}, GoldFiles: []string{"dell.pdf"}}, cases[0])
	assert.Equal(t, []string{"id-2", "id-3"}, cases[1].GoldChunks)
	assert.Equal(t, []string{"xps13.pdf"}, cases[1].GoldFiles)
	assert.Equal(t, 2, cases[2].Index)
	assert.Equal(t, 1, cases[2].Category)
	assert.Equal(t, "laptops", ds.Categories[0].Name)
}

func TestParseDatasetYAML(t *testing.T) {
	data := `
- category: phones
  prompts:
    - does the pixel support wireless charging?
  gold_set:
    - 42
  gold_files:
    - [pixel8.pdf, pixel8-specs.html]
`
	ds, err := ParseDataset([]byte(data), "yaml")
	require.NoError(t, err)
	cases := ds.Cases()
	require.Len(t, cases, 1)
	assert.Equal(t, []string{"42"}, cases[0].GoldChunks)
	assert.Equal(t, []string{"pixel8.pdf", "pixel8-specs.html"}, cases[0].GoldFiles)
}

func TestParseDatasetErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"prompts": `},
		{"object instead of array", `{"prompts": []}`},
		{"length mismatch", `[{"prompts": ["a", "b"], "gold_set": ["1"], "gold_files": ["f", "g"]}]`},
		{"gold entry is a number", `[{"prompts": ["a"], "gold_set": [7], "gold_files": ["f"]}]`},
		{"blank prompt", `[{"prompts": [" "], "gold_set": ["1"], "gold_files": ["f"]}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDataset([]byte(tt.data), "json")
			assert.ErrorIs(t, err, rag.ErrDatasetParse)
			assert.True(t, rag.Fatal(err))
		})
	}
}

func TestParseDatasetEmpty(t *testing.T) {
	ds, err := ParseDataset([]byte(`[]`), "json")
	require.NoError(t, err)
	assert.Empty(t, ds.Cases())
	assert.Equal(t, 0, ds.Len())
}

func TestLoadDataset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gold_dataset.json")
	require.NoError(t, os.WriteFile(path, []byte(goldJSON), 0o644))

	ds, err := LoadDataset(path)
	require.NoError(t, err)
	assert.Equal(t, path, ds.Path)
	assert.Equal(t, 3, ds.Len())

	_, err = LoadDataset(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, rag.ErrDatasetParse)

	_, err = LoadDataset("")
	assert.ErrorIs(t, err, rag.ErrDatasetParse)
}

func TestLoadDatasetYAMLByExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gold.yml")
	require.NoError(t, os.WriteFile(path, []byte("- prompts: [q]\n  gold_set: [c1]\n  gold_files: [f.pdf]\n"), 0o644))

	ds, err := LoadDataset(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ds.Cases()[0].GoldChunks)
}
