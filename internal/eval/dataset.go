// Package eval drives the retrieval pipeline over a gold dataset and scores it.
package eval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/knoguchi/rageval/internal/rag"
)

// StringList is a gold entry: a single string or a list of strings.
type StringList []string

// UnmarshalJSON accepts "id" and ["id", ...].
func (s *StringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected a string or a list of strings: %w", err)
	}
	*s = many
	return nil
}

// UnmarshalYAML accepts a scalar or a sequence.
func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = StringList{value.Value}
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := value.Decode(&many); err != nil {
			return err
		}
		*s = many
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", value.Line)
	}
}

// Category groups prompts with their parallel gold chunk ids and gold files.
type Category struct {
	Name      string       `json:"category,omitempty" yaml:"category"`
	Prompts   []string     `json:"prompts" yaml:"prompts"`
	GoldSet   []StringList `json:"gold_set" yaml:"gold_set"`
	GoldFiles []StringList `json:"gold_files" yaml:"gold_files"`
}

// Dataset is a labeled prompt set. It is read-only after loading.
type Dataset struct {
	Path       string
	Categories []Category
}

// Case is one prompt with its gold labels.
type Case struct {
	Index      int
	Category   int
	Prompt     string
	GoldChunks []string
	GoldFiles  []string
}

// LoadDataset reads a gold dataset from disk. Any failure returns rag.ErrDatasetParse.
func LoadDataset(path string) (*Dataset, error) {
	if path == "" {
		return nil, rag.Errorf(rag.ErrDatasetParse, "dataset path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rag.Wrap(rag.ErrDatasetParse, fmt.Errorf("read dataset: %w", err))
	}

	format := "json"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	}

	ds, err := ParseDataset(data, format)
	if err != nil {
		return nil, err
	}
	ds.Path = path
	return ds, nil
}

// ParseDataset decodes a dataset in the given format ("json" or "yaml").
func ParseDataset(data []byte, format string) (*Dataset, error) {
	var categories []Category
	var err error
	switch format {
	case "yaml":
		err = yaml.Unmarshal(data, &categories)
	default:
		err = json.Unmarshal(data, &categories)
	}
	if err != nil {
		return nil, rag.Wrap(rag.ErrDatasetParse, fmt.Errorf("parse dataset: %w", err))
	}

	for i, c := range categories {
		if len(c.Prompts) != len(c.GoldSet) || len(c.Prompts) != len(c.GoldFiles) {
			return nil, rag.Errorf(rag.ErrDatasetParse,
				"category %d: prompts, gold_set and gold_files differ in length (%d, %d, %d)",
				i, len(c.Prompts), len(c.GoldSet), len(c.GoldFiles))
		}
		for j, p := range c.Prompts {
			if strings.TrimSpace(p) == "" {
				return nil, rag.Errorf(rag.ErrDatasetParse, "category %d prompt %d is empty", i, j)
			}
		}
	}

	return &Dataset{Categories: categories}, nil
}

// Cases flattens the categories into dataset order.
func (d *Dataset) Cases() []Case {
	var cases []Case
	for ci, c := range d.Categories {
		for i, p := range c.Prompts {
			cases = append(cases, Case{
				Index:      len(cases),
				Category:   ci,
				Prompt:     p,
				GoldChunks: nonNil(c.GoldSet[i]),
				GoldFiles:  nonNil(c.GoldFiles[i]),
			})
		}
	}
	return cases
}

// Len returns the number of prompts.
func (d *Dataset) Len() int {
	n := 0
	for _, c := range d.Categories {
		n += len(c.Prompts)
	}
	return n
}

func nonNil(s StringList) []string {
	if s == nil {
		return []string{}
	}
	return []string(s)
}
