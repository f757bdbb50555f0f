package evaluation

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Case is one query with the ids of the documents relevant to it.
type Case struct {
	Query       string   `yaml:"query"`
	RelevantIDs []string `yaml:"relevant_ids"`
	Collection  string   `yaml:"collection,omitempty"`
}

// Dataset is a list of evaluation cases.
//
//	name: faq
//	cases:
//	  - query: how do I reset my password
//	    relevant_ids: [doc-12, doc-40]
type Dataset struct {
	Name  string `yaml:"name"`
	Cases []Case `yaml:"cases"`
}

// ErrEmptyDataset is returned when a dataset holds no cases.
var ErrEmptyDataset = errors.New("dataset has no cases")

// ParseDataset decodes a YAML dataset.
func ParseDataset(data []byte) (*Dataset, error) {
	var ds Dataset
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("failed to parse dataset: %w", err)
	}
	if len(ds.Cases) == 0 {
		return nil, ErrEmptyDataset
	}
	for i, c := range ds.Cases {
		if strings.TrimSpace(c.Query) == "" {
			return nil, fmt.Errorf("case %d: query is required", i)
		}
	}
	return &ds, nil
}

// LoadDataset reads a YAML dataset from path.
func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}
	return ParseDataset(data)
}
