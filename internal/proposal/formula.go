package proposal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FormulaFile is a named scan recipe loaded from
// <state_dir>/formulas/<name>.yaml (spec.md §6, GLOSSARY "Formula"). It
// constrains scout behaviour for a cycle: scope, allowed/blocked
// categories, confidence and impact floors, batch size, and an optional
// prompt hint injected into the scout prompt.
type FormulaFile struct {
	Name            string   `yaml:"name"`
	Scope           string   `yaml:"scope"`
	AllowCategories []string `yaml:"allow_categories"`
	BlockCategories []string `yaml:"block_categories"`
	MinConfidence   float64  `yaml:"min_confidence"`
	MinImpactScore  int      `yaml:"min_impact_score"`
	MaxProposals    int      `yaml:"max_proposals"`
	Hint            string   `yaml:"hint"`
}

// Formula converts the file's category lists into the pipeline's stage-3
// input.
func (f *FormulaFile) Formula() Formula {
	return Formula{AllowCategories: f.AllowCategories, BlockCategories: f.BlockCategories}
}

// LoadFormula parses one formula YAML file.
func LoadFormula(path string) (*FormulaFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read formula: %w", err)
	}
	var f FormulaFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse formula %s: %w", path, err)
	}
	if f.Name == "" {
		f.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &f, nil
}

// LoadFormulas loads every *.yaml under dir, keyed by formula name. A
// missing directory yields an empty map: formulas are optional.
func LoadFormulas(dir string) (map[string]*FormulaFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*FormulaFile{}, nil
		}
		return nil, fmt.Errorf("read formulas dir: %w", err)
	}
	formulas := make(map[string]*FormulaFile)
	var names []string
	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		f, err := LoadFormula(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		formulas[f.Name] = f
	}
	return formulas, nil
}
