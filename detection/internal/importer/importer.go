// Package importer loads rule definitions from YAML files.
package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/telhawk-detection/common/logging"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
)

// ruleNamespace seeds the deterministic ids of rules imported without one.
var ruleNamespace = uuid.MustParse("6f2c1b9e-4f4d-4a38-9d7e-2b1a6c0e8d51")

// Defaults fill fields a rule file may omit.
type Defaults struct {
	SpaceID    string
	From       string
	To         string
	Interval   string
	MaxSignals int
}

// DefaultDefaults returns the defaults used by the CLI.
func DefaultDefaults() Defaults {
	return Defaults{SpaceID: "default", From: "now-6m", To: "now", Interval: "5m", MaxSignals: 100}
}

// RuleID derives a stable id from the space and rule name.
func RuleID(spaceID, name string) string {
	return uuid.NewSHA1(ruleNamespace, []byte(spaceID+"/"+name)).String()
}

type ruleFile struct {
	Rules []models.Rule `yaml:"rules"`
}

// Parse reads every YAML document from r. A document is either a single
// rule or a mapping with a "rules" list.
func Parse(r io.Reader, defaults Defaults) ([]*models.Rule, error) {
	dec := yaml.NewDecoder(r)

	var rules []*models.Rule
	for doc := 0; ; doc++ {
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		if len(node.Content) == 0 {
			continue
		}

		if hasKey(node.Content[0], "rules") {
			var f ruleFile
			if err := node.Decode(&f); err != nil {
				return nil, fmt.Errorf("document %d: %w", doc, err)
			}
			for i := range f.Rules {
				rules = append(rules, &f.Rules[i])
			}
			continue
		}

		var rule models.Rule
		if err := node.Decode(&rule); err != nil {
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		rules = append(rules, &rule)
	}

	for i, rule := range rules {
		applyDefaults(rule, defaults)
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rule.Name, err)
		}
	}
	return rules, nil
}

func hasKey(node *yaml.Node, key string) bool {
	if node.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return true
		}
	}
	return false
}

func applyDefaults(rule *models.Rule, d Defaults) {
	if rule.SpaceID == "" {
		rule.SpaceID = d.SpaceID
	}
	if rule.From == "" {
		rule.From = d.From
	}
	if rule.To == "" {
		rule.To = d.To
	}
	if rule.Interval == "" {
		rule.Interval = d.Interval
	}
	if rule.MaxSignals == 0 {
		rule.MaxSignals = d.MaxSignals
	}
	if rule.Version == 0 {
		rule.Version = 1
	}
	if rule.ID == "" && rule.Name != "" {
		rule.ID = RuleID(rule.SpaceID, rule.Name)
	}
}

// LoadFile parses one rule file.
func LoadFile(path string, defaults Defaults) ([]*models.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	rules, err := Parse(bytes.NewReader(data), defaults)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// LoadDir parses every .yml and .yaml file under dir in lexical order.
// Rule ids must be unique across the directory.
func LoadDir(dir string, defaults Defaults) ([]*models.Rule, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		ext := strings.ToLower(filepath.Ext(path))
		if !d.IsDir() && (ext == ".yml" || ext == ".yaml") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk rules directory: %w", err)
	}
	sort.Strings(paths)

	seen := make(map[string]string)
	var rules []*models.Rule
	for _, path := range paths {
		loaded, err := LoadFile(path, defaults)
		if err != nil {
			return nil, err
		}
		for _, rule := range loaded {
			key := rule.SpaceID + "/" + rule.ID
			if prev, ok := seen[key]; ok {
				return nil, fmt.Errorf("duplicate rule id %s in %s and %s", rule.ID, prev, path)
			}
			seen[key] = path
			rules = append(rules, rule)
		}
	}
	return rules, nil
}

// Store persists imported rules.
type Store interface {
	UpsertRule(ctx context.Context, rule *models.Rule) error
}

// Import upserts rules and returns how many were written.
func Import(ctx context.Context, store Store, rules []*models.Rule, logger *logging.Logger) (int, error) {
	for i, rule := range rules {
		if err := store.UpsertRule(ctx, rule); err != nil {
			return i, fmt.Errorf("failed to import rule %s: %w", rule.ID, err)
		}
		logger.Debug("imported rule", logging.RuleID(rule.ID), logging.SpaceID(rule.SpaceID), logging.RuleType(string(rule.Type)))
	}
	logger.Info("rules imported", logging.Count(len(rules)))
	return len(rules), nil
}
