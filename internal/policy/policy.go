// Package policy holds the versioned validation and detection policy. Each
// job runs under the snapshot captured when it was accepted; updates only
// affect jobs created afterwards.
package policy

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/scrubd/internal/detect"
	"github.com/kalambet/scrubd/internal/storage"
)

//go:embed schema.json
var schemaJSON []byte

// Policy is the set of tunables that validation and detection read.
type Policy struct {
	AllowedExtensions  []string `json:"allowed_extensions" yaml:"allowed_extensions"`
	AllowedMediaTypes  []string `json:"allowed_media_types" yaml:"allowed_media_types"`
	MaxSizeBytes       int64    `json:"max_size_bytes" yaml:"max_size_bytes"`
	MaxPages           int      `json:"max_pages" yaml:"max_pages"`
	ModelThreshold     float64  `json:"model_threshold" yaml:"model_threshold"`
	HighPrecision      []string `json:"high_precision_categories" yaml:"high_precision_categories"`
	DisabledCategories []string `json:"disabled_categories" yaml:"disabled_categories"`
}

// Default returns the built-in policy.
func Default() Policy {
	return Policy{
		AllowedExtensions:  []string{".pdf", ".jpg", ".jpeg", ".png", ".tiff", ".tif"},
		AllowedMediaTypes:  []string{"application/pdf", "image/jpeg", "image/png", "image/tiff"},
		MaxSizeBytes:       50 << 20,
		MaxPages:           50,
		ModelThreshold:     0.90,
		HighPrecision:      slices.Clone(detect.DefaultHighPrecision),
		DisabledCategories: []string{},
	}
}

// DetectOptions returns the detection tunables of p.
func (p Policy) DetectOptions() detect.Options {
	return detect.Options{
		ModelThreshold: p.ModelThreshold,
		HighPrecision:  p.HighPrecision,
		Disabled:       p.DisabledCategories,
	}
}

// JSON returns the stored form of p.
func (p Policy) JSON() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("policy.json", bytes.NewReader(schemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile("policy.json")
	})
	return compiled, compileErr
}

// Validate checks a JSON policy document against the schema.
func Validate(doc []byte) error {
	s, err := schema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("unmarshal policy: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("policy does not match schema: %w", err)
	}
	return nil
}

// Parse reads a YAML or JSON policy document. Fields left out keep their
// defaults. The merged result is validated against the schema.
func Parse(data []byte) (Policy, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Policy{}, fmt.Errorf("parsing policy: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	partial, err := json.Marshal(raw)
	if err != nil {
		return Policy{}, fmt.Errorf("normalizing policy: %w", err)
	}
	if err := Validate(partial); err != nil {
		return Policy{}, err
	}

	p := Default()
	if err := json.Unmarshal(partial, &p); err != nil {
		return Policy{}, fmt.Errorf("decoding policy: %w", err)
	}
	return p, nil
}

// Snapshot is one stored policy version.
type Snapshot struct {
	Version int    `json:"version"`
	Policy  Policy `json:"policy"`
}

// Store is the persistence the manager needs.
type Store interface {
	SavePolicy(policyJSON string) (int, error)
	CurrentPolicy() (int, string, error)
}

// Manager serves the current policy and records new versions.
type Manager struct {
	store Store

	mu      sync.RWMutex
	current Snapshot
}

// NewManager loads the latest stored version. On an empty store it saves
// seed (or Default when seed is nil) as the first version.
func NewManager(store Store, seed *Policy) (*Manager, error) {
	m := &Manager{store: store}
	version, doc, err := store.CurrentPolicy()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		p := Default()
		if seed != nil {
			p = *seed
		}
		if _, err := m.Update(p); err != nil {
			return nil, err
		}
		return m, nil
	case err != nil:
		return nil, fmt.Errorf("loading policy: %w", err)
	}
	p, err := Decode(doc)
	if err != nil {
		return nil, fmt.Errorf("stored policy version %d: %w", version, err)
	}
	m.current = Snapshot{Version: version, Policy: p}
	return m, nil
}

// Current returns the snapshot new jobs are accepted under.
func (m *Manager) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Update validates p and stores it as a new version.
func (m *Manager) Update(p Policy) (Snapshot, error) {
	doc, err := p.JSON()
	if err != nil {
		return Snapshot{}, err
	}
	if err := Validate([]byte(doc)); err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	version, err := m.store.SavePolicy(doc)
	if err != nil {
		return Snapshot{}, fmt.Errorf("saving policy: %w", err)
	}
	m.current = Snapshot{Version: version, Policy: p}
	return m.current, nil
}

// Decode reads a stored policy JSON document, as captured on a job.
func Decode(doc string) (Policy, error) {
	p := Default()
	if doc == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return Policy{}, fmt.Errorf("decoding policy: %w", err)
	}
	return p, nil
}
