// Package status translates provider status vocabularies into canonical
// internal states through tables registered at process start.
package status

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Canonical is an internal status value.
type Canonical string

var (
	ErrUnknownProvider    = errors.New("status: no table registered for provider")
	ErrUnmappedStatus     = errors.New("status: unmapped provider status")
	ErrAlreadyRegistered  = errors.New("status: provider table already registered")
	ErrUnknownCanonical   = errors.New("status: unknown canonical status")
	ErrDuplicateRawStatus = errors.New("status: raw status mapped twice")
)

// Entry maps one raw provider status.
type Entry struct {
	Raw          string    `yaml:"raw" validate:"required"`
	Canonical    Canonical `yaml:"canonical" validate:"required"`
	Terminal     bool      `yaml:"terminal"`
	ManualAction bool      `yaml:"manual_action"`
}

// Table is a provider's complete status table.
type Table struct {
	Provider string  `yaml:"provider" validate:"required"`
	Entries  []Entry `yaml:"statuses" validate:"required,min=1,dive"`
}

// Mapping is the result of a lookup.
type Mapping struct {
	Canonical            Canonical `json:"canonical"`
	IsTerminal           bool      `json:"is_terminal"`
	RequiresManualAction bool      `json:"requires_manual_action"`
}

// Mapper holds registered tables. It is safe for concurrent use.
type Mapper struct {
	mu        sync.RWMutex
	canonical map[Canonical]struct{}
	tables    map[string]map[string]Mapping
	validate  *validator.Validate
}

// NewMapper creates a mapper accepting only the given canonical values.
func NewMapper(canonical ...Canonical) *Mapper {
	allowed := make(map[Canonical]struct{}, len(canonical))
	for _, c := range canonical {
		allowed[c] = struct{}{}
	}
	return &Mapper{
		canonical: allowed,
		tables:    make(map[string]map[string]Mapping),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register validates and installs a provider table. Registration is
// all-or-nothing.
func (m *Mapper) Register(providerName string, entries []Entry) error {
	table := Table{Provider: providerName, Entries: entries}
	if err := m.validate.Struct(table); err != nil {
		return fmt.Errorf("status table for %q: %w", providerName, err)
	}

	mappings := make(map[string]Mapping, len(entries))
	for _, e := range entries {
		if _, ok := m.canonical[e.Canonical]; !ok {
			return fmt.Errorf("%w: %q (provider %s, raw %q)", ErrUnknownCanonical, e.Canonical, providerName, e.Raw)
		}
		raw := normalize(e.Raw)
		if _, dup := mappings[raw]; dup {
			return fmt.Errorf("%w: %q (provider %s)", ErrDuplicateRawStatus, e.Raw, providerName)
		}
		mappings[raw] = Mapping{
			Canonical:            e.Canonical,
			IsTerminal:           e.Terminal,
			RequiresManualAction: e.ManualAction,
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tables[providerName]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, providerName)
	}
	m.tables[providerName] = mappings
	return nil
}

// RegisterTables registers several tables, stopping at the first error.
func (m *Mapper) RegisterTables(tables []Table) error {
	for _, t := range tables {
		if err := m.Register(t.Provider, t.Entries); err != nil {
			return err
		}
	}
	return nil
}

// Map translates a raw provider status. Unknown providers and unmapped
// statuses are errors, never a default.
func (m *Mapper) Map(providerName, raw string) (Mapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	table, ok := m.tables[providerName]
	if !ok {
		return Mapping{}, fmt.Errorf("%w: %s", ErrUnknownProvider, providerName)
	}
	mapping, ok := table[normalize(raw)]
	if !ok {
		return Mapping{}, fmt.Errorf("%w: %s %q", ErrUnmappedStatus, providerName, raw)
	}
	return mapping, nil
}

// Providers returns the providers with a registered table.
func (m *Mapper) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tables))
	for name := range m.tables {
		names = append(names, name)
	}
	return names
}

// LoadTables decodes a YAML list of tables.
func LoadTables(r io.Reader) ([]Table, error) {
	var tables []Table
	if err := yaml.NewDecoder(r).Decode(&tables); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decoding status tables: %w", err)
	}
	return tables, nil
}

func normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
