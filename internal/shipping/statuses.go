package shipping

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/tournevent/gatekeeper/internal/status"
	"github.com/tournevent/gatekeeper/pkg/shipper"
)

//go:embed statuses.yaml
var defaultStatuses []byte

// DefaultTables returns the built-in carrier status tables.
func DefaultTables() ([]status.Table, error) {
	return status.LoadTables(bytes.NewReader(defaultStatuses))
}

// NewMapper builds a mapper over the canonical shipment statuses. The
// override tables are registered first; built-in tables fill in carriers
// the overrides do not cover.
func NewMapper(overrides []status.Table) (*status.Mapper, error) {
	canonical := make([]status.Canonical, 0, len(shipper.Statuses()))
	for _, s := range shipper.Statuses() {
		canonical = append(canonical, status.Canonical(s))
	}
	m := status.NewMapper(canonical...)

	if err := m.RegisterTables(overrides); err != nil {
		return nil, err
	}

	defaults, err := DefaultTables()
	if err != nil {
		return nil, fmt.Errorf("loading built-in status tables: %w", err)
	}
	covered := make(map[string]bool, len(overrides))
	for _, t := range overrides {
		covered[t.Provider] = true
	}
	for _, t := range defaults {
		if covered[t.Provider] {
			continue
		}
		if err := m.Register(t.Provider, t.Entries); err != nil {
			return nil, err
		}
	}
	return m, nil
}
