package pricing

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type tableFile struct {
	Version string     `yaml:"version"`
	Tiers   []tierFile `yaml:"tiers"`
}

type tierFile struct {
	Label        string `yaml:"label"`
	MinSeats     int    `yaml:"min_seats"`
	MaxSeats     int    `yaml:"max_seats"`
	MonthlyPrice string `yaml:"monthly_price"`
	YearlyPrice  string `yaml:"yearly_price"`
}

// ParseTable decodes and validates a YAML tier table.
func ParseTable(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode pricing table: %w", err)
	}

	t := &Table{Version: strings.TrimSpace(f.Version)}
	if t.Version == "" {
		return nil, fmt.Errorf("%w: missing version", ErrInvalidTierTable)
	}
	for _, tf := range f.Tiers {
		monthly, err := decimal.NewFromString(strings.TrimSpace(tf.MonthlyPrice))
		if err != nil {
			return nil, fmt.Errorf("%w: tier %q monthly_price: %v", ErrInvalidTierTable, tf.Label, err)
		}
		yearly, err := decimal.NewFromString(strings.TrimSpace(tf.YearlyPrice))
		if err != nil {
			return nil, fmt.Errorf("%w: tier %q yearly_price: %v", ErrInvalidTierTable, tf.Label, err)
		}
		t.Tiers = append(t.Tiers, Tier{
			Label:        strings.TrimSpace(tf.Label),
			MinSeats:     tf.MinSeats,
			MaxSeats:     tf.MaxSeats,
			MonthlyPrice: monthly,
			YearlyPrice:  yearly,
		})
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadTable reads a YAML tier table from disk.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing table %s: %w", path, err)
	}
	t, err := ParseTable(data)
	if err != nil {
		return nil, fmt.Errorf("load pricing table %s: %w", path, err)
	}
	return t, nil
}

// Store holds the current pricing table. Readers always see a complete,
// validated table.
type Store struct {
	current atomic.Pointer[Table]
}

// NewStore returns a store seeded with t, or the default table when t is nil.
func NewStore(t *Table) *Store {
	if t == nil {
		t = DefaultTable()
	}
	s := &Store{}
	s.current.Store(t)
	return s
}

// Table returns the table in effect.
func (s *Store) Table() *Table {
	return s.current.Load()
}

// Replace swaps in a new table after validating it.
func (s *Store) Replace(t *Table) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.current.Store(t)
	return nil
}
