package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Decimal reads prices and amounts from YAML without going through float64,
// so `upper_limit: 160.1` and `upper_limit: "160.1"` decode identically.
type Decimal struct {
	decimal.Decimal
}

func (d *Decimal) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: decimal must be a scalar", value.Line)
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" || value.Tag == "!!null" {
		d.Decimal = decimal.Zero
		return nil
	}
	dec, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid decimal %q: %w", value.Line, value.Value, err)
	}
	d.Decimal = dec
	return nil
}

func (d Decimal) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d Decimal) Positive() bool {
	return d.Cmp(decimal.Zero) > 0
}
