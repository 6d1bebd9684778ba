package config

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// DefaultPlanCredits is the credit limit for plans missing from the table.
const DefaultPlanCredits = 50

// PlanTable maps a processor plan id to its monthly credit limit.
type PlanTable struct {
	Fallback int            `yaml:"fallback"`
	Plans    map[string]int `yaml:"plans"`
}

// DefaultPlanTable is used when no plans file is present.
func DefaultPlanTable() *PlanTable {
	return &PlanTable{
		Fallback: DefaultPlanCredits,
		Plans: map[string]int{
			"plan_QrUWA1nD05DtIa": 100, // basic
			"plan_QsvJUogFISamtN": 500, // pro
		},
	}
}

// CreditLimit returns the configured limit for planID, or the fallback.
func (p *PlanTable) CreditLimit(planID string) int {
	if limit, ok := p.Plans[planID]; ok {
		return limit
	}
	if p.Fallback > 0 {
		return p.Fallback
	}
	return DefaultPlanCredits
}

// LoadPlanTable reads the plan table from a YAML file. A missing file is not
// an error: the built-in table is returned instead.
func LoadPlanTable(path string) (*PlanTable, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		zap.L().Warn("Plans file not found, using built-in plan table", zap.String("file", path))
		return DefaultPlanTable(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plans file: %w", err)
	}

	table := &PlanTable{}
	if err := yaml.Unmarshal(data, table); err != nil {
		return nil, fmt.Errorf("failed to parse plans file %s: %w", path, err)
	}
	if table.Plans == nil {
		table.Plans = map[string]int{}
	}
	for planID, limit := range table.Plans {
		if limit < 0 {
			return nil, fmt.Errorf("plan %s has negative credit limit %d", planID, limit)
		}
	}

	zap.L().Info("Loaded plan table", zap.String("file", path), zap.Int("plans", len(table.Plans)))
	return table, nil
}
