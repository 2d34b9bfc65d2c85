package app

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nodepool/marketplace/internal/scheduler"
	"github.com/nodepool/marketplace/internal/settlement"
)

// policyFile is the optional YAML overlay for the handful of tunables an
// operator wants to version as one unit rather than as scattered env vars:
// rebalance cadence, timeout buffer, and the settlement retry schedule.
type policyFile struct {
	RebalanceInterval string   `yaml:"rebalance_interval"`
	TimeoutBuffer     float64  `yaml:"timeout_buffer"`
	SettlementBackoff []string `yaml:"settlement_backoff"`
}

func applyPolicyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}

	schedule := make([]time.Duration, 0, len(pf.SettlementBackoff))
	for _, s := range pf.SettlementBackoff {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("policy file settlement_backoff entry %q: %w", s, err)
		}
		schedule = append(schedule, d)
	}
	if pf.RebalanceInterval != "" {
		d, err := time.ParseDuration(pf.RebalanceInterval)
		if err != nil {
			return fmt.Errorf("policy file rebalance_interval: %w", err)
		}
		cfg.Scheduler.RebalanceInterval = d
	}
	if pf.TimeoutBuffer > 0 {
		cfg.Scheduler.TimeoutBuffer = pf.TimeoutBuffer
	} else if cfg.Scheduler.TimeoutBuffer <= 0 {
		cfg.Scheduler.TimeoutBuffer = scheduler.DefaultTimeoutBuffer
	}
	if len(schedule) > 0 {
		settlement.DefaultBackoff = schedule
	}
	return nil
}
