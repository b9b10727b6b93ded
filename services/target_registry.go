package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"deploy-keeper/internal/config"
	"deploy-keeper/internal/logger"
	"deploy-keeper/internal/models"

	consulapi "github.com/hashicorp/consul/api"
)

// TargetRegistry lists the targets modules can be deployed to.
type TargetRegistry interface {
	Targets(ctx context.Context) ([]models.Target, error)
}

// StaticTargets is a fixed target list.
type StaticTargets []models.Target

func (s StaticTargets) Targets(ctx context.Context) ([]models.Target, error) {
	out := make([]models.Target, len(s))
	copy(out, s)
	return out, nil
}

/**
 * Target registry backed by the consul catalog
 * @description
 * - Every catalog service carrying the configured tag is a target
 * - The "description" service meta becomes the target description
 */
type ConsulTargets struct {
	cli *consulapi.Client
	tag string
}

func NewConsulTargets(cfg *config.ConsulConfig) (*ConsulTargets, error) {
	ccfg := consulapi.DefaultConfig()
	if cfg.Address != "" {
		ccfg.Address = cfg.Address
	}
	cli, err := consulapi.NewClient(ccfg)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}
	return &ConsulTargets{cli: cli, tag: cfg.Tag}, nil
}

func (c *ConsulTargets) Targets(ctx context.Context) ([]models.Target, error) {
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	services, _, err := c.cli.Catalog().Services(q)
	if err != nil {
		return nil, fmt.Errorf("list consul services: %w", err)
	}
	var targets []models.Target
	for name, tags := range services {
		if c.tag != "" && !hasTag(tags, c.tag) {
			continue
		}
		t := models.Target{Name: name}
		entries, _, err := c.cli.Catalog().Service(name, c.tag, q)
		if err != nil {
			logger.Warnf("Read consul service %s failed: %v", name, err)
		} else if len(entries) > 0 {
			t.Description = entries[0].ServiceMeta["description"]
		}
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Name < targets[j].Name })
	return targets, nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

/**
 * Create the target registry selected by configuration
 * @param {*config.TargetsConfig} cfg - Target registry configuration
 * @returns {(TargetRegistry, error)} Static or consul registry
 */
func NewTargetRegistry(cfg *config.TargetsConfig) (TargetRegistry, error) {
	switch strings.ToLower(cfg.Source) {
	case "", "static":
		targets := make(StaticTargets, 0, len(cfg.Static))
		seen := make(map[string]bool)
		for _, t := range cfg.Static {
			if t.Name == "" || seen[t.Name] {
				return nil, fmt.Errorf("%w: duplicate or empty target name %q", models.ErrConfiguration, t.Name)
			}
			seen[t.Name] = true
			targets = append(targets, models.Target{Name: t.Name, Description: t.Description})
		}
		return targets, nil
	case "consul":
		return NewConsulTargets(&cfg.Consul)
	}
	return nil, fmt.Errorf("%w: unknown target source %q", models.ErrConfiguration, cfg.Source)
}
