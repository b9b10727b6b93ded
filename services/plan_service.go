package services

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"deploy-keeper/internal/dconfig"
	"deploy-keeper/internal/descriptor"
	"deploy-keeper/internal/logger"
	"deploy-keeper/internal/models"
)

/**
 * Write the default deployment plan of an archive
 * @param {ArchiveSource} archive - Module archive
 * @param {map[string]string} props - Properties set on the top config bean of the archive's own descriptor
 * @param {io.Writer} w - Plan destination
 * @returns {error} Archive, configuration or write errors
 * @description
 * - Works on disconnected managers
 * - Nested modules without a config bean schema are left out of the plan
 * @example
 * var buf bytes.Buffer
 * err := dm.InitPlan(services.FileSource{Path: "shop.war"}, map[string]string{"context-root": "/shop"}, &buf)
 */
func (m *DeploymentManager) InitPlan(archive ArchiveSource, props map[string]string, w io.Writer) error {
	art, err := loadArchive(archive)
	if err != nil {
		return err
	}
	d, err := descriptor.OpenArchive(art.name, art.data)
	if err != nil {
		return err
	}
	cfg, err := m.CreateConfiguration(d)
	if err != nil {
		return err
	}
	top, err := cfg.ConfigBeanRoot(d.DDBeanRoot())
	if err != nil {
		return err
	}
	if err := applyProperties(top, props); err != nil {
		return err
	}
	for _, nested := range d.Modules() {
		if _, err := cfg.ConfigBeanRoot(nested.DDBeanRoot()); err != nil {
			if errors.Is(err, models.ErrConfiguration) {
				logger.Debugf("Plan of %s skips %s: %v", art.name, nested.URI(), err)
				continue
			}
			return err
		}
	}
	return cfg.Save(w)
}

// applyProperties sets props in key order, unknown names are rejected.
func applyProperties(root *dconfig.Root, props map[string]string) error {
	known := make(map[string]bool)
	for _, name := range root.PropertyNames() {
		known[name] = true
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !known[k] {
			return fmt.Errorf("%w: %s has no property %q", models.ErrInvalidArgument, root.DDBeanRoot().ModuleType(), k)
		}
		root.SetProperty(k, props[k])
	}
	return nil
}
