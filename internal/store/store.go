package store

import (
	"context"
	"fmt"
	"strings"

	"deploy-keeper/internal/config"
	"deploy-keeper/internal/models"
)

// ModuleFilter narrows ListModules, empty fields match everything.
type ModuleFilter struct {
	Target string
	RootID string
}

func (f ModuleFilter) match(r models.ModuleRecord) bool {
	if f.Target != "" && r.Target != f.Target {
		return false
	}
	if f.RootID != "" && r.RootID != f.RootID {
		return false
	}
	return true
}

/**
 * Persistence of the module registry and operation history
 * @description
 * - ReplaceRoot swaps every record of one root subtree on a target atomically,
 *   an empty slice removes the subtree
 * - GetModule returns models.ErrModuleNotFound for unknown ids
 * - ListModules returns records ordered by target, root, parent, position
 */
type ModuleStore interface {
	ListModules(ctx context.Context, filter ModuleFilter) ([]models.ModuleRecord, error)
	GetModule(ctx context.Context, target, moduleID string) (models.ModuleRecord, error)
	ReplaceRoot(ctx context.Context, target, rootID string, records []models.ModuleRecord) error
	SaveOperation(ctx context.Context, rec models.OperationRecord) error
	ListOperations(ctx context.Context, limit int) ([]models.OperationRecord, error)
	Close() error
}

/**
 * Open the module store selected by storage configuration
 * @param {*config.StorageConfig} cfg - Storage configuration
 * @returns {(ModuleStore, error)} Opened store
 * @description
 * - "memory" keeps records in process
 * - "sqlite" and "mysql" open a gorm database and migrate the schema
 * @throws
 * - Unknown driver
 * - Database open/migrate errors
 */
func Open(cfg *config.StorageConfig) (ModuleStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite", "mysql":
		return OpenGormStore(cfg.Driver, cfg.DSN)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

func checkRecords(target, rootID string, records []models.ModuleRecord) error {
	for _, r := range records {
		if r.Target != target || r.RootID != rootID {
			return fmt.Errorf("%w: record %s/%s does not belong to root %s/%s",
				models.ErrInvalidArgument, r.Target, r.ModuleID, target, rootID)
		}
	}
	return nil
}
