package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"deploy-keeper/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormStore persists the registry in sqlite or mysql.
type GormStore struct {
	db *gorm.DB
}

/**
 * Open gorm backed module store
 * @param {string} driver - "sqlite" or "mysql"
 * @param {string} dsn - sqlite file path or mysql DSN
 * @returns {(*GormStore, error)} Opened and migrated store
 * @description
 * - sqlite uses the pure Go driver, the parent directory is created on demand
 * - sqlite is limited to a single open connection
 * - Runs AutoMigrate for module and operation records
 * @example
 * st, err := OpenGormStore("sqlite", filepath.Join(env.KeeperDir, "keeper.db"))
 */
func OpenGormStore(driver, dsn string) (*GormStore, error) {
	cfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "sqlite":
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("create database directory failed: %w", err)
			}
		}
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s database failed: %w", driver, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(driver, "sqlite") {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetConnMaxLifetime(time.Hour)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(20)
	}
	if err := db.AutoMigrate(&models.ModuleRecord{}, &models.OperationRecord{}); err != nil {
		return nil, fmt.Errorf("migrate database failed: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) ListModules(ctx context.Context, filter ModuleFilter) ([]models.ModuleRecord, error) {
	q := s.db.WithContext(ctx).Model(&models.ModuleRecord{})
	if filter.Target != "" {
		q = q.Where("target = ?", filter.Target)
	}
	if filter.RootID != "" {
		q = q.Where("root_id = ?", filter.RootID)
	}
	var out []models.ModuleRecord
	if err := q.Order("target, root_id, parent_id, position, module_id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) GetModule(ctx context.Context, target, moduleID string) (models.ModuleRecord, error) {
	var rec models.ModuleRecord
	err := s.db.WithContext(ctx).Where("target = ? AND module_id = ?", target, moduleID).Take(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return rec, models.ErrModuleNotFound
	}
	return rec, err
}

func (s *GormStore) ReplaceRoot(ctx context.Context, target, rootID string, records []models.ModuleRecord) error {
	if err := checkRecords(target, rootID, records); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("target = ? AND root_id = ?", target, rootID).Delete(&models.ModuleRecord{}).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return tx.Create(&records).Error
	})
}

func (s *GormStore) SaveOperation(ctx context.Context, rec models.OperationRecord) error {
	return s.db.WithContext(ctx).Save(&rec).Error
}

func (s *GormStore) ListOperations(ctx context.Context, limit int) ([]models.OperationRecord, error) {
	q := s.db.WithContext(ctx).Order("start_time desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.OperationRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
