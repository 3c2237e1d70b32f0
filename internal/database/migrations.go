package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/projectsync/internal/entities"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillProjectSlugs      = "2026-09-01_backfill_project_slugs"
	migrationBackfillOrganizationSlugs = "2026-09-01_backfill_organization_slugs"
	migrationNormalizeProjectStatus    = "2026-09-14_normalize_project_status"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillProjectSlugs, apply: backfillProjectSlugs},
		{name: migrationBackfillOrganizationSlugs, apply: backfillOrganizationSlugs},
		{name: migrationNormalizeProjectStatus, apply: normalizeProjectStatus},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillProjectSlugs derives slugs for rows written before slugs existed, keeping them
// unique per organization.
func backfillProjectSlugs(db *gorm.DB) error {
	var projects []entities.Project
	if err := db.Where("slug = ''").Order("created_at ASC").Find(&projects).Error; err != nil {
		return err
	}
	for _, project := range projects {
		slug, err := freeSlug(db.Model(&entities.Project{}).Where("organization_id = ?", project.OrganizationID), project.Name)
		if err != nil {
			return err
		}
		if err := db.Model(&entities.Project{}).Where("id = ?", project.ID).Update("slug", slug).Error; err != nil {
			return err
		}
	}
	return nil
}

func backfillOrganizationSlugs(db *gorm.DB) error {
	var organizations []entities.Organization
	if err := db.Where("slug = ''").Order("created_at ASC").Find(&organizations).Error; err != nil {
		return err
	}
	for _, organization := range organizations {
		slug, err := freeSlug(db.Model(&entities.Organization{}), organization.Name)
		if err != nil {
			return err
		}
		if err := db.Model(&entities.Organization{}).Where("id = ?", organization.ID).Update("slug", slug).Error; err != nil {
			return err
		}
	}
	return nil
}

// normalizeProjectStatus folds legacy statuses onto the known set; unknown values become active.
func normalizeProjectStatus(db *gorm.DB) error {
	if err := db.Exec("UPDATE projects SET status = lower(trim(status))").Error; err != nil {
		return err
	}
	return db.Model(&entities.Project{}).
		Where("status NOT IN ?", []entities.ProjectStatus{
			entities.ProjectStatusActive,
			entities.ProjectStatusArchived,
			entities.ProjectStatusDraft,
		}).
		Update("status", entities.ProjectStatusActive).Error
}

// freeSlug returns the first of base, base-1, base-2, ... that no row in scope uses.
func freeSlug(scope *gorm.DB, name string) (string, error) {
	base := entities.Slugify(name)
	if base == "" {
		base = "untitled"
	}
	candidate := base
	for counter := 1; ; counter++ {
		var count int64
		if err := scope.Session(&gorm.Session{}).Where("slug = ?", candidate).Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, counter)
	}
}
