package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/projectsync/internal/entities"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsProjectSlugs(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&entities.Organization{}, &entities.Project{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	createdAt := time.Unix(1700000000, 0).UTC()
	legacy := []entities.Project{
		{ID: "p-1", OrganizationID: "org-1", Name: "Roadmap", Status: "Active", CreatedBy: "user-1", CreatedAt: createdAt, UpdatedAt: createdAt},
		{ID: "p-2", OrganizationID: "org-1", Name: "Roadmap", Status: "paused", CreatedBy: "user-1", CreatedAt: createdAt.Add(time.Second), UpdatedAt: createdAt},
		{ID: "p-3", OrganizationID: "org-2", Name: "Roadmap", Status: entities.ProjectStatusArchived, CreatedBy: "user-1", CreatedAt: createdAt, UpdatedAt: createdAt},
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert projects: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	expected := map[string]struct {
		slug   string
		status entities.ProjectStatus
	}{
		"p-1": {slug: "roadmap", status: entities.ProjectStatusActive},
		"p-2": {slug: "roadmap-1", status: entities.ProjectStatusActive},
		"p-3": {slug: "roadmap", status: entities.ProjectStatusArchived},
	}
	for id, want := range expected {
		var stored entities.Project
		if err := database.Where("id = ?", id).Take(&stored).Error; err != nil {
			testContext.Fatalf("failed to reload project %s: %v", id, err)
		}
		if stored.Slug != want.slug {
			testContext.Fatalf("expected slug %q for %s, got %q", want.slug, id, stored.Slug)
		}
		if stored.Status != want.status {
			testContext.Fatalf("expected status %q for %s, got %q", want.status, id, stored.Status)
		}
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillProjectSlugs).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "once.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := Migrate(database, nil); err != nil {
		testContext.Fatalf("first migrate failed: %v", err)
	}

	now := time.Unix(1700000000, 0).UTC()
	project := entities.Project{ID: "p-1", OrganizationID: "org-1", Name: "Late", CreatedBy: "user-1", CreatedAt: now, UpdatedAt: now}
	if err := database.Create(&project).Error; err != nil {
		testContext.Fatalf("failed to insert project: %v", err)
	}

	if err := Migrate(database, nil); err != nil {
		testContext.Fatalf("second migrate failed: %v", err)
	}

	var stored entities.Project
	if err := database.Where("id = ?", "p-1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload project: %v", err)
	}
	if stored.Slug != "" {
		testContext.Fatalf("expected applied migrations to be skipped, got slug %q", stored.Slug)
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if count != 3 {
		testContext.Fatalf("expected 3 migration records, got %d", count)
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
