package main

import (
	"log"
	"os"
	"strings"

	"github.com/KamonLeigh/BeeRich/models"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var db *gorm.DB

func initDB() {
	var err error
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("DB_DSN is not set. This project requires a Postgres DSN in DB_DSN.")
	}
	db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect postgres database:", err)
	}
	// Control schema migrations with env DB_AUTO_MIGRATE (default true). Any permission errors will be logged and ignored.
	shouldMigrate := true
	if v := os.Getenv("DB_AUTO_MIGRATE"); v != "" {
		lv := strings.ToLower(v)
		if lv == "false" || lv == "0" || lv == "no" {
			shouldMigrate = false
		}
	}
	// Ensure the roles master table exists first and seed it so users FK can be applied safely.
	if shouldMigrate {
		if err := db.AutoMigrate(&models.Role{}); err != nil {
			log.Printf("migration warning (roles): %v", err)
		}
	}
	seedRoles()

	// Now migrate the rest (users will get FK to roles)
	if shouldMigrate {
		// Migrate models individually so a failure on one doesn't block others
		if err := db.AutoMigrate(&models.User{}); err != nil {
			log.Printf("migration warning (users): %v", err)
		}
		if err := db.AutoMigrate(&models.Record{}); err != nil {
			log.Printf("migration warning (records): %v", err)
		}
		if err := db.AutoMigrate(&models.RecordLog{}); err != nil {
			log.Printf("migration warning (record_logs): %v", err)
		}
		if err := db.AutoMigrate(&models.RefreshToken{}); err != nil {
			log.Printf("migration warning (refresh_tokens): %v", err)
		}
		if err := ensureRecordOwnerIndex(); err != nil {
			log.Printf("warning: ensuring records owner index failed: %v", err)
		}
	}
	seedDB()
}

// ensureRecordOwnerIndex guards the owner-scoped lookup path on tables that
// predate the composite index tag.
func ensureRecordOwnerIndex() error {
	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_records_owner_kind ON records(user_id, kind)`).Error
}

func seedRoles() {
	roles := []models.Role{{Name: "administrator", Description: "full access"}, {Name: "user", Description: "regular user"}}
	for _, r := range roles {
		var cnt int64
		db.Model(&models.Role{}).Where("name = ?", r.Name).Count(&cnt)
		if cnt == 0 {
			db.Create(&r)
		}
	}
}

func seedDB() {
	seedRoles()

	// Check if admin user exists
	var count int64
	db.Model(&models.User{}).Where("username = ?", "admin").Count(&count)
	if count == 0 {
		// find administrator role id
		var role models.Role
		if err := db.Where("name = ?", "administrator").First(&role).Error; err != nil {
			log.Printf("failed to find administrator role: %v", err)
		}
		// Seed admin user
		rid := role.ID
		admin := models.User{
			Username: "admin",
			RoleID:   &rid,
		}
		hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)
		admin.HashedPassword = hashedPassword
		db.Create(&admin)
		log.Println("Seeded admin user: username=admin, password=admin123")
	}
	// Ensure attachment directory exists
	ensureAttachmentsBase()
}

// ensureAttachmentsBase creates the base attachments directory.
func ensureAttachmentsBase() {
	base := attachmentsDir()
	if err := os.MkdirAll(base, 0755); err != nil {
		log.Printf("failed to create attachments base dir %s: %v", base, err)
	}
}

// attachmentsDir returns the base directory for stored attachments
// (configurable via ATTACHMENTS_DIR env)
func attachmentsDir() string {
	if v := os.Getenv("ATTACHMENTS_DIR"); v != "" {
		return v
	}
	return "attachments"
}
