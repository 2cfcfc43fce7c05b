package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/KamonLeigh/BeeRich/pkg/attachments"
	"github.com/KamonLeigh/BeeRich/pkg/events"
)

var jwtSecret []byte // loaded from env JWT_SECRET (fallback to dev default)

func main() {
	// Auto-load ./.env if present (no external dependency) before reading vars
	loadDotEnv()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-insecure-secret-change" // development fallback
	}
	jwtSecret = []byte(secret)

	// Lightweight subcommands:
	//   ./beerich migrate   run AutoMigrate and seeding, then exit
	//   ./beerich sweep     delete orphaned attachment blobs (see sweep.go)
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "migrate":
			initDB()
			fmt.Println("migration and seeding completed")
			return
		case "sweep":
			initDB()
			runSweep(os.Args[2:])
			return
		}
	}

	initDB()

	store, err := attachments.NewStore(attachmentsDir())
	if err != nil {
		log.Fatal(err)
	}
	srv := &server{hub: newHub(), store: store}

	r := gin.Default()

	setupRoutes(r, srv)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}
	r.Run(":" + port)
}

// newHub picks the change-notification backend. The in-process emitter is the
// default; EVENTS_BACKEND=postgres switches to LISTEN/NOTIFY so a mutation on
// one instance reaches streams held open by another.
func newHub() events.Hub {
	if os.Getenv("EVENTS_BACKEND") != "postgres" {
		return events.NewEmitter()
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal("events: obtaining sql.DB for postgres bus:", err)
	}
	bus, err := events.NewPostgresBus(os.Getenv("DB_DSN"), sqlDB)
	if err != nil {
		log.Fatal("events: starting postgres bus:", err)
	}
	return bus
}

// loadDotEnv loads key=value pairs from a local .env file into the environment
// without overwriting variables that are already set. Lines starting with # are ignored.
func loadDotEnv() {
	path := ".env"
	if _, err := os.Stat(path); err != nil {
		return // no .env file
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// split on first '='
		if eq := strings.IndexByte(line, '='); eq > 0 {
			key := strings.TrimSpace(line[:eq])
			val := strings.TrimSpace(line[eq+1:])
			if _, exists := os.LookupEnv(key); !exists {
				_ = os.Setenv(key, val)
			}
		}
	}
}
