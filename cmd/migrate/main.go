package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/fleetlabs/fleet-server/internal/storage/db"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	dbURL := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		os.Getenv("FLEET_DATABASE_USERNAME"),
		os.Getenv("FLEET_DATABASE_PASSWORD"),
		os.Getenv("FLEET_DATABASE_HOST"),
		os.Getenv("FLEET_DATABASE_PORT"),
		os.Getenv("FLEET_DATABASE_DATABASE_NAME"),
	)

	gormDB, err := gorm.Open(postgres.Open(dbURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Connected to database, starting migrations...")

	if err := db.Migrate(gormDB); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	log.Println("All database migrations completed successfully")
}
