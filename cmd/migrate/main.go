package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/kdimtricp/vsearch/internal/config"
	"github.com/kdimtricp/vsearch/internal/database"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	var (
		dbType         = flag.String("db", cfg.Database.Type, "Database type (postgres or sqlite)")
		host           = flag.String("host", cfg.Database.Host, "Database host")
		port           = flag.Int("port", cfg.Database.Port, "Database port")
		user           = flag.String("user", cfg.Database.User, "Database user")
		password       = flag.String("password", cfg.Database.Password, "Database password")
		dbName         = flag.String("name", cfg.Database.Name, "Database name")
		dbPath         = flag.String("path", cfg.Database.SQLitePath, "SQLite database file")
		migrationsPath = flag.String("migrations", cfg.MigrationsPath, "Path to migrations directory")
		status         = flag.Bool("status", false, "Show migration status only")
	)
	flag.Parse()

	logger := cfg.NewLogger(os.Stderr)

	dbConfig := database.Config{
		Type:       *dbType,
		Host:       *host,
		Port:       *port,
		User:       *user,
		Password:   *password,
		Name:       *dbName,
		SQLitePath: *dbPath,
	}

	db, err := database.NewDB(dbConfig)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()

	if *status {
		if dbConfig.Type != "postgres" {
			fmt.Println("sqlite schema is created on open; there are no migrations to report")
			return
		}
		statuses, err := database.NewMigrator(db.Conn(), dbConfig.Type).Status(ctx, *migrationsPath)
		if err != nil {
			logger.Error("failed to read migration status", "error", err)
			os.Exit(1)
		}

		fmt.Println("Migration Status:")
		fmt.Println("=================")
		for _, m := range statuses {
			state := "pending"
			if m.Applied {
				state = "applied"
			}
			fmt.Printf("%s - %s [%s]\n", m.Version, m.Name, state)
		}
		return
	}

	logger.Info("running migrations", "path", *migrationsPath, "db_type", dbConfig.Type)
	if err := db.RunMigrations(ctx, *migrationsPath); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	fmt.Println("Migrations completed successfully!")
}
