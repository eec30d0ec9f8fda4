package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"offsync/internal/migrations"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	dbPath := flag.String("db", "./offsync.db", "Path to the database file")
	statusOnly := flag.Bool("status", false, "Print the schema version and pending migrations without applying them")
	flag.Parse()

	if _, err := os.Stat(*dbPath); os.IsNotExist(err) {
		log.Fatalf("Database file not found: %s", *dbPath)
	}

	db, err := sql.Open("sqlite3", *dbPath+"?_busy_timeout=5000")
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := migrate(context.Background(), db, *statusOnly, os.Stdout); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}

func migrate(ctx context.Context, db *sql.DB, statusOnly bool, out io.Writer) error {
	current, err := migrations.CurrentVersion(ctx, db)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Current schema version: %d\n", current)

	all, err := migrations.Load()
	if err != nil {
		return err
	}

	pending := 0
	for _, m := range all {
		if m.Version > current {
			pending++
			fmt.Fprintf(out, "Pending: %s\n", m.Name)
		}
	}
	if pending == 0 {
		fmt.Fprintln(out, "Schema is up to date")
		return nil
	}
	if statusOnly {
		return nil
	}

	applied, err := migrations.Apply(ctx, db)
	for _, v := range applied {
		fmt.Fprintf(out, "Applied migration %d\n", v)
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Migrations completed successfully")
	return nil
}
