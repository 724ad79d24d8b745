package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

// Checks that a signal-core database has every expected table and a few of
// the columns migrations add to older files.
//
// Usage:
//
//	go run ./scripts/verify_schema [path/to/signalcore.db]
func main() {
	dbPath := "./data/signalcore.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	fmt.Printf("Verifying database at: %s\n", dbPath)

	database, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer database.Close()

	tables := []string{
		"signals",
		"direction_policies",
		"queued_operations",
		"orders",
		"positions",
		"commission_records",
		"ledger_entries",
		"users",
		"connections",
	}

	missing := 0
	for _, table := range tables {
		var name string
		err := database.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		switch {
		case err == sql.ErrNoRows:
			fmt.Printf("MISSING table %s\n", table)
			missing++
		case err != nil:
			log.Fatalf("query sqlite_master: %v", err)
		default:
			fmt.Printf("ok      table %s\n", table)
		}
	}

	// columns added by later migrations
	columns := map[string]string{
		"signals": "policy_stale",
		"orders":  "client_order_id",
		"users":   "funding",
	}
	for table, column := range columns {
		var schema string
		if err := database.QueryRow(
			"SELECT sql FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&schema); err != nil {
			continue
		}
		if strings.Contains(schema, column) {
			fmt.Printf("ok      column %s.%s\n", table, column)
		} else {
			fmt.Printf("MISSING column %s.%s\n", table, column)
			missing++
		}
	}

	if missing > 0 {
		log.Fatalf("%d schema objects missing; run the service once to migrate", missing)
	}
	fmt.Println("Schema OK")
}
