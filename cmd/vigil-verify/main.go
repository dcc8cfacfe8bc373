// Offline audit chain verifier for Vigil.
//
// Usage:
//
//	go run cmd/vigil-verify/main.go -db ./vigil.db
//	go run cmd/vigil-verify/main.go -url http://localhost:8080
//
// With -db the ledger table is read directly and every hash is recomputed.
// With -url the running server is asked to verify its own chain.
// Exit status is 0 for an intact chain, 2 for a violation and 1 for errors.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/ledger"
	"github.com/opensource-finance/vigil/internal/repository"
)

const (
	exitOK        = 0
	exitError     = 1
	exitViolation = 2
)

func main() {
	driver := flag.String("driver", envOr("VIGIL_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	dbPath := flag.String("db", envOr("VIGIL_SQLITE_PATH", "./vigil.db"), "Path to the SQLite database")
	pgHost := flag.String("pg-host", envOr("VIGIL_POSTGRES_HOST", "localhost"), "PostgreSQL host")
	pgDB := flag.String("pg-db", envOr("VIGIL_POSTGRES_DB", "vigil"), "PostgreSQL database")
	pgUser := flag.String("pg-user", envOr("VIGIL_POSTGRES_USER", "vigil"), "PostgreSQL user")
	baseURL := flag.String("url", "", "Verify through a running server instead of the database")
	batch := flag.Int("batch", 1000, "Entries read per batch")
	timeout := flag.Duration("timeout", 5*time.Minute, "Overall verification timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var (
		report *domain.ChainReport
		err    error
	)
	if *baseURL != "" {
		report, err = verifyRemote(ctx, *baseURL)
	} else {
		report, err = verifyLocal(ctx, domain.RepositoryConfig{
			Driver:           *driver,
			SQLitePath:       *dbPath,
			PostgresHost:     *pgHost,
			PostgresPort:     5432,
			PostgresUser:     *pgUser,
			PostgresPassword: os.Getenv("VIGIL_POSTGRES_PASSWORD"),
			PostgresDB:       *pgDB,
			PostgresSSLMode:  "disable",
		}, *batch)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(exitError)
	}

	os.Exit(printReport(report))
}

func verifyLocal(ctx context.Context, cfg domain.RepositoryConfig, batch int) (*domain.ChainReport, error) {
	repo, err := repository.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	defer repo.Close()

	return ledger.VerifyStore(ctx, repo, batch)
}

func verifyRemote(ctx context.Context, baseURL string) (*domain.ChainReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/audit/verify", nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var report domain.ChainReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &report, nil
}

func printReport(report *domain.ChainReport) int {
	fmt.Printf("Entries:   %d\n", report.Entries)
	fmt.Printf("Verified:  %s\n", report.VerifiedAt.Format(time.RFC3339))

	if report.Valid {
		fmt.Println("Status:    INTACT")
		return exitOK
	}

	fmt.Println("Status:    BROKEN")
	if report.BrokenSeq != nil {
		fmt.Printf("First bad: seq %d\n", *report.BrokenSeq)
	}
	fmt.Printf("Reason:    %s\n", report.Reason)
	if report.Expected != "" {
		fmt.Printf("Expected:  %s\n", report.Expected)
		fmt.Printf("Actual:    %s\n", report.Actual)
	}
	return exitViolation
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
