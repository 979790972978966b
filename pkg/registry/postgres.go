package registry

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vyvo/finetune/backend/pkg/template"
	"github.com/vyvo/finetune/backend/pkg/trainer"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a Postgres-backed model version store.
func NewPostgresStore(connString string) (*PostgresStore, error) {
	if strings.TrimSpace(connString) == "" {
		return nil, fmt.Errorf("postgres connection string is required")
	}
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

var _ Store = (*PostgresStore)(nil)

// EnsureSchema applies embedded migrations in lexical order.
func (s *PostgresStore) EnsureSchema() error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, name := range names {
		payload, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		sqlText := strings.TrimSpace(string(payload))
		if sqlText == "" {
			continue
		}
		if _, err := tx.Exec(sqlText); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

// Append inserts a new version, computing the next version number inside the
// insert so concurrent registrations of distinct jobs never collide on a
// stale MAX read.
func (s *PostgresStore) Append(version ModelVersion) (ModelVersion, error) {
	const query = `
        INSERT INTO model_versions (
            name, version, job_id, job_status, artifact_uri, checksum,
            format, prompt_format, framework_version, created_at
        )
        SELECT $1, COALESCE(MAX(v.version), 0) + 1, $2, $3, $4, $5, $6, $7, $8, $9
        FROM model_versions v WHERE v.name = $1
        RETURNING version
    `
	row := s.db.QueryRow(query,
		version.Name,
		version.JobID,
		string(version.JobStatus),
		version.ArtifactURI,
		nullableText(version.Checksum),
		version.Format,
		string(version.PromptFormat),
		nullableText(version.FrameworkVersion),
		version.CreatedAt,
	)
	if err := row.Scan(&version.Version); err != nil {
		return ModelVersion{}, fmt.Errorf("append model version: %w", err)
	}
	return version, nil
}

// FindByJob returns the version registered for a job id, if any.
func (s *PostgresStore) FindByJob(name, jobID string) (ModelVersion, bool, error) {
	const query = selectColumns + ` WHERE name = $1 AND job_id = $2`
	version, err := scanOne(s.db.QueryRow(query, name, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return ModelVersion{}, false, nil
	}
	if err != nil {
		return ModelVersion{}, false, err
	}
	return version, true, nil
}

// FindByChecksum returns the version holding an identical artifact, if any.
func (s *PostgresStore) FindByChecksum(name, checksum string) (ModelVersion, bool, error) {
	const query = selectColumns + ` WHERE name = $1 AND checksum = $2 ORDER BY version LIMIT 1`
	version, err := scanOne(s.db.QueryRow(query, name, checksum))
	if errors.Is(err, sql.ErrNoRows) {
		return ModelVersion{}, false, nil
	}
	if err != nil {
		return ModelVersion{}, false, err
	}
	return version, true, nil
}

// Get fetches one version.
func (s *PostgresStore) Get(name string, number int) (ModelVersion, error) {
	const query = selectColumns + ` WHERE name = $1 AND version = $2`
	version, err := scanOne(s.db.QueryRow(query, name, number))
	if errors.Is(err, sql.ErrNoRows) {
		return ModelVersion{}, ErrNotFound
	}
	return version, err
}

// Latest fetches the highest version of a model.
func (s *PostgresStore) Latest(name string) (ModelVersion, error) {
	const query = selectColumns + ` WHERE name = $1 ORDER BY version DESC LIMIT 1`
	version, err := scanOne(s.db.QueryRow(query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return ModelVersion{}, ErrNotFound
	}
	return version, err
}

// List returns all versions ascending.
func (s *PostgresStore) List(name string) ([]ModelVersion, error) {
	const query = selectColumns + ` WHERE name = $1 ORDER BY version ASC`
	rows, err := s.db.Query(query, name)
	if err != nil {
		return nil, fmt.Errorf("list model versions: %w", err)
	}
	defer rows.Close()

	var versions []ModelVersion
	for rows.Next() {
		version, err := scanOne(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model versions: %w", err)
	}
	return versions, nil
}

// Close releases database resources.
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const selectColumns = `
    SELECT name, version, job_id, job_status, artifact_uri, checksum,
           format, prompt_format, framework_version, created_at
    FROM model_versions`

func scanOne(scanner interface{ Scan(dest ...any) error }) (ModelVersion, error) {
	var (
		version   ModelVersion
		jobStatus string
		checksum  sql.NullString
		prompt    string
		framework sql.NullString
	)
	err := scanner.Scan(
		&version.Name,
		&version.Version,
		&version.JobID,
		&jobStatus,
		&version.ArtifactURI,
		&checksum,
		&version.Format,
		&prompt,
		&framework,
		&version.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ModelVersion{}, err
		}
		return ModelVersion{}, fmt.Errorf("scan model version: %w", err)
	}
	version.JobStatus = trainer.JobStatus(jobStatus)
	version.PromptFormat = template.PromptFormat(prompt)
	if checksum.Valid {
		version.Checksum = checksum.String
	}
	if framework.Valid {
		version.FrameworkVersion = framework.String
	}
	return version, nil
}

func nullableText(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
