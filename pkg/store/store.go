// Package store persists projects and their chat history in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ted-keystonepartners/tevor/pkg/models"
)

// ErrProjectNotFound is returned when a project ID has no row.
var ErrProjectNotFound = errors.New("project not found")

// Store persists projects and their chat history.
type Store interface {
	// CreateProject inserts a project, assigning an ID and timestamp when unset.
	CreateProject(ctx context.Context, p models.Project) (models.Project, error)
	// GetProject returns the project with the given ID or ErrProjectNotFound.
	GetProject(ctx context.Context, projectID string) (models.Project, error)
	// ListProjects returns all projects, newest first.
	ListProjects(ctx context.Context) ([]models.Project, error)
	// DeleteProject removes a project and its chat history or returns
	// ErrProjectNotFound.
	DeleteProject(ctx context.Context, projectID string) error
	// RecordMessage stores one exchange and returns its row ID.
	RecordMessage(ctx context.Context, m models.MessageRecord) (int64, error)
	// History returns the last limit messages of a project, oldest first.
	// A non-positive limit returns the whole history.
	History(ctx context.Context, projectID string, limit int) ([]models.MessageRecord, error)
	// Close releases resources.
	Close() error
}

// SQLiteStore implements Store with a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const createProjectsTable = `
CREATE TABLE IF NOT EXISTS projects (
	project_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	project_type TEXT NOT NULL DEFAULT '',
	current_stage TEXT NOT NULL DEFAULT '',
	expected_spaces TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const createMessagesTable = `
CREATE TABLE IF NOT EXISTS chat_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL UNIQUE,
	project_id TEXT NOT NULL REFERENCES projects(project_id),
	user_message TEXT NOT NULL,
	ai_response TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_project ON chat_messages(project_id, id);
`

// New creates a SQLiteStore and runs auto-migration.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}

	if _, err := db.Exec(createProjectsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate projects table: %w", err)
	}

	if _, err := db.Exec(createMessagesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate chat_messages table: %w", err)
	}

	// Databases written before replies were tagged lack the source column.
	if !columnExists(db, "chat_messages", "source") {
		if _, err := db.Exec(`ALTER TABLE chat_messages ADD COLUMN source TEXT NOT NULL DEFAULT ''`); err != nil {
			db.Close()
			return nil, fmt.Errorf("add source column: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}

// NewProjectID returns an ID like proj_1a2b3c4d.
func NewProjectID() string {
	return "proj_" + uuid.NewString()[:8]
}

// CreateProject inserts p. An empty ProjectID or zero CreatedAt is filled in.
func (s *SQLiteStore) CreateProject(ctx context.Context, p models.Project) (models.Project, error) {
	if p.ProjectID == "" {
		p.ProjectID = NewProjectID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.ExpectedSpaces == nil {
		p.ExpectedSpaces = []string{}
	}

	spaces, err := json.Marshal(p.ExpectedSpaces)
	if err != nil {
		return models.Project{}, fmt.Errorf("encode expected spaces: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (project_id, name, description, project_type, current_stage, expected_spaces, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ProjectID, p.Name, p.Description, p.ProjectType, p.CurrentStage, string(spaces), p.CreatedAt,
	)
	if err != nil {
		return models.Project{}, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

const projectColumns = `project_id, name, description, project_type, current_stage, expected_spaces, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (models.Project, error) {
	var p models.Project
	var spaces string
	if err := row.Scan(&p.ProjectID, &p.Name, &p.Description, &p.ProjectType, &p.CurrentStage, &spaces, &p.CreatedAt); err != nil {
		return models.Project{}, err
	}
	if err := json.Unmarshal([]byte(spaces), &p.ExpectedSpaces); err != nil {
		return models.Project{}, fmt.Errorf("decode expected spaces: %w", err)
	}
	return p, nil
}

// GetProject returns the project with the given ID.
func (s *SQLiteStore) GetProject(ctx context.Context, projectID string) (models.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE project_id = ?`, projectID)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Project{}, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	if err != nil {
		return models.Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// ListProjects returns all projects, newest first.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, project_id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// DeleteProject removes the project and its messages in one transaction.
func (s *SQLiteStore) DeleteProject(ctx context.Context, projectID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE project_id = ?`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	return tx.Commit()
}

// RecordMessage stores one exchange and returns its row ID.
func (s *SQLiteStore) RecordMessage(ctx context.Context, m models.MessageRecord) (int64, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (message_id, project_id, user_message, ai_response, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.ProjectID, m.UserMessage, m.AIResponse, m.Source, m.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("record message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("record message id: %w", err)
	}
	return id, nil
}

// History returns the last limit messages of a project, oldest first.
func (s *SQLiteStore) History(ctx context.Context, projectID string, limit int) ([]models.MessageRecord, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, project_id, user_message, ai_response, source, created_at
		 FROM chat_messages WHERE project_id = ? ORDER BY id DESC LIMIT ?`,
		projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []models.MessageRecord
	for rows.Next() {
		var m models.MessageRecord
		if err := rows.Scan(&m.ID, &m.MessageID, &m.ProjectID, &m.UserMessage, &m.AIResponse, &m.Source, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		records = append(records, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(records)
	return records, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
