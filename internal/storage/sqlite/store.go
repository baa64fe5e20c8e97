// Package sqlite provides the durable store backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/fulcrumlabs/stagegate/internal/domain"
	"github.com/fulcrumlabs/stagegate/internal/storage"
)

// Store is a SQLite implementation of storage.Store.
//
// Compare-and-set semantics rely on guarded UPDATEs (status predicate in
// the WHERE clause) and unique indexes, so no two concurrent engine steps
// can both win the same transition.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New opens (or creates) the database at dbPath and initializes the schema.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT,
			status TEXT NOT NULL,
			created_by TEXT NOT NULL,
			parent_id TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			artifact_id TEXT NOT NULL,
			stakeholder_id TEXT NOT NULL,
			status TEXT NOT NULL,
			comment TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			FOREIGN KEY (artifact_id) REFERENCES artifacts(id)
		)`,
		`CREATE TABLE IF NOT EXISTS completions (
			id TEXT PRIMARY KEY,
			parent_id TEXT NOT NULL,
			sibling_a TEXT NOT NULL,
			sibling_b TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pipeline_events (
			id TEXT PRIMARY KEY,
			artifact_id TEXT NOT NULL,
			type TEXT NOT NULL,
			detail TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_artifact_stakeholder
			ON approvals(artifact_id, stakeholder_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_completions_parent ON completions(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_parent ON artifacts(parent_id, type)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_artifact ON approvals(artifact_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_artifact ON pipeline_events(artifact_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

type artifactRow struct {
	ID        string         `db:"id"`
	Name      string         `db:"name"`
	Type      string         `db:"type"`
	Content   sql.NullString `db:"content"`
	Status    string         `db:"status"`
	CreatedBy string         `db:"created_by"`
	ParentID  sql.NullString `db:"parent_id"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (r artifactRow) toDomain() *domain.Artifact {
	art := &domain.Artifact{
		ID:        r.ID,
		Name:      r.Name,
		Type:      domain.ArtifactType(r.Type),
		Status:    domain.ArtifactStatus(r.Status),
		CreatedBy: r.CreatedBy,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Content.Valid {
		art.Content = []byte(r.Content.String)
	}
	if r.ParentID.Valid {
		art.ParentID = r.ParentID.String
	}
	return art
}

func (s *Store) CreateArtifact(ctx context.Context, art *domain.Artifact) error {
	art.CreatedAt = time.Now()
	art.UpdatedAt = art.CreatedAt

	query := `INSERT INTO artifacts (id, name, type, content, status, created_by, parent_id, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var parent sql.NullString
	if art.ParentID != "" {
		parent = sql.NullString{String: art.ParentID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		art.ID, art.Name, string(art.Type), string(art.Content), string(art.Status),
		art.CreatedBy, parent, art.CreatedAt, art.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create artifact: %w", err)
	}

	return nil
}

func (s *Store) GetArtifact(ctx context.Context, id string) (*domain.Artifact, error) {
	var row artifactRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM artifacts WHERE id = ?`, id)

	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound(fmt.Sprintf("artifact %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}

	return row.toDomain(), nil
}

func (s *Store) UpdateArtifactStatus(ctx context.Context, id string, from, to domain.ArtifactStatus) error {
	query := `UPDATE artifacts SET status = ?, updated_at = ? WHERE id = ? AND status = ?`

	result, err := s.db.ExecContext(ctx, query, string(to), time.Now(), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update artifact status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		// Distinguish a lost CAS race from an unknown id.
		var status string
		err := s.db.GetContext(ctx, &status, `SELECT status FROM artifacts WHERE id = ?`, id)
		if err == sql.ErrNoRows {
			return domain.ErrNotFound(fmt.Sprintf("artifact %s not found", id))
		}
		if err != nil {
			return fmt.Errorf("failed to check artifact status: %w", err)
		}
		return domain.ErrConflict(fmt.Sprintf("artifact %s is %s, not %s", id, status, from)).
			WithCode(domain.CodeTerminalStatus)
	}

	return nil
}

func (s *Store) ListChildren(ctx context.Context, parentID string, typ domain.ArtifactType) ([]*domain.Artifact, error) {
	var rows []artifactRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM artifacts WHERE parent_id = ? AND type = ? ORDER BY created_at ASC`,
		parentID, string(typ))
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}

	result := make([]*domain.Artifact, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toDomain())
	}
	return result, nil
}

func (s *Store) CreateApproval(ctx context.Context, appr *domain.Approval) (bool, error) {
	appr.CreatedAt = time.Now()
	appr.UpdatedAt = appr.CreatedAt

	// ON CONFLICT DO NOTHING keeps seeding idempotent per (artifact, stakeholder).
	query := `INSERT INTO approvals (id, artifact_id, stakeholder_id, status, comment, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(artifact_id, stakeholder_id) DO NOTHING`

	result, err := s.db.ExecContext(ctx, query,
		appr.ID, appr.ArtifactID, appr.StakeholderID, string(appr.Status),
		appr.Comment, appr.CreatedAt, appr.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to create approval: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

type approvalRow struct {
	ID            string         `db:"id"`
	ArtifactID    string         `db:"artifact_id"`
	StakeholderID string         `db:"stakeholder_id"`
	Status        string         `db:"status"`
	Comment       sql.NullString `db:"comment"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r approvalRow) toDomain() *domain.Approval {
	appr := &domain.Approval{
		ID:            r.ID,
		ArtifactID:    r.ArtifactID,
		StakeholderID: r.StakeholderID,
		Status:        domain.ApprovalStatus(r.Status),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.Comment.Valid {
		appr.Comment = r.Comment.String
	}
	return appr
}

func (s *Store) GetApproval(ctx context.Context, id string) (*domain.Approval, error) {
	var row approvalRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM approvals WHERE id = ?`, id)

	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound(fmt.Sprintf("approval %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}

	return row.toDomain(), nil
}

func (s *Store) ListApprovalsByArtifact(ctx context.Context, artifactID string) ([]*domain.Approval, error) {
	var rows []approvalRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM approvals WHERE artifact_id = ? ORDER BY created_at ASC`, artifactID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}

	result := make([]*domain.Approval, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toDomain())
	}
	return result, nil
}

func (s *Store) UpdateApprovalDecision(ctx context.Context, id string, decision domain.ApprovalStatus, comment string) error {
	// Single compare-and-set: the PENDING guard in the WHERE clause means
	// only one of two concurrent decisions can win.
	query := `UPDATE approvals SET status = ?, comment = ?, updated_at = ?
	          WHERE id = ? AND status = ?`

	result, err := s.db.ExecContext(ctx, query,
		string(decision), comment, time.Now(), id, string(domain.ApprovalPending))
	if err != nil {
		return fmt.Errorf("failed to update approval: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		var status string
		err := s.db.GetContext(ctx, &status, `SELECT status FROM approvals WHERE id = ?`, id)
		if err == sql.ErrNoRows {
			return domain.ErrNotFound(fmt.Sprintf("approval %s not found", id))
		}
		if err != nil {
			return fmt.Errorf("failed to check approval status: %w", err)
		}
		return domain.ErrApprovalConflict(id)
	}

	return nil
}

func (s *Store) CreateCompletion(ctx context.Context, c *domain.Completion) (bool, error) {
	c.CreatedAt = time.Now()

	// The unique index on parent_id makes the first insert win.
	query := `INSERT INTO completions (id, parent_id, sibling_a, sibling_b, status, created_at)
	          VALUES (?, ?, ?, ?, ?, ?)
	          ON CONFLICT(parent_id) DO NOTHING`

	result, err := s.db.ExecContext(ctx, query,
		c.ID, c.ParentID, c.SiblingA, c.SiblingB, c.Status, c.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to create completion: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

type completionRow struct {
	ID        string    `db:"id"`
	ParentID  string    `db:"parent_id"`
	SiblingA  string    `db:"sibling_a"`
	SiblingB  string    `db:"sibling_b"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *Store) GetCompletionByParent(ctx context.Context, parentID string) (*domain.Completion, error) {
	var row completionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM completions WHERE parent_id = ?`, parentID)

	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound(fmt.Sprintf("no completion for parent %s", parentID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get completion: %w", err)
	}

	return &domain.Completion{
		ID:        row.ID,
		ParentID:  row.ParentID,
		SiblingA:  row.SiblingA,
		SiblingB:  row.SiblingB,
		Status:    row.Status,
		CreatedAt: row.CreatedAt,
	}, nil
}

func (s *Store) AppendEvent(ctx context.Context, ev *storage.Event) error {
	query := `INSERT INTO pipeline_events (id, artifact_id, type, detail, created_at)
	          VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, ev.ID, ev.ArtifactID, ev.Type, ev.Detail, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

func (s *Store) ListEventsByArtifact(ctx context.Context, artifactID string) ([]*storage.Event, error) {
	var rows []struct {
		ID         string         `db:"id"`
		ArtifactID string         `db:"artifact_id"`
		Type       string         `db:"type"`
		Detail     sql.NullString `db:"detail"`
		CreatedAt  int64          `db:"created_at"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM pipeline_events WHERE artifact_id = ? ORDER BY created_at ASC`, artifactID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	result := make([]*storage.Event, 0, len(rows))
	for _, r := range rows {
		ev := &storage.Event{
			ID:         r.ID,
			ArtifactID: r.ArtifactID,
			Type:       r.Type,
			CreatedAt:  r.CreatedAt,
		}
		if r.Detail.Valid {
			ev.Detail = r.Detail.String
		}
		result = append(result, ev)
	}
	return result, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
