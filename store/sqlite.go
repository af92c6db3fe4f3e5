package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/deployops/deployflow/errors"
	"github.com/deployops/deployflow/workflow"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id               TEXT PRIMARY KEY,
	project          TEXT NOT NULL,
	environment      TEXT NOT NULL,
	branch           TEXT NOT NULL,
	deployments      TEXT NOT NULL,
	release_note     TEXT NOT NULL DEFAULT '',
	requester        TEXT NOT NULL,
	chat_id          INTEGER NOT NULL,
	message_id       INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	state            TEXT NOT NULL DEFAULT 'pending',
	approver         TEXT NOT NULL DEFAULT '',
	approval_comment TEXT NOT NULL DEFAULT '',
	decided_at       INTEGER NOT NULL DEFAULT 0,
	outcome          TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS submissions (
	workflow_id   TEXT NOT NULL,
	backend       TEXT NOT NULL,
	service       TEXT NOT NULL,
	build_ref     TEXT NOT NULL,
	build_url     TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	status_reason TEXT NOT NULL DEFAULT '',
	submitted_at  INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (workflow_id, backend, service),
	FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_workflows_created_at ON workflows(created_at);
CREATE INDEX IF NOT EXISTS idx_submissions_status ON submissions(status);
`

// SQLite is the durable Store implementation.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the workflow database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(30000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; one writer connection avoids
	// SQLITE_BUSY churn under concurrent monitors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateWorkflow implements Store.
func (s *SQLite) CreateWorkflow(ctx context.Context, req *workflow.Request) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}

	deployments, err := json.Marshal(req.Deployments)
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, project, environment, branch, deployments,
			release_note, requester, chat_id, message_id, created_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.Project, req.Environment, req.Branch, string(deployments),
		req.ReleaseNote, req.Requester, req.ChatID, req.MessageID,
		req.CreatedAt.Unix(), string(req.Approval.State),
	)
	if err != nil {
		return fmt.Errorf("create workflow %s: %w", req.ID, err)
	}
	return nil
}

// GetWorkflow implements Store.
func (s *SQLite) GetWorkflow(ctx context.Context, id string) (*workflow.Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project, environment, branch, deployments, release_note,
			requester, chat_id, message_id, created_at, state, approver,
			approval_comment, decided_at, outcome
		FROM workflows WHERE id = ?`, id)

	var (
		req         workflow.Request
		deployments string
		createdAt   int64
		decidedAt   int64
		state       string
		outcome     string
	)
	err := row.Scan(&req.ID, &req.Project, &req.Environment, &req.Branch,
		&deployments, &req.ReleaseNote, &req.Requester, &req.ChatID,
		&req.MessageID, &createdAt, &state, &req.Approval.Approver,
		&req.Approval.Comment, &decidedAt, &outcome)
	if err == sql.ErrNoRows {
		return nil, errors.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}

	if err := json.Unmarshal([]byte(deployments), &req.Deployments); err != nil {
		return nil, fmt.Errorf("get workflow %s: decode deployments: %w", id, err)
	}
	req.CreatedAt = time.Unix(createdAt, 0).UTC()
	req.Approval.State = workflow.ApprovalState(state)
	req.Outcome = workflow.CompositeState(outcome)
	if decidedAt > 0 {
		req.Approval.DecidedAt = time.Unix(decidedAt, 0).UTC()
	}
	return &req, nil
}

// CompareAndSetApproval implements Store. The WHERE clause carries the
// expected prior state, so concurrent decisions race on a single atomic
// UPDATE and at most one wins.
func (s *SQLite) CompareAndSetApproval(ctx context.Context, id string, expected workflow.ApprovalState, approval workflow.Approval) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET state = ?, approver = ?, approval_comment = ?, decided_at = ?
		WHERE id = ? AND state = ?`,
		string(approval.State), approval.Approver, approval.Comment,
		approval.DecidedAt.Unix(), id, string(expected),
	)
	if err != nil {
		return fmt.Errorf("set approval %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set approval %s: %w", id, err)
	}
	if affected == 1 {
		return nil
	}

	if _, err := s.GetWorkflow(ctx, id); err != nil {
		return err
	}
	return errors.ErrAlreadyDecided
}

// SetOutcome implements Store.
func (s *SQLite) SetOutcome(ctx context.Context, id string, outcome workflow.CompositeState) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET outcome = ? WHERE id = ? AND outcome = ''`,
		string(outcome), id,
	)
	if err != nil {
		return false, fmt.Errorf("set outcome %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set outcome %s: %w", id, err)
	}
	if affected == 0 {
		if _, err := s.GetWorkflow(ctx, id); err != nil {
			return false, err
		}
	}
	return affected == 1, nil
}

// SaveSubmission implements Store.
func (s *SQLite) SaveSubmission(ctx context.Context, sub *workflow.Submission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (workflow_id, backend, service, build_ref,
			build_url, status, status_reason, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, backend, service) DO UPDATE SET
			build_ref = excluded.build_ref,
			build_url = excluded.build_url,
			status = excluded.status,
			status_reason = excluded.status_reason,
			submitted_at = excluded.submitted_at,
			updated_at = excluded.updated_at`,
		sub.WorkflowID, string(sub.Backend), sub.Service, sub.BuildRef,
		sub.BuildURL, string(sub.Status), sub.StatusReason,
		sub.SubmittedAt.Unix(), unixOrZero(sub.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save submission %s: %w", sub.Key(), err)
	}
	return nil
}

// UpdateSubmissionStatus implements Store. The transition legality check
// runs inside a transaction so concurrent observers cannot interleave
// between read and write.
func (s *SQLite) UpdateSubmissionStatus(ctx context.Context, key workflow.SubmissionKey, status workflow.BuildStatus, reason string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("update status %s: %w", key, err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM submissions
		WHERE workflow_id = ? AND backend = ? AND service = ?`,
		key.WorkflowID, string(key.Backend), key.Service,
	).Scan(&current)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("update status: no submission %s", key)
	}
	if err != nil {
		return false, fmt.Errorf("update status %s: %w", key, err)
	}

	cur := workflow.BuildStatus(current)
	if cur == status || !cur.CanTransition(status) {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE submissions SET status = ?, status_reason = ?, updated_at = ?
		WHERE workflow_id = ? AND backend = ? AND service = ?`,
		string(status), reason, time.Now().Unix(),
		key.WorkflowID, string(key.Backend), key.Service,
	)
	if err != nil {
		return false, fmt.Errorf("update status %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("update status %s: %w", key, err)
	}
	return true, nil
}

// ListSubmissions implements Store.
func (s *SQLite) ListSubmissions(ctx context.Context, workflowID string) ([]*workflow.Submission, error) {
	return s.querySubmissions(ctx, `
		SELECT workflow_id, backend, service, build_ref, build_url, status,
			status_reason, submitted_at, updated_at
		FROM submissions WHERE workflow_id = ?`, workflowID)
}

// ListNonTerminalSubmissions implements Store.
func (s *SQLite) ListNonTerminalSubmissions(ctx context.Context) ([]*workflow.Submission, error) {
	return s.querySubmissions(ctx, `
		SELECT workflow_id, backend, service, build_ref, build_url, status,
			status_reason, submitted_at, updated_at
		FROM submissions
		WHERE status NOT IN ('SUCCESS', 'FAILURE', 'ABORTED', 'UNSTABLE')`)
}

func (s *SQLite) querySubmissions(ctx context.Context, query string, args ...any) ([]*workflow.Submission, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Submission
	for rows.Next() {
		var (
			sub         workflow.Submission
			backend     string
			status      string
			submittedAt int64
			updatedAt   int64
		)
		if err := rows.Scan(&sub.WorkflowID, &backend, &sub.Service,
			&sub.BuildRef, &sub.BuildURL, &status, &sub.StatusReason,
			&submittedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		sub.Backend = workflow.BackendKind(backend)
		sub.Status = workflow.BuildStatus(status)
		sub.SubmittedAt = time.Unix(submittedAt, 0).UTC()
		if updatedAt > 0 {
			sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		}
		out = append(out, &sub)
	}
	return out, rows.Err()
}

// ListExpired implements Store.
func (s *SQLite) ListExpired(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM workflows WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list expired: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteWorkflow implements Store. Submissions cascade.
func (s *SQLite) DeleteWorkflow(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}
	return nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
