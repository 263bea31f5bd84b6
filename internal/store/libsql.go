package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/agentflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/agentflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// A single connection serializes writers, which keeps event sequences and
	// version checks consistent without BEGIN IMMEDIATE.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Instances ---

const instanceColumns = `id, definition_id, owner_id, current_step_index, status, workflow_context, step_data,
	shared_context_ref, error_message, version, created_at, updated_at, paused_at, cancelled_at, completed_at`

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *Instance) error {
	stepData, err := marshalStepData(inst.StepData)
	if err != nil {
		return fmt.Errorf("marshal step_data: %w", err)
	}
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = inst.CreatedAt
	}
	if inst.Version == 0 {
		inst.Version = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (`+instanceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.DefinitionID, inst.OwnerID, inst.CurrentStepIndex, string(inst.Status),
		nullRaw(inst.WorkflowContext), stepData, nullStr(inst.SharedContextRef), nullStr(inst.ErrorMessage),
		inst.Version, inst.CreatedAt, inst.UpdatedAt,
		nullTime(inst.PausedAt), nullTime(inst.CancelledAt), nullTime(inst.CompletedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %q already exists", inst.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("instance", id)
	}
	return inst, err
}

func (s *LibSQLStore) SaveInstance(ctx context.Context, inst *Instance) error {
	stepData, err := marshalStepData(inst.StepData)
	if err != nil {
		return fmt.Errorf("marshal step_data: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET current_step_index = ?, status = ?, workflow_context = ?, step_data = ?,
		   shared_context_ref = ?, error_message = ?, version = version + 1, updated_at = ?,
		   paused_at = ?, cancelled_at = ?, completed_at = ?
		 WHERE id = ? AND version = ?`,
		inst.CurrentStepIndex, string(inst.Status), nullRaw(inst.WorkflowContext), stepData,
		nullStr(inst.SharedContextRef), nullStr(inst.ErrorMessage), now,
		nullTime(inst.PausedAt), nullTime(inst.CancelledAt), nullTime(inst.CompletedAt),
		inst.ID, inst.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetInstance(ctx, inst.ID); getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %q was modified concurrently (version %d)", inst.ID, inst.Version)
	}
	inst.Version++
	inst.UpdatedAt = now
	return nil
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}

	query := `SELECT ` + instanceColumns + ` FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	inst := &Instance{}
	var (
		status                           string
		wfCtx, sharedRef, errMsg         sql.NullString
		stepData                         string
		pausedAt, cancelledAt, completed sql.NullTime
	)
	err := row.Scan(&inst.ID, &inst.DefinitionID, &inst.OwnerID, &inst.CurrentStepIndex, &status,
		&wfCtx, &stepData, &sharedRef, &errMsg, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt,
		&pausedAt, &cancelledAt, &completed)
	if err != nil {
		return nil, err
	}
	inst.Status = schema.InstanceStatus(status)
	inst.WorkflowContext = rawOrNil(wfCtx)
	inst.SharedContextRef = sharedRef.String
	inst.ErrorMessage = errMsg.String
	if stepData != "" {
		if err := json.Unmarshal([]byte(stepData), &inst.StepData); err != nil {
			return nil, fmt.Errorf("unmarshal step_data: %w", err)
		}
	}
	inst.PausedAt = timePtr(pausedAt)
	inst.CancelledAt = timePtr(cancelledAt)
	inst.CompletedAt = timePtr(completed)
	return inst, nil
}

// --- Step history ---

func (s *LibSQLStore) CreateStepHistory(ctx context.Context, h *StepHistory) error {
	if h.StartedAt.IsZero() {
		h.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_history (id, instance_id, step_id, step_name, step_index, agent_id, status, input, output, error_message, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.InstanceID, h.StepID, h.StepName, h.StepIndex, nullStr(h.AgentID), string(h.Status),
		nullRaw(h.Input), nullRaw(h.Output), nullStr(h.ErrorMessage), h.StartedAt, nullTime(h.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) CloseStepHistory(ctx context.Context, id string, c StepClose) error {
	if c.CompletedAt.IsZero() {
		c.CompletedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE step_history SET status = ?, output = ?, error_message = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(c.Status), nullRaw(c.Output), nullStr(c.ErrorMessage), c.CompletedAt,
		id, string(schema.StepStatusRunning),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM step_history WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound("step history", id)
	}
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeInvalidState, "step history %q already closed as %s", id, status)
}

func (s *LibSQLStore) ListStepHistory(ctx context.Context, instanceID string) ([]*StepHistory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, step_id, step_name, step_index, agent_id, status, input, output, error_message, started_at, completed_at
		 FROM step_history WHERE instance_id = ? ORDER BY started_at ASC, rowid ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StepHistory
	for rows.Next() {
		h := &StepHistory{}
		var (
			status                       string
			agentID, input, output, eMsg sql.NullString
			completed                    sql.NullTime
		)
		if err := rows.Scan(&h.ID, &h.InstanceID, &h.StepID, &h.StepName, &h.StepIndex, &agentID, &status,
			&input, &output, &eMsg, &h.StartedAt, &completed); err != nil {
			return nil, err
		}
		h.AgentID = agentID.String
		h.Status = schema.StepStatus(status)
		h.Input = rawOrNil(input)
		h.Output = rawOrNil(output)
		h.ErrorMessage = eMsg.String
		h.CompletedAt = timePtr(completed)
		out = append(out, h)
	}
	return out, rows.Err()
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-instance sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE instance_id = ?`, event.InstanceID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (instance_id, step_id, event_type, payload, actor, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.InstanceID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), nullStr(event.Actor), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	event.Sequence = seq
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// GetEvents returns events for an instance with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, step_id, event_type, payload, actor, timestamp, sequence
		 FROM events WHERE instance_id = ? AND sequence > ? ORDER BY sequence ASC`, instanceID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload, actor sql.NullString
		if err := rows.Scan(&e.ID, &e.InstanceID, &stepID, &e.Type, &payload, &actor, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		e.Actor = actor.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Handoffs ---

func (s *LibSQLStore) AppendHandoff(ctx context.Context, h *Handoff) error {
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO handoffs (id, instance_id, from_agent_id, to_agent_id, step_id, reason, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.InstanceID, h.FromAgentID, h.ToAgentID, h.StepID, nullStr(h.Reason), h.Timestamp,
	)
	return err
}

func (s *LibSQLStore) ListHandoffs(ctx context.Context, instanceID string) ([]*Handoff, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, from_agent_id, to_agent_id, step_id, reason, timestamp
		 FROM handoffs WHERE instance_id = ? ORDER BY timestamp ASC, rowid ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Handoff
	for rows.Next() {
		h := &Handoff{}
		var reason sql.NullString
		if err := rows.Scan(&h.ID, &h.InstanceID, &h.FromAgentID, &h.ToAgentID, &h.StepID, &reason, &h.Timestamp); err != nil {
			return nil, err
		}
		h.Reason = reason.String
		out = append(out, h)
	}
	return out, rows.Err()
}

// --- Shared context ---

func (s *LibSQLStore) GetSharedContext(ctx context.Context, instanceID string) (*SharedContext, error) {
	var doc string
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT document, version FROM shared_contexts WHERE instance_id = ?`, instanceID,
	).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("shared context", instanceID)
	}
	if err != nil {
		return nil, err
	}
	sc := &SharedContext{}
	if err := json.Unmarshal([]byte(doc), sc); err != nil {
		return nil, fmt.Errorf("unmarshal shared context: %w", err)
	}
	sc.normalize()
	sc.Version = version
	return sc, nil
}

func (s *LibSQLStore) SaveSharedContext(ctx context.Context, sc *SharedContext, expectedVersion int64) (bool, error) {
	next := expectedVersion + 1
	if sc.LastModifiedAt.IsZero() {
		sc.LastModifiedAt = time.Now().UTC()
	}
	toStore := *sc
	toStore.Version = next
	doc, err := json.Marshal(&toStore)
	if err != nil {
		return false, fmt.Errorf("marshal shared context: %w", err)
	}

	var res sql.Result
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO shared_contexts (instance_id, document, version, last_modified_at, last_modified_by)
			 VALUES (?, ?, ?, ?, ?) ON CONFLICT(instance_id) DO NOTHING`,
			sc.InstanceID, string(doc), next, sc.LastModifiedAt, nullStr(sc.LastModifiedBy))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE shared_contexts SET document = ?, version = ?, last_modified_at = ?, last_modified_by = ?
			 WHERE instance_id = ? AND version = ?`,
			string(doc), next, sc.LastModifiedAt, nullStr(sc.LastModifiedBy), sc.InstanceID, expectedVersion)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	sc.Version = next
	return true, nil
}

// --- Approvals ---

const approvalColumns = `id, instance_id, agent_id, step_id, proposed_response, confidence_score, reasoning, status,
	requested_at, requested_by, resolved_at, resolved_by, modified_response, rejection_reason, reminder_sent_at, version`

func (s *LibSQLStore) CreateApproval(ctx context.Context, a *ApprovalRequest) error {
	if a.RequestedAt.IsZero() {
		a.RequestedAt = time.Now().UTC()
	}
	if a.Version == 0 {
		a.Version = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (`+approvalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.InstanceID, a.AgentID, a.StepID, nullRaw(a.ProposedResponse), a.ConfidenceScore,
		nullStr(a.Reasoning), string(a.Status), a.RequestedAt, a.RequestedBy, nullTime(a.ResolvedAt),
		nullStr(a.ResolvedBy), nullRaw(a.ModifiedResponse), nullStr(a.RejectionReason), nullTime(a.ReminderSentAt),
		a.Version,
	)
	return err
}

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("approval", id)
	}
	return a, err
}

func (s *LibSQLStore) SaveApproval(ctx context.Context, a *ApprovalRequest, expectedVersion int64) (bool, error) {
	next := expectedVersion + 1
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, resolved_at = ?, resolved_by = ?, modified_response = ?,
		   rejection_reason = ?, reminder_sent_at = ?, version = ?
		 WHERE id = ? AND version = ?`,
		string(a.Status), nullTime(a.ResolvedAt), nullStr(a.ResolvedBy), nullRaw(a.ModifiedResponse),
		nullStr(a.RejectionReason), nullTime(a.ReminderSentAt), next, a.ID, expectedVersion,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	a.Version = next
	return true, nil
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRequest, error) {
	var where []string
	var args []any
	if filter.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.RequestedBefore != nil {
		where = append(where, "requested_at < ?")
		args = append(args, *filter.RequestedBefore)
	}

	query := `SELECT ` + approvalColumns + ` FROM approvals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY requested_at ASC, rowid ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanApproval(row rowScanner) (*ApprovalRequest, error) {
	a := &ApprovalRequest{}
	var (
		status                                           string
		proposed, reasoning, resolvedBy, modified, reject sql.NullString
		resolvedAt, reminderAt                           sql.NullTime
	)
	err := row.Scan(&a.ID, &a.InstanceID, &a.AgentID, &a.StepID, &proposed, &a.ConfidenceScore, &reasoning,
		&status, &a.RequestedAt, &a.RequestedBy, &resolvedAt, &resolvedBy, &modified, &reject, &reminderAt, &a.Version)
	if err != nil {
		return nil, err
	}
	a.Status = schema.ApprovalStatus(status)
	a.ProposedResponse = rawOrNil(proposed)
	a.Reasoning = reasoning.String
	a.ResolvedAt = timePtr(resolvedAt)
	a.ResolvedBy = resolvedBy.String
	a.ModifiedResponse = rawOrNil(modified)
	a.RejectionReason = reject.String
	a.ReminderSentAt = timePtr(reminderAt)
	return a, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "primary key")
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalStepData(m map[string]json.RawMessage) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
