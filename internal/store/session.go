package store

import (
	"database/sql"
	"regexp"
	"time"

	"ruleflow/internal/errs"
	"ruleflow/internal/model"
)

// identifierPattern guards every physical tablename accepted from a
// workflow definition before it is interpolated into a SQL statement
// (sqlite has no table-name bind parameter), preventing SQL injection via
// a crafted `tables:` value.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return errs.New(errs.ContentViolation, "physical tablename is not a valid identifier").WithContext("table", name)
	}
	return nil
}

// session is the common transactional core shared by SchemaSession and
// WorkerSession. All writes funnel through store.mu, held only for the
// duration of a single commit/rollback/execute — never across user code,
// per spec §5.
type session struct {
	store *Store
	tx    *sql.Tx
}

func (s *session) begin(store *Store) error {
	tx, err := store.db.Begin()
	if err != nil {
		return errs.Wrap(errs.PersistenceFailure, "beginning session", err)
	}
	s.store = store
	s.tx = tx
	return nil
}

// Execute runs a DML/DDL statement under the shared write lock.
func (s *session) Execute(query string, args ...any) (sql.Result, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	res, err := s.tx.Exec(query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.PersistenceFailure, "executing statement", err)
	}
	return res, nil
}

// Query runs a read-only statement. Reads do not need the write lock.
func (s *session) Query(query string, args ...any) (*sql.Rows, error) {
	rows, err := s.tx.Query(query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.PersistenceFailure, "querying", err)
	}
	return rows, nil
}

// Delete removes rows matching a WHERE clause built by the caller.
func (s *session) Delete(table, whereClause string, args ...any) error {
	_, err := s.Execute("DELETE FROM "+table+" WHERE "+whereClause, args...)
	return err
}

// Commit commits the session's transaction.
func (s *session) Commit() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if err := s.tx.Commit(); err != nil {
		return errs.Wrap(errs.PersistenceFailure, "committing session", err)
	}
	return nil
}

// Rollback rolls back the session's transaction.
func (s *session) Rollback() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if err := s.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return errs.Wrap(errs.PersistenceFailure, "rolling back session", err)
	}
	return nil
}

// Close is a no-op: the session's lifecycle is driven entirely by
// Commit/Rollback, matching sqlite's single-transaction-per-session model.
func (s *session) Close() error { return nil }

// ---------------------------------------------------------------------
// SchemaSession: binding-time row creation + get-or-create discipline.
// ---------------------------------------------------------------------

// SchemaSession is used exclusively by the binder (spec §9: split the
// "commit/rollback trick" session into one used only for schema-time
// mutation and get-or-create, and one used only for execution DML).
type SchemaSession struct {
	session
}

// OpenSchemaSession starts a new binding-time session.
func (s *Store) OpenSchemaSession() (*SchemaSession, error) {
	ss := &SchemaSession{}
	if err := ss.begin(s); err != nil {
		return nil, err
	}
	return ss, nil
}

// CreateExecution inserts a new Execution row.
func (s *SchemaSession) CreateExecution(startedAt time.Time) (*model.Execution, error) {
	res, err := s.Execute(
		`INSERT INTO wom_execution (started_at, status) VALUES (?, ?)`,
		startedAt.UnixMilli(), model.ExecutionRunning,
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errs.Wrap(errs.PersistenceFailure, "reading execution id", err)
	}
	return &model.Execution{ID: id, StartedAt: startedAt, Status: model.ExecutionRunning}, nil
}

// CreateRule inserts a new Rule row under execution. Returns
// errs.DuplicateRule if rule_name is already used within this execution
// (I1), enforced by the UNIQUE(execution_id, rule_name) constraint.
func (s *SchemaSession) CreateRule(executionID int64, ruleName, toolIdentifier string) (*model.Rule, error) {
	res, err := s.Execute(
		`INSERT INTO wom_rule (execution_id, rule_name, tool_identifier, status) VALUES (?, ?, ?, ?)`,
		executionID, ruleName, toolIdentifier, model.RuleNotExecuted,
	)
	if err != nil {
		return nil, errs.New(errs.DuplicateRule, "rule name already used in this execution").Rule(ruleName)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errs.Wrap(errs.PersistenceFailure, "reading rule id", err)
	}
	return &model.Rule{
		ID: id, ExecutionID: executionID, RuleName: ruleName, ToolIdentifier: toolIdentifier,
		Status: model.RuleNotExecuted, Transient: model.StateNew,
	}, nil
}

// AddFileDescriptor inserts a FileDescriptor for ruleID.
func (s *SchemaSession) AddFileDescriptor(ruleID int64, name, path string, role model.Role) (*model.FileDescriptor, error) {
	typeID, err := s.roleTypeID(role)
	if err != nil {
		return nil, err
	}
	res, err := s.Execute(
		`INSERT INTO wom_file_iio (rule_id, name, path, type_id) VALUES (?, ?, ?, ?)`,
		ruleID, name, path, typeID,
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errs.Wrap(errs.PersistenceFailure, "reading file descriptor id", err)
	}
	return &model.FileDescriptor{ID: id, RuleID: ruleID, Name: name, Path: path, Role: role}, nil
}

// AddTableDescriptor inserts a TableDescriptor for ruleID. The
// TableModification row for physicalTable must already exist (see
// GetOrCreateTableModification), enforced by the foreign key.
func (s *SchemaSession) AddTableDescriptor(ruleID int64, logicalName, physicalTable, modelIdentifier string, role model.Role) (*model.TableDescriptor, error) {
	if err := validIdentifier(physicalTable); err != nil {
		return nil, err
	}
	typeID, err := s.roleTypeID(role)
	if err != nil {
		return nil, err
	}
	res, err := s.Execute(
		`INSERT INTO wom_table_iio (rule_id, logical_name, physical_tablename, model_identifier, type_id) VALUES (?, ?, ?, ?, ?)`,
		ruleID, logicalName, physicalTable, modelIdentifier, typeID,
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errs.Wrap(errs.PersistenceFailure, "reading table descriptor id", err)
	}
	return &model.TableDescriptor{
		ID: id, RuleID: ruleID, LogicalName: logicalName, PhysicalTable: physicalTable,
		ModelIdentifier: modelIdentifier, Role: role,
	}, nil
}

// AddOption inserts an Option for ruleID.
func (s *SchemaSession) AddOption(ruleID int64, name, value string) (*model.Option, error) {
	res, err := s.Execute(`INSERT INTO wom_option (rule_id, name, value) VALUES (?, ?, ?)`, ruleID, name, value)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errs.Wrap(errs.PersistenceFailure, "reading option id", err)
	}
	return &model.Option{ID: id, RuleID: ruleID, Name: name, Value: value}, nil
}

// GetOrCreateTableModification implements the "get_or_create" discipline
// of spec §4.7 for the shared TableModification ledger (I4): idempotent
// across concurrent binders, since both the INSERT OR IGNORE and the
// follow-up SELECT run under the store's single write lock.
func (s *SchemaSession) GetOrCreateTableModification(physicalTable string, now time.Time) (*model.TableModification, bool, error) {
	if err := validIdentifier(physicalTable); err != nil {
		return nil, false, err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	res, err := s.tx.Exec(
		`INSERT OR IGNORE INTO wom_modification_table (physical_tablename, modified_at) VALUES (?, ?)`,
		physicalTable, now.UnixMilli(),
	)
	if err != nil {
		return nil, false, errs.Wrap(errs.PersistenceFailure, "creating table modification row", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, errs.Wrap(errs.PersistenceFailure, "reading rows affected", err)
	}
	created := n > 0

	var modifiedAt int64
	err = s.tx.QueryRow(
		`SELECT modified_at FROM wom_modification_table WHERE physical_tablename = ?`, physicalTable,
	).Scan(&modifiedAt)
	if err != nil {
		return nil, false, errs.Wrap(errs.PersistenceFailure, "reading table modification row", err)
	}
	return &model.TableModification{PhysicalTable: physicalTable, ModifiedAt: modifiedAt}, created, nil
}

func (s *session) roleTypeID(role model.Role) (int64, error) {
	return roleTypeID(s.tx, role == model.RoleInput)
}

// ---------------------------------------------------------------------
// WorkerSession: execution-time DML only, no DDL, no get-or-create.
// ---------------------------------------------------------------------

// WorkerSession is used by scheduler workers while running rules. It never
// issues DDL, matching the design note in spec §9.
type WorkerSession struct {
	session
}

// OpenWorkerSession starts a new worker-time session.
func (s *Store) OpenWorkerSession() (*WorkerSession, error) {
	ws := &WorkerSession{}
	if err := ws.begin(s); err != nil {
		return nil, err
	}
	return ws, nil
}

// LoadRule reads back a Rule and its descriptors/options by id.
func (s *WorkerSession) LoadRule(ruleID int64) (*model.Rule, error) {
	var r model.Rule
	var started, finished, duration sql.NullInt64
	err := s.tx.QueryRow(
		`SELECT id, execution_id, rule_name, tool_identifier, started_at, finished_at, duration_ms, status
		 FROM wom_rule WHERE id = ?`, ruleID,
	).Scan(&r.ID, &r.ExecutionID, &r.RuleName, &r.ToolIdentifier, &started, &finished, &duration, &r.Status)
	if err != nil {
		return nil, errs.Wrap(errs.PersistenceFailure, "loading rule", err)
	}
	if started.Valid {
		t := time.UnixMilli(started.Int64)
		r.StartedAt = &t
	}
	if finished.Valid {
		t := time.UnixMilli(finished.Int64)
		r.FinishedAt = &t
	}
	if duration.Valid {
		d := duration.Int64
		r.DurationMs = &d
	}

	files, err := s.loadFiles(ruleID)
	if err != nil {
		return nil, err
	}
	r.Files = files

	tables, err := s.loadTables(ruleID)
	if err != nil {
		return nil, err
	}
	r.Tables = tables

	opts, err := s.loadOptions(ruleID)
	if err != nil {
		return nil, err
	}
	r.Options = opts

	return &r, nil
}

func (s *WorkerSession) loadFiles(ruleID int64) ([]*model.FileDescriptor, error) {
	rows, err := s.Query(
		`SELECT f.id, f.name, f.path, t.is_input, f.mtime_epoch_millis, f.size, f.used_at
		 FROM wom_file_iio f JOIN wom_type_input_or_output t ON t.id = f.type_id
		 WHERE f.rule_id = ?`, ruleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.FileDescriptor
	for rows.Next() {
		var f model.FileDescriptor
		var isInput bool
		var mtime, size, usedAt sql.NullInt64
		if err := rows.Scan(&f.ID, &f.Name, &f.Path, &isInput, &mtime, &size, &usedAt); err != nil {
			return nil, errs.Wrap(errs.PersistenceFailure, "scanning file descriptor", err)
		}
		f.RuleID = ruleID
		f.Role = roleFromBool(isInput)
		if mtime.Valid {
			v := mtime.Int64
			f.MtimeEpochMillis = &v
		}
		if size.Valid {
			v := size.Int64
			f.Size = &v
		}
		if usedAt.Valid {
			v := usedAt.Int64
			f.UsedAt = &v
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (s *WorkerSession) loadTables(ruleID int64) ([]*model.TableDescriptor, error) {
	rows, err := s.Query(
		`SELECT d.id, d.logical_name, d.physical_tablename, d.model_identifier, t.is_input, d.used_at
		 FROM wom_table_iio d JOIN wom_type_input_or_output t ON t.id = d.type_id
		 WHERE d.rule_id = ?`, ruleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.TableDescriptor
	for rows.Next() {
		var d model.TableDescriptor
		var isInput bool
		var usedAt sql.NullInt64
		if err := rows.Scan(&d.ID, &d.LogicalName, &d.PhysicalTable, &d.ModelIdentifier, &isInput, &usedAt); err != nil {
			return nil, errs.Wrap(errs.PersistenceFailure, "scanning table descriptor", err)
		}
		d.RuleID = ruleID
		d.Role = roleFromBool(isInput)
		if usedAt.Valid {
			v := usedAt.Int64
			d.UsedAt = &v
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *WorkerSession) loadOptions(ruleID int64) ([]*model.Option, error) {
	rows, err := s.Query(`SELECT id, name, value FROM wom_option WHERE rule_id = ?`, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Option
	for rows.Next() {
		var o model.Option
		if err := rows.Scan(&o.ID, &o.Name, &o.Value); err != nil {
			return nil, errs.Wrap(errs.PersistenceFailure, "scanning option", err)
		}
		o.RuleID = ruleID
		out = append(out, &o)
	}
	return out, rows.Err()
}

func roleFromBool(isInput bool) model.Role {
	if isInput {
		return model.RoleInput
	}
	return model.RoleOutput
}

// GetTableModification reads the freshness ledger row for a physical
// table, or nil if it does not exist.
func (s *WorkerSession) GetTableModification(physicalTable string) (*model.TableModification, error) {
	var tm model.TableModification
	err := s.tx.QueryRow(
		`SELECT physical_tablename, modified_at FROM wom_modification_table WHERE physical_tablename = ?`, physicalTable,
	).Scan(&tm.PhysicalTable, &tm.ModifiedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.PersistenceFailure, "reading table modification", err)
	}
	return &tm, nil
}

// BumpTableModification advances a table's freshness timestamp to at,
// called exactly once at the end of a successful rule execution that
// writes the table (spec §4.5 step 5b).
func (s *WorkerSession) BumpTableModification(physicalTable string, at time.Time) error {
	_, err := s.Execute(
		`UPDATE wom_modification_table SET modified_at = ? WHERE physical_tablename = ?`,
		at.UnixMilli(), physicalTable,
	)
	return err
}

// RowCount returns the number of rows in a physical table, used by the
// freshness evaluator's "output exists" table check.
// physicalTable is validated as a plain identifier before being
// interpolated, since sqlite has no bind-parameter for table names.
func (s *WorkerSession) RowCount(physicalTable string) (int64, error) {
	if err := validIdentifier(physicalTable); err != nil {
		return 0, err
	}
	var n int64
	if err := s.tx.QueryRow(`SELECT COUNT(*) FROM ` + physicalTable).Scan(&n); err != nil {
		return 0, errs.Wrap(errs.PersistenceFailure, "counting rows", err).WithContext("table", physicalTable)
	}
	return n, nil
}

// TableExists reports whether physicalTable exists in the database,
// independent of the freshness ledger (used when a rule's output table is
// a real user table that the rule body itself creates).
func (s *WorkerSession) TableExists(physicalTable string) (bool, error) {
	if err := validIdentifier(physicalTable); err != nil {
		return false, err
	}
	var name string
	err := s.tx.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, physicalTable).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.Wrap(errs.PersistenceFailure, "checking table existence", err)
	}
	return true, nil
}

// MarkRuleStarted records a rule's started_at timestamp.
func (s *WorkerSession) MarkRuleStarted(ruleID int64, at time.Time) error {
	_, err := s.Execute(`UPDATE wom_rule SET started_at = ? WHERE id = ?`, at.UnixMilli(), ruleID)
	return err
}

// MarkRuleAlreadyExecuted finalizes a rule that was skipped because its
// outputs were already fresh: duration is recorded as 0.
func (s *WorkerSession) MarkRuleAlreadyExecuted(ruleID int64, at time.Time) error {
	_, err := s.Execute(
		`UPDATE wom_rule SET started_at = ?, finished_at = ?, duration_ms = 0, status = ? WHERE id = ?`,
		at.UnixMilli(), at.UnixMilli(), model.RuleAlreadyExec, ruleID,
	)
	return err
}

// MarkRuleExecuted finalizes a rule that ran its callback successfully.
func (s *WorkerSession) MarkRuleExecuted(ruleID int64, finishedAt time.Time, durationMs int64) error {
	_, err := s.Execute(
		`UPDATE wom_rule SET finished_at = ?, duration_ms = ?, status = ? WHERE id = ?`,
		finishedAt.UnixMilli(), durationMs, model.RuleExecuted, ruleID,
	)
	return err
}

// MarkRuleExecutionError finalizes a rule whose callback failed.
func (s *WorkerSession) MarkRuleExecutionError(ruleID int64, finishedAt time.Time) error {
	_, err := s.Execute(
		`UPDATE wom_rule SET finished_at = ?, status = ? WHERE id = ?`,
		finishedAt.UnixMilli(), model.RuleExecutionErr, ruleID,
	)
	return err
}

// MarkRuleNotPlanned finalizes a rule that never became ready because a
// predecessor failed.
func (s *WorkerSession) MarkRuleNotPlanned(ruleID int64) error {
	_, err := s.Execute(`UPDATE wom_rule SET status = ? WHERE id = ?`, model.RuleNotPlanned, ruleID)
	return err
}

// MarkExecutionFinished records the terminal status and finished_at for an
// Execution.
func (s *WorkerSession) MarkExecutionFinished(executionID int64, finishedAt time.Time, status model.ExecutionStatus) error {
	_, err := s.Execute(
		`UPDATE wom_execution SET finished_at = ?, status = ? WHERE id = ?`,
		finishedAt.UnixMilli(), status, executionID,
	)
	return err
}

// RecordFileUsage persists the provenance of a file descriptor as of this
// run (mtime/size for input or output use), per spec §4.5 step 5.
func (s *WorkerSession) RecordFileUsage(fileID int64, mtimeMillis, size *int64) error {
	_, err := s.Execute(
		`UPDATE wom_file_iio SET mtime_epoch_millis = ?, size = ?, used_at = ? WHERE id = ?`,
		mtimeMillis, size, mtimeMillis, fileID,
	)
	return err
}

// RecordTableUsage persists the modification time a table descriptor was
// used at.
func (s *WorkerSession) RecordTableUsage(tableID, usedAt int64) error {
	_, err := s.Execute(`UPDATE wom_table_iio SET used_at = ? WHERE id = ?`, usedAt, tableID)
	return err
}

// LoadLatestCompletedRule finds the most recently finished prior run of
// ruleName (across any execution, excluding excludeRuleID) with status
// EXECUTED or ALREADY_EXECUTED, for the freshness evaluator's provenance
// comparison. Returns nil if the rule never completed before.
func (s *WorkerSession) LoadLatestCompletedRule(ruleName string, excludeRuleID int64) (*model.Rule, error) {
	var id int64
	err := s.tx.QueryRow(
		`SELECT id FROM wom_rule
		 WHERE rule_name = ? AND id != ? AND status IN (?, ?)
		 ORDER BY finished_at DESC LIMIT 1`,
		ruleName, excludeRuleID, model.RuleExecuted, model.RuleAlreadyExec,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.PersistenceFailure, "finding latest completed rule", err)
	}
	return s.LoadRule(id)
}

// RulesForExecution lists the id of every rule bound to an execution, in
// insertion order.
func (s *WorkerSession) RulesForExecution(executionID int64) ([]int64, error) {
	rows, err := s.Query(`SELECT id FROM wom_rule WHERE execution_id = ? ORDER BY id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.PersistenceFailure, "scanning rule id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
