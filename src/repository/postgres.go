// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"continuumtasks/src/logging"
	"continuumtasks/src/model"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const Schema = `
CREATE TABLE IF NOT EXISTS TASKS (
	OID                UUID PRIMARY KEY,
	IDENTIFIER         TEXT NOT NULL UNIQUE,
	NAME               TEXT NOT NULL DEFAULT '',
	DESCRIPTION        TEXT NOT NULL DEFAULT '',
	CATEGORY           TEXT NOT NULL DEFAULT '',
	NODE               TEXT NOT NULL DEFAULT '',
	EXECUTION_STATUS   TEXT NOT NULL CHECK (EXECUTION_STATUS IN ('runnable', 'waiting', 'suspended', 'closed')),
	RECURRENCE         TEXT NOT NULL CHECK (RECURRENCE IN ('single', 'recurring')),
	BINDING            TEXT NOT NULL CHECK (BINDING IN ('tight', 'loose')),
	SCHEDULE           JSONB,
	THREAD_STOP_ACTION TEXT NOT NULL DEFAULT '',
	HANDLER_URI        TEXT NOT NULL DEFAULT '',
	OTHER_HANDLERS     JSONB NOT NULL DEFAULT '[]',
	OWNER_REF          JSONB,
	OBJECT_REF         JSONB,
	PROGRESS           BIGINT NOT NULL DEFAULT 0,
	LAST_RUN_START     TIMESTAMPTZ,
	LAST_RUN_FINISH    TIMESTAMPTZ,
	RESULT             JSONB,
	RESULT_STATUS      TEXT NOT NULL DEFAULT '',
	EXTENSION          JSONB NOT NULL DEFAULT '{}',
	LOCKED_AT          TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS OBJECTS (
	OID  TEXT NOT NULL,
	TYPE TEXT NOT NULL,
	DATA JSONB NOT NULL,
	PRIMARY KEY (OID, TYPE)
);
`

// columns maps persistable fields to their TASKS column. Extension changes
// are handled separately because they address a key inside a JSONB column.
var columns = map[model.Field]string{
	model.FieldName:             "NAME",
	model.FieldDescription:      "DESCRIPTION",
	model.FieldCategory:         "CATEGORY",
	model.FieldNode:             "NODE",
	model.FieldExecutionStatus:  "EXECUTION_STATUS",
	model.FieldRecurrence:       "RECURRENCE",
	model.FieldBinding:          "BINDING",
	model.FieldSchedule:         "SCHEDULE",
	model.FieldThreadStopAction: "THREAD_STOP_ACTION",
	model.FieldHandlerURI:       "HANDLER_URI",
	model.FieldOtherHandlers:    "OTHER_HANDLERS",
	model.FieldProgress:         "PROGRESS",
	model.FieldLastRunStart:     "LAST_RUN_START",
	model.FieldLastRunFinish:    "LAST_RUN_FINISH",
	model.FieldResult:           "RESULT",
	model.FieldResultStatus:     "RESULT_STATUS",
}

const selectTask = `
	SELECT oid, identifier, name, description, category, node, execution_status, recurrence, binding,
	       schedule, thread_stop_action, handler_uri, other_handlers, owner_ref, object_ref, progress,
	       last_run_start, last_run_finish, result, result_status, extension
	FROM TASKS
	WHERE OID = $1`

// PostgresStore is the durable task store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", mapError(err))
	}
	return nil
}

func (s *PostgresStore) Add(ctx context.Context, rec model.TaskRecord) (string, error) {
	if rec.OID == "" {
		rec.OID = uuid.New().String()
	}
	args, err := recordArgs(rec)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO TASKS (oid, identifier, name, description, category, node, execution_status, recurrence, binding,
		                   schedule, thread_stop_action, handler_uri, other_handlers, owner_ref, object_ref, progress,
		                   last_run_start, last_run_finish, result, result_status, extension)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		args...)
	if err != nil {
		return "", fmt.Errorf("failed to insert task %s: %w", rec.Identifier, mapError(err))
	}
	return rec.OID, nil
}

func (s *PostgresStore) Get(ctx context.Context, oid string) (*model.TaskRecord, error) {
	var rec model.TaskRecord
	var schedule, others, owner, object, result, extension []byte
	var lastRunStart, lastRunFinish sql.NullTime
	var execution, recurrence, binding, stopAction, resultStatus string
	err := s.db.QueryRowContext(ctx, selectTask, oid).Scan(
		&rec.OID, &rec.Identifier, &rec.Name, &rec.Description, &rec.Category, &rec.Node,
		&execution, &recurrence, &binding, &schedule, &stopAction, &rec.HandlerURI, &others,
		&owner, &object, &rec.Progress, &lastRunStart, &lastRunFinish, &result, &resultStatus, &extension,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(oid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", oid, mapError(err))
	}

	rec.ExecutionStatus = model.ExecutionStatus(execution)
	rec.Recurrence = model.Recurrence(recurrence)
	rec.Binding = model.Binding(binding)
	rec.ThreadStopAction = model.ThreadStopAction(stopAction)
	rec.ResultStatus = model.ResultStatus(resultStatus)
	if lastRunStart.Valid {
		rec.LastRunStart = &lastRunStart.Time
	}
	if lastRunFinish.Valid {
		rec.LastRunFinish = &lastRunFinish.Time
	}
	for _, col := range []struct {
		raw  []byte
		into any
	}{
		{schedule, &rec.Schedule},
		{others, &rec.OtherHandlers},
		{owner, &rec.Owner},
		{object, &rec.ObjectRef},
		{result, &rec.Result},
		{extension, &rec.Extension},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.into); err != nil {
			return nil, schemaErrorf("task %s: %v", oid, err)
		}
	}
	return &rec, nil
}

// ApplyChanges applies the changes in order inside one transaction.
func (s *PostgresStore) ApplyChanges(ctx context.Context, oid string, changes []model.Change) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, c := range changes {
		query, args, err := changeStatement(oid, c)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to apply %s to task %s: %w", c.Path(), oid, mapError(err))
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return notFound(oid)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", mapError(err))
	}
	return nil
}

// ClaimRunnable locks one runnable task for node, like the worker's pending
// task pickup: the row is selected with SKIP LOCKED so concurrent workers
// never claim the same task.
func (s *PostgresStore) ClaimRunnable(ctx context.Context, node string) (*model.TaskRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	var oid string
	err = tx.QueryRowContext(ctx, `
		SELECT oid
		FROM TASKS
		WHERE EXECUTION_STATUS = 'runnable'
		AND HANDLER_URI <> ''
		AND LOCKED_AT IS NULL
		ORDER BY LAST_RUN_START ASC NULLS FIRST
		LIMIT 1
		FOR UPDATE SKIP LOCKED`).Scan(&oid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying task: %w", mapError(err))
	}

	if _, err := tx.ExecContext(ctx, "UPDATE TASKS SET LOCKED_AT = NOW(), NODE = $1 WHERE OID = $2", node, oid); err != nil {
		return nil, fmt.Errorf("error locking task %s: %w", oid, mapError(err))
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("error committing transaction: %w", err)
	}
	return s.Get(ctx, oid)
}

func (s *PostgresStore) Release(ctx context.Context, oid string) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE TASKS SET LOCKED_AT = NULL WHERE OID = $1", oid); err != nil {
		return fmt.Errorf("failed to release task %s: %w", oid, mapError(err))
	}
	return nil
}

// ReleaseStale unlocks tasks held longer than olderThan, which happens when a
// worker crashed while executing them.
func (s *PostgresStore) ReleaseStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE TASKS
		SET LOCKED_AT = NULL
		WHERE LOCKED_AT < NOW() - make_interval(secs => $1)
		RETURNING OID`, olderThan.Seconds())
	if err != nil {
		return nil, fmt.Errorf("error recovering tasks: %w", mapError(err))
	}
	defer rows.Close()

	var oids []string
	for rows.Next() {
		var oid string
		if err := rows.Scan(&oid); err != nil {
			return nil, err
		}
		oids = append(oids, oid)
	}
	return oids, rows.Err()
}

// Resolve loads an object referenced by a task. The payload is returned as
// decoded JSON.
func (s *PostgresStore) Resolve(ctx context.Context, ref model.ObjectRef) (any, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM OBJECTS WHERE OID = $1 AND TYPE = $2", ref.OID, ref.Type).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(ref.OID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load object %s: %w", ref.OID, mapError(err))
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, schemaErrorf("object %s: %v", ref.OID, err)
	}
	return obj, nil
}

func changeStatement(oid string, c model.Change) (string, []any, error) {
	if c.Field == model.FieldExtension {
		if c.Key == "" {
			return "", nil, schemaErrorf("extension change without a key")
		}
		if c.Op == model.OpDelete {
			return "UPDATE TASKS SET EXTENSION = EXTENSION - $1 WHERE OID = $2", []any{c.Key, oid}, nil
		}
		v, ok := c.Value.(model.ExtensionValue)
		if !ok {
			return "", nil, schemaErrorf("invalid value %T for %s", c.Value, c.Path())
		}
		if err := v.Validate(); err != nil {
			return "", nil, schemaErrorf("%s: %v", c.Path(), err)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return "", nil, schemaErrorf("%s: %v", c.Path(), err)
		}
		return "UPDATE TASKS SET EXTENSION = jsonb_set(EXTENSION, ARRAY[$1], $2::jsonb) WHERE OID = $3",
			[]any{c.Key, raw, oid}, nil
	}

	col, ok := columns[c.Field]
	if !ok || c.Op != model.OpReplace {
		return "", nil, schemaErrorf("unsupported change %s", c)
	}
	// Validate against an empty record so type errors surface as schema errors
	// before anything reaches the database.
	var scratch model.TaskRecord
	if err := c.ApplyTo(&scratch); err != nil {
		return "", nil, schemaErrorf("%v", err)
	}
	arg, err := columnValue(c.Value)
	if err != nil {
		return "", nil, schemaErrorf("%s: %v", c.Path(), err)
	}
	return fmt.Sprintf("UPDATE TASKS SET %s = $1 WHERE OID = $2", col), []any{arg, oid}, nil
}

// columnValue converts a change value into a database/sql argument.
func columnValue(v any) (any, error) {
	switch val := v.(type) {
	case string, int64:
		return val, nil
	case model.ExecutionStatus:
		return string(val), nil
	case model.Recurrence:
		return string(val), nil
	case model.Binding:
		return string(val), nil
	case model.ThreadStopAction:
		return string(val), nil
	case model.ResultStatus:
		return string(val), nil
	case *time.Time:
		if val == nil {
			return nil, nil
		}
		return *val, nil
	case []string:
		if val == nil {
			val = []string{}
		}
		return json.Marshal(val)
	case *model.Schedule:
		if val == nil {
			return nil, nil
		}
		return json.Marshal(val)
	case *model.ResultSnapshot:
		if val == nil {
			return nil, nil
		}
		return json.Marshal(val)
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func recordArgs(rec model.TaskRecord) ([]any, error) {
	jsonArgs := make([]any, 0, 6)
	for _, v := range []any{rec.Schedule, nonNilStack(rec.OtherHandlers), rec.Owner, rec.ObjectRef, rec.Result, nonNilExtension(rec.Extension)} {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, schemaErrorf("task %s: %v", rec.Identifier, err)
		}
		if string(raw) == "null" {
			jsonArgs = append(jsonArgs, nil)
			continue
		}
		jsonArgs = append(jsonArgs, raw)
	}
	start, _ := columnValue(rec.LastRunStart)
	finish, _ := columnValue(rec.LastRunFinish)
	return []any{
		rec.OID, rec.Identifier, rec.Name, rec.Description, rec.Category, rec.Node,
		string(rec.ExecutionStatus), string(rec.Recurrence), string(rec.Binding),
		jsonArgs[0], string(rec.ThreadStopAction), rec.HandlerURI, jsonArgs[1], jsonArgs[2], jsonArgs[3],
		rec.Progress, start, finish, jsonArgs[4], string(rec.ResultStatus), jsonArgs[5],
	}, nil
}

func nonNilStack(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilExtension(m map[string]model.ExtensionValue) map[string]model.ExtensionValue {
	if m == nil {
		return map[string]model.ExtensionValue{}
	}
	return m
}

// mapError translates PostgreSQL error classes into the store's error kinds.
func mapError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch {
	case pqErr.Code == "23505": // unique_violation
		return fmt.Errorf("%w: %s", ErrAlreadyExists, pqErr.Message)
	case pqErr.Code.Class() == "22", pqErr.Code == "23502", pqErr.Code == "23514":
		return fmt.Errorf("%w: %s", ErrSchema, pqErr.Message)
	default:
		logging.Log(fmt.Sprintf("database error %s: %s", pqErr.Code, pqErr.Message), slog.LevelError)
		return err
	}
}

const countsQuery = `
	SELECT
		COUNT(*),
		COUNT(*) FILTER (WHERE EXECUTION_STATUS = 'runnable'),
		COUNT(*) FILTER (WHERE EXECUTION_STATUS = 'waiting'),
		COUNT(*) FILTER (WHERE EXECUTION_STATUS = 'suspended'),
		COUNT(*) FILTER (WHERE EXECUTION_STATUS = 'closed'),
		COUNT(*) FILTER (WHERE LOCKED_AT IS NOT NULL)
	FROM TASKS`

func (s *PostgresStore) Counts(ctx context.Context) (model.StatusCounts, error) {
	var c model.StatusCounts
	err := s.db.QueryRowContext(ctx, countsQuery).Scan(
		&c.Total, &c.Runnable, &c.Waiting, &c.Suspended, &c.Closed, &c.Claimed,
	)
	if err != nil {
		return model.StatusCounts{}, mapError(err)
	}
	return c, nil
}
