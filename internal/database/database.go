// Package database persists the coordinator's authoritative state: sessions,
// executions and their reports. It is backed by a single sqlite database
// accessed through sqlx, with foreign keys enforced so that deleting a
// session cascades to its executions and deleting an execution cascades to
// its reports.
//
// All timestamps the coordinator originates are produced inside sqlite with
// strftime('%Y-%m-%dT%H:%M:%SZ', 'now'): UTC, second granularity, trailing
// "Z". Report timestamps come from nodes and are stored verbatim.
package database

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

//go:embed schema.sql
var schema string

var (
	// ErrNoActiveSession is returned when no active session exists at the
	// requested (ip, port).
	ErrNoActiveSession = errors.New("no active session at given endpoint")

	// ErrSessionNotFound is returned when no session has the requested id.
	ErrSessionNotFound = errors.New("no session found with given id")

	// ErrSessionActive is returned when deleting a session that has not
	// ended yet.
	ErrSessionActive = errors.New("session is still active")

	// ErrExecutionNotFound is returned when no execution has the requested
	// id.
	ErrExecutionNotFound = errors.New("no execution found with given id")
)

// Store wraps the sqlite database holding sessions, executions and reports.
// Connections are pooled; each statement acquires one on demand and returns
// it when done, so a Store is safe for concurrent use.
type Store struct {
	db *sqlx.DB
}

// Open connects to the sqlite database at path, enabling foreign key
// enforcement on every connection, and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", "file:"+path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite is single-writer; all access goes through one pooled
	// connection so statements never race for the write lock.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// ActiveSessionID returns the id of the active session at (ip, port), or
// ErrNoActiveSession.
func (s *Store) ActiveSessionID(ctx context.Context, ip string, port int) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id,
		`SELECT id_session FROM session
		WHERE env_ip = ? AND env_port = ? AND session_end IS NULL`,
		ip, port)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoActiveSession
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ActiveSession returns the full active session row at (ip, port), or
// ErrNoActiveSession.
func (s *Store) ActiveSession(ctx context.Context, ip string, port int) (*Session, error) {
	var session Session
	err := s.db.GetContext(ctx, &session,
		`SELECT * FROM session
		WHERE env_ip = ? AND env_port = ? AND session_end IS NULL`,
		ip, port)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ListActiveSessions returns every session whose end timestamp is still
// NULL, ordered by id.
func (s *Store) ListActiveSessions(ctx context.Context) ([]Session, error) {
	sessions := []Session{}
	err := s.db.SelectContext(ctx, &sessions,
		`SELECT * FROM session WHERE session_end IS NULL ORDER BY id_session`)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// ActiveEndpoints returns the (ip, port) pairs of all active sessions.
func (s *Store) ActiveEndpoints(ctx context.Context) ([]Endpoint, error) {
	endpoints := []Endpoint{}
	err := s.db.SelectContext(ctx, &endpoints,
		`SELECT env_ip, env_port FROM session WHERE session_end IS NULL`)
	if err != nil {
		return nil, err
	}
	return endpoints, nil
}

// EndActiveSession sets the end timestamp of the active session at
// (ip, port). It reports whether such a session existed.
func (s *Store) EndActiveSession(ctx context.Context, ip string, port int) (bool, error) {
	return endActiveSession(ctx, s.db, ip, port)
}

func endActiveSession(ctx context.Context, e sqlx.ExecerContext, ip string, port int) (bool, error) {
	res, err := e.ExecContext(ctx,
		`UPDATE session
		SET session_end = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE env_ip = ? AND env_port = ? AND session_end IS NULL`,
		ip, port)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// EndAllActiveSessions sets the end timestamp on every still-active session.
// Used during coordinator shutdown.
func (s *Store) EndAllActiveSessions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE session
		SET session_end = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE session_end IS NULL`)
	return err
}

// InsertSession creates a new session row for a registering node and returns
// its id. The start timestamp is assigned by the database.
func (s *Store) InsertSession(ctx context.Context, ip string, port int, info PlatformInfo) (int64, error) {
	return insertSession(ctx, s.db, ip, port, info)
}

// StartSession ends any session still active at (ip, port) and inserts the
// replacement row in one transaction, so concurrent registrations at the
// same endpoint can never leave two active sessions. It returns the new
// session id and whether a stale session was ended.
func (s *Store) StartSession(ctx context.Context, ip string, port int, info PlatformInfo) (int64, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	ended, err := endActiveSession(ctx, tx, ip, port)
	if err != nil {
		return 0, false, err
	}
	id, err := insertSession(ctx, tx, ip, port, info)
	if err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return id, ended, nil
}

func insertSession(ctx context.Context, e sqlx.ExecerContext, ip string, port int, info PlatformInfo) (int64, error) {
	buildNo, buildDate := "", ""
	if len(info.Python.Build) > 0 {
		buildNo = info.Python.Build[0]
	}
	if len(info.Python.Build) > 1 {
		buildDate = info.Python.Build[1]
	}
	res, err := e.ExecContext(ctx,
		`INSERT INTO session
		(
			env_ip, env_port, env_platform, env_node, env_os_system,
			env_os_release, env_os_version, env_hw_machine,
			env_hw_processor, env_py_build_no, env_py_build_date,
			env_py_compiler, env_py_implementation, env_py_version
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ip, port, info.Platform, info.Node,
		info.OS.System, info.OS.Release, info.OS.Version,
		info.Hardware.Machine, info.Hardware.Processor,
		buildNo, buildDate,
		info.Python.Compiler, info.Python.Implementation, info.Python.Version)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SessionByID returns a session row by id, or ErrSessionNotFound.
func (s *Store) SessionByID(ctx context.Context, id int64) (*Session, error) {
	var session Session
	err := s.db.GetContext(ctx, &session,
		`SELECT * FROM session WHERE id_session = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// DeleteSession deletes a session by id. Only ended sessions may be deleted;
// the cascade removes the session's executions and their reports.
func (s *Store) DeleteSession(ctx context.Context, id int64) error {
	var end sql.NullString
	err := s.db.GetContext(ctx, &end,
		`SELECT session_end FROM session WHERE id_session = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	if !end.Valid {
		return ErrSessionActive
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM session WHERE id_session = ?`, id)
	return err
}

// RecordExecution inserts an execution row tied to sessionID together with
// its reports, in one transaction. It returns the new execution id.
func (s *Store) RecordExecution(ctx context.Context, sessionID int64, reports []Report) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO execution (fk_session) VALUES (?)`, sessionID)
	if err != nil {
		return 0, err
	}
	executionID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, r := range reports {
		var additional any
		if len(r.AdditionalInfo) > 0 {
			additional = string(r.AdditionalInfo)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO report (fk_execution, test_name, test_description,
			timestamp_start, timestamp_end, result_code, additional_info)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			executionID, r.TestName, r.TestDescription,
			r.TimestampStart, r.TimestampEnd, r.ResultCode, additional)
		if err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return executionID, nil
}

// DeleteExecution deletes an execution by id, cascading to its reports.
func (s *Store) DeleteExecution(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM execution WHERE id_execution = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return ErrExecutionNotFound
	}
	return nil
}

// executionRow is the scan target for execution searches.
type executionRow struct {
	ID         int64  `db:"id_execution"`
	Session    int64  `db:"fk_session"`
	Registered string `db:"timestamp_registered"`
}

// reportRow is the scan target for report projections.
type reportRow struct {
	TestName        string         `db:"test_name"`
	TestDescription string         `db:"test_description"`
	TimestampStart  string         `db:"timestamp_start"`
	TimestampEnd    string         `db:"timestamp_end"`
	ResultCode      int            `db:"result_code"`
	AdditionalInfo  sql.NullString `db:"additional_info"`
}

// SearchExecutions runs a parametrised search over executions, joining each
// one with its reports ordered by timestamp_start. With no parameters every
// execution is returned.
func (s *Store) SearchExecutions(ctx context.Context, params url.Values) ([]Execution, error) {
	query := `SELECT id_execution, fk_session, timestamp_registered FROM execution`
	var args []any
	if len(params) > 0 {
		var err error
		query, args, err = BuildSearch(
			"execution",
			map[string]string{
				"id":         "id_execution",
				"session":    "fk_session",
				"registered": "timestamp_registered",
			},
			map[string]Filter{
				"ids":             {Column: "id_execution", Operator: "="},
				"sessions":        {Column: "fk_session", Operator: "="},
				"registered_from": {Column: "timestamp_registered", Operator: ">="},
				"registered_to":   {Column: "timestamp_registered", Operator: "<="},
			},
			params,
			[]string{"id_execution", "fk_session", "timestamp_registered"})
		if err != nil {
			return nil, err
		}
	}

	rows := []executionRow{}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	results := make([]Execution, 0, len(rows))
	for _, row := range rows {
		reports, err := s.reportsForExecution(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		results = append(results, Execution{
			ExecutionID:         row.ID,
			SessionID:           row.Session,
			TimestampRegistered: row.Registered,
			Reports:             reports,
		})
	}
	return results, nil
}

// reportsForExecution returns an execution's reports ordered by start
// timestamp, deserialising additional_info back to JSON.
func (s *Store) reportsForExecution(ctx context.Context, executionID int64) ([]Report, error) {
	rows := []reportRow{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT test_name, test_description, timestamp_start, timestamp_end,
		result_code, additional_info
		FROM report
		WHERE fk_execution = ?
		ORDER BY timestamp_start`,
		executionID)
	if err != nil {
		return nil, err
	}

	reports := make([]Report, 0, len(rows))
	for _, row := range rows {
		r := Report{
			TestName:        row.TestName,
			TestDescription: row.TestDescription,
			TimestampStart:  row.TimestampStart,
			TimestampEnd:    row.TimestampEnd,
			ResultCode:      row.ResultCode,
		}
		if row.AdditionalInfo.Valid {
			r.AdditionalInfo = json.RawMessage(row.AdditionalInfo.String)
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// sessionSummaryRow is the scan target for session searches.
type sessionSummaryRow struct {
	ID       int64          `db:"id_session"`
	Start    string         `db:"session_start"`
	End      sql.NullString `db:"session_end"`
	IP       string         `db:"env_ip"`
	Port     int            `db:"env_port"`
	OSSystem string         `db:"env_os_system"`
}

// SearchSessions runs a parametrised search over sessions. With no
// parameters every session is returned with the summary projection.
func (s *Store) SearchSessions(ctx context.Context, params url.Values) ([]SessionSummary, error) {
	columns := []string{
		"id_session", "session_start", "session_end",
		"env_ip", "env_port", "env_os_system",
	}
	query := `SELECT id_session, session_start, session_end, env_ip, env_port,
		env_os_system FROM session`
	var args []any
	if len(params) > 0 {
		var err error
		query, args, err = BuildSearch(
			"session",
			map[string]string{
				"id":     "id_session",
				"start":  "session_start",
				"end":    "session_end",
				"ip":     "env_ip",
				"port":   "env_port",
				"system": "env_os_system",
			},
			map[string]Filter{
				"ids":        {Column: "id_session", Operator: "="},
				"start_from": {Column: "session_start", Operator: ">="},
				"start_to":   {Column: "session_start", Operator: "<="},
				"end_from":   {Column: "session_end", Operator: ">="},
				"end_to":     {Column: "session_end", Operator: "<="},
				"ips":        {Column: "env_ip", Operator: "="},
				"ports":      {Column: "env_port", Operator: "="},
				"systems":    {Column: "env_os_system", Operator: "="},
			},
			params,
			columns)
		if err != nil {
			return nil, err
		}
	}

	rows := []sessionSummaryRow{}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	results := make([]SessionSummary, 0, len(rows))
	for _, row := range rows {
		summary := SessionSummary{
			SessionID:        row.ID,
			SessionStart:     row.Start,
			IP:               row.IP,
			Port:             row.Port,
			PlatformOSSystem: row.OSSystem,
		}
		if row.End.Valid {
			summary.SessionEnd = row.End.String
		}
		results = append(results, summary)
	}
	return results, nil
}
