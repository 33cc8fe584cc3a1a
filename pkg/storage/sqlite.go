package storage

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sema4ai/actionserver/pkg/types"
)

// SQLiteStore implements Store on an embedded SQLite database. All writes
// funnel through a single writer goroutine so concurrent submissions never
// observe "database is locked"; reads hit the pool directly.
type SQLiteStore struct {
	db      *sql.DB
	writeCh chan writeReq
	closeCh chan struct{}
	doneCh  chan struct{}
}

type writeReq struct {
	fn   func(*sql.Tx) error
	done chan error
}

// NewSQLiteStore opens (or creates) the database under dataDir and applies
// pending migrations
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "action-server.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db:      db,
		writeCh: make(chan writeReq),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

// writer is the single writer lane; it owns every transaction that mutates
// the database
func (s *SQLiteStore) writer() {
	defer close(s.doneCh)
	for {
		select {
		case req := <-s.writeCh:
			req.done <- s.runTx(req.fn)
		case <-s.closeCh:
			return
		}
	}
}

func (s *SQLiteStore) runTx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// write submits fn to the writer lane and waits for its result
func (s *SQLiteStore) write(ctx context.Context, fn func(*sql.Tx) error) error {
	req := writeReq{fn: fn, done: make(chan error, 1)}
	select {
	case s.writeCh <- req:
	case <-s.closeCh:
		return errors.New("store is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the writer lane and closes the database
func (s *SQLiteStore) Close() error {
	close(s.closeCh)
	<-s.doneCh
	return s.db.Close()
}

// CreateRun inserts a run row in state not_run. When the run carries a
// request id that already exists for the same action, no row is created
// and the prior run is returned with created=false.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *types.Run) (bool, *types.Run, error) {
	var created bool
	var existing *types.Run
	err := s.write(ctx, func(tx *sql.Tx) error {
		if run.RequestID != "" {
			prior, err := scanRun(tx.QueryRow(
				selectRun+` WHERE action_id = ? AND request_id = ?`, run.ActionID, run.RequestID))
			if err == nil {
				existing = prior
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("checking request id: %w", err)
			}
		}

		var requestID any
		if run.RequestID != "" {
			requestID = run.RequestID
		}
		_, err := tx.Exec(`
			INSERT INTO run (id, action_id, package_name, action_name, status, run_number,
				artifact_dir, input, result, error, request_id, callback_url, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, '', ?, ?, ?)`,
			run.ID, run.ActionID, run.PackageName, run.ActionName, string(run.Status),
			run.RunNumber, run.ArtifactDir, []byte(run.Input), requestID, run.CallbackURL,
			run.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("inserting run: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return created, existing, nil
}

// SetStatus performs a single-writer status transition, enforcing the
// legal transition table inside the transaction
func (s *SQLiteStore) SetStatus(ctx context.Context, id string, change StatusChange) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRow(`SELECT status FROM run WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run not found: %s", id)
		}
		if err != nil {
			return fmt.Errorf("reading run status: %w", err)
		}

		from := types.RunStatus(current)
		if !from.CanTransitionTo(change.Status) {
			return types.NewError(types.ErrInvalidStateTransition,
				"run %s: %s -> %s", id, from, change.Status)
		}

		sets := []string{"status = ?"}
		args := []any{string(change.Status)}
		if change.Result != nil {
			sets = append(sets, "result = ?")
			args = append(args, change.Result)
		}
		if change.Error != "" {
			sets = append(sets, "error = ?")
			args = append(args, change.Error)
		}
		if change.StartedAt != nil {
			sets = append(sets, "started_at = ?")
			args = append(args, *change.StartedAt)
		}
		if change.Finished != nil {
			sets = append(sets, "finished_at = ?")
			args = append(args, *change.Finished)
		}
		args = append(args, id)

		_, err = tx.Exec(`UPDATE run SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return fmt.Errorf("updating run: %w", err)
		}
		return nil
	})
}

// AppendRunError appends a diagnostic to a run's error column without
// touching its status; used for callback delivery failures
func (s *SQLiteStore) AppendRunError(ctx context.Context, id, msg string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE run SET error = CASE WHEN error = '' THEN ? ELSE error || '; ' || ? END
			WHERE id = ?`, msg, msg, id)
		if err != nil {
			return fmt.Errorf("appending run error: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("run not found: %s", id)
		}
		return nil
	})
}

const selectRun = `
	SELECT id, action_id, package_name, action_name, status, run_number, artifact_dir,
		input, result, error, COALESCE(request_id, ''), callback_url,
		created_at, started_at, finished_at
	FROM run`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*types.Run, error) {
	var r types.Run
	var status string
	var createdAt int64
	var startedAt, finishedAt sql.NullInt64
	var input, result []byte
	err := row.Scan(&r.ID, &r.ActionID, &r.PackageName, &r.ActionName, &status,
		&r.RunNumber, &r.ArtifactDir, &input, &result, &r.Error, &r.RequestID,
		&r.CallbackURL, &createdAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	r.Status = types.RunStatus(status)
	r.Input = input
	r.Result = result
	r.CreatedAt = time.Unix(0, createdAt)
	if startedAt.Valid {
		t := time.Unix(0, startedAt.Int64)
		r.StartedAt = &t
	}
	if finishedAt.Valid {
		t := time.Unix(0, finishedAt.Int64)
		r.FinishedAt = &t
	}
	return &r, nil
}

// GetRun returns a run by id
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*types.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRun+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	return run, err
}

// LookupRunByRequestID returns the run holding the idempotency handle, or
// sql.ErrNoRows wrapped when absent
func (s *SQLiteStore) LookupRunByRequestID(ctx context.Context, actionID, requestID string) (*types.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		selectRun+` WHERE action_id = ? AND request_id = ?`, actionID, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no run with request id %s: %w", requestID, err)
	}
	return run, err
}

// CursorQuery returns one stable page ordered by (created_at, id)
func (s *SQLiteStore) CursorQuery(ctx context.Context, filter RunFilter, pageSize int, after string) (*RunPage, error) {
	if pageSize <= 0 {
		pageSize = 50
	}

	where := []string{"1=1"}
	args := []any{}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.PackageName != "" {
		where = append(where, "package_name = ?")
		args = append(args, filter.PackageName)
	}
	if filter.ActionName != "" {
		where = append(where, "action_name = ?")
		args = append(args, filter.ActionName)
	}
	if after != "" {
		createdAt, id, err := decodeCursor(after)
		if err != nil {
			return nil, err
		}
		where = append(where, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, createdAt, createdAt, id)
	}
	args = append(args, pageSize+1)

	rows, err := s.db.QueryContext(ctx,
		selectRun+` WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at, id LIMIT ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var page RunPage
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		page.Runs = append(page.Runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(page.Runs) > pageSize {
		page.Runs = page.Runs[:pageSize]
		last := page.Runs[len(page.Runs)-1]
		page.NextCursor = encodeCursor(last.CreatedAt.UnixNano(), last.ID)
	}
	return &page, nil
}

func encodeCursor(createdAt int64, id string) string {
	return base64.RawURLEncoding.EncodeToString(fmt.Appendf(nil, "%d|%s", createdAt, id))
}

func decodeCursor(cursor string) (int64, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, "", fmt.Errorf("malformed cursor: %w", err)
	}
	var createdAt int64
	var id string
	if _, err := fmt.Sscanf(string(raw), "%d|%s", &createdAt, &id); err != nil {
		return 0, "", fmt.Errorf("malformed cursor: %w", err)
	}
	return createdAt, id, nil
}

// ResetNonTerminal transitions every not_run or running row to cancelled.
// Executed exactly once at server boot, before any submission is accepted.
func (s *SQLiteStore) ResetNonTerminal(ctx context.Context) (int, error) {
	var affected int
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE run SET status = ?, finished_at = COALESCE(finished_at, ?),
				error = CASE WHEN error = '' THEN 'interrupted by server restart' ELSE error END
			WHERE status IN (?, ?)`,
			string(types.RunStatusCancelled), time.Now().UnixNano(),
			string(types.RunStatusNotRun), string(types.RunStatusRunning))
		if err != nil {
			return fmt.Errorf("resetting non-terminal runs: %w", err)
		}
		n, _ := res.RowsAffected()
		affected = int(n)
		return nil
	})
	return affected, err
}

// NextRunNumber increments and returns the per (package, action) counter
func (s *SQLiteStore) NextRunNumber(ctx context.Context, packageName, actionName string) (int64, error) {
	scope := packageName + "/" + actionName
	var value int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO counter (scope, value) VALUES (?, 1)
			ON CONFLICT(scope) DO UPDATE SET value = value + 1`, scope)
		if err != nil {
			return fmt.Errorf("bumping counter: %w", err)
		}
		return tx.QueryRow(`SELECT value FROM counter WHERE scope = ?`, scope).Scan(&value)
	})
	return value, err
}

// UpsertPackage inserts or refreshes a package row
func (s *SQLiteStore) UpsertPackage(ctx context.Context, pkg *types.ActionPackage) error {
	endpoints, err := json.Marshal(pkg.ExternalEndpoints)
	if err != nil {
		return fmt.Errorf("marshaling endpoints: %w", err)
	}
	secrets, err := json.Marshal(pkg.RequiredSecrets)
	if err != nil {
		return fmt.Errorf("marshaling secrets: %w", err)
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO action_package (id, name, directory, env_hash, external_endpoints, required_secrets, enabled, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				directory = excluded.directory,
				env_hash = excluded.env_hash,
				external_endpoints = excluded.external_endpoints,
				required_secrets = excluded.required_secrets,
				enabled = excluded.enabled`,
			pkg.ID, pkg.Name, pkg.Directory, pkg.EnvHash, endpoints, secrets,
			pkg.Enabled, pkg.CreatedAt.UnixNano())
		return err
	})
}

func scanPackage(row rowScanner) (*types.ActionPackage, error) {
	var p types.ActionPackage
	var endpoints, secrets []byte
	var createdAt int64
	err := row.Scan(&p.ID, &p.Name, &p.Directory, &p.EnvHash, &endpoints, &secrets,
		&p.Enabled, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(endpoints, &p.ExternalEndpoints); err != nil {
		return nil, fmt.Errorf("unmarshaling endpoints: %w", err)
	}
	if err := json.Unmarshal(secrets, &p.RequiredSecrets); err != nil {
		return nil, fmt.Errorf("unmarshaling secrets: %w", err)
	}
	p.CreatedAt = time.Unix(0, createdAt)
	return &p, nil
}

const selectPackage = `
	SELECT id, name, directory, env_hash, external_endpoints, required_secrets, enabled, created_at
	FROM action_package`

// GetPackage returns a package by slug
func (s *SQLiteStore) GetPackage(ctx context.Context, id string) (*types.ActionPackage, error) {
	pkg, err := scanPackage(s.db.QueryRowContext(ctx, selectPackage+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("package not found: %s", id)
	}
	return pkg, err
}

// ListPackages returns all package rows, enabled or not
func (s *SQLiteStore) ListPackages(ctx context.Context) ([]*types.ActionPackage, error) {
	rows, err := s.db.QueryContext(ctx, selectPackage+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing packages: %w", err)
	}
	defer rows.Close()

	var pkgs []*types.ActionPackage
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		pkgs = append(pkgs, pkg)
	}
	return pkgs, rows.Err()
}

// SetPackageEnabled flips the enabled flag; packages are never deleted
func (s *SQLiteStore) SetPackageEnabled(ctx context.Context, id string, enabled bool) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE action_package SET enabled = ? WHERE id = ?`, enabled, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("package not found: %s", id)
		}
		return nil
	})
}

// ReplacePackageActions atomically swaps the package's action rows:
// incoming actions are inserted or refreshed with a bumped version, rows
// absent from the incoming set are disabled
func (s *SQLiteStore) ReplacePackageActions(ctx context.Context, packageID string, actions []*types.Action) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE action SET enabled = 0 WHERE package_id = ?`, packageID); err != nil {
			return fmt.Errorf("disabling obsolete actions: %w", err)
		}
		for _, a := range actions {
			params, err := json.Marshal(a.ManagedParams)
			if err != nil {
				return fmt.Errorf("marshaling managed params: %w", err)
			}
			_, err = tx.Exec(`
				INSERT INTO action (id, package_id, name, display_name, input_schema, output_schema,
					managed_params, consequential, source_file, source_line, kind, version, enabled)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 1)
				ON CONFLICT(package_id, name) DO UPDATE SET
					display_name = excluded.display_name,
					input_schema = excluded.input_schema,
					output_schema = excluded.output_schema,
					managed_params = excluded.managed_params,
					consequential = excluded.consequential,
					source_file = excluded.source_file,
					source_line = excluded.source_line,
					kind = excluded.kind,
					version = action.version + 1,
					enabled = 1`,
				a.ID, packageID, a.Name, a.DisplayName,
				string(a.InputSchema), string(a.OutputSchema), params,
				a.Consequential, a.SourceFile, a.SourceLine, string(a.Kind))
			if err != nil {
				return fmt.Errorf("upserting action %s: %w", a.Name, err)
			}
		}
		return nil
	})
}

// ListActions returns the actions of a package (all packages when
// packageID is empty), including disabled rows
func (s *SQLiteStore) ListActions(ctx context.Context, packageID string) ([]*types.Action, error) {
	query := `
		SELECT id, package_id, name, display_name, input_schema, output_schema,
			managed_params, consequential, source_file, source_line, kind, version, enabled
		FROM action`
	args := []any{}
	if packageID != "" {
		query += ` WHERE package_id = ?`
		args = append(args, packageID)
	}
	query += ` ORDER BY package_id, name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing actions: %w", err)
	}
	defer rows.Close()

	var actions []*types.Action
	for rows.Next() {
		var a types.Action
		var input, output, params []byte
		var kind string
		err := rows.Scan(&a.ID, &a.PackageID, &a.Name, &a.DisplayName, &input, &output,
			&params, &a.Consequential, &a.SourceFile, &a.SourceLine, &kind, &a.Version, &a.Enabled)
		if err != nil {
			return nil, fmt.Errorf("scanning action: %w", err)
		}
		a.InputSchema = input
		a.OutputSchema = output
		a.Kind = types.ActionKind(kind)
		if err := json.Unmarshal(params, &a.ManagedParams); err != nil {
			return nil, fmt.Errorf("unmarshaling managed params: %w", err)
		}
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}
