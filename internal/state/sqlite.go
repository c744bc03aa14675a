package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loom-iac/loom/internal/ir"
)

// SQLiteStore persists state in a local SQLite database. The generation
// check rides on a conditional UPDATE of the meta row: a commit from a stale
// copy matches zero rows and fails with ErrStaleState.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS meta (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL,
	serial  INTEGER NOT NULL,
	lineage TEXT NOT NULL,
	outputs TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS resources (
	address      TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	name         TEXT NOT NULL,
	provider     TEXT NOT NULL,
	id           TEXT NOT NULL,
	inputs       TEXT NOT NULL,
	outputs      TEXT NOT NULL,
	dependencies TEXT NOT NULL,
	applied_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS lock (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	pid     INTEGER NOT NULL,
	created TEXT NOT NULL
);
`

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database %s: %w", path, err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state schema: %w", err)
	}
	if _, err := db.Exec(
		`INSERT INTO meta (id, version, serial, lineage, outputs) VALUES (1, 1, 0, '', '{}')
		 ON CONFLICT (id) DO NOTHING`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed state metadata: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context) (*ir.State, error) {
	state := &ir.State{}

	var outputsJSON string
	row := s.db.QueryRowContext(ctx, `SELECT version, serial, lineage, outputs FROM meta WHERE id = 1`)
	if err := row.Scan(&state.Version, &state.Serial, &state.Lineage, &outputsJSON); err != nil {
		return nil, fmt.Errorf("failed to load state metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(outputsJSON), &state.Outputs); err != nil {
		return nil, fmt.Errorf("failed to decode state outputs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT type, name, provider, id, inputs, outputs, dependencies, applied_at
		 FROM resources ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("failed to load state resources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec := &ir.ResourceState{}
		var inputsJSON, outputsJSON, depsJSON string
		if err := rows.Scan(&rec.Type, &rec.Name, &rec.Provider, &rec.ID,
			&inputsJSON, &outputsJSON, &depsJSON, &rec.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan resource row: %w", err)
		}
		if err := json.Unmarshal([]byte(inputsJSON), &rec.Inputs); err != nil {
			return nil, fmt.Errorf("failed to decode inputs for %s: %w", rec.Addr(), err)
		}
		if err := json.Unmarshal([]byte(outputsJSON), &rec.Outputs); err != nil {
			return nil, fmt.Errorf("failed to decode outputs for %s: %w", rec.Addr(), err)
		}
		if err := json.Unmarshal([]byte(depsJSON), &rec.Dependencies); err != nil {
			return nil, fmt.Errorf("failed to decode dependencies for %s: %w", rec.Addr(), err)
		}
		state.Resources = append(state.Resources, rec)
	}
	return state, rows.Err()
}

func (s *SQLiteStore) Commit(ctx context.Context, state *ir.State, rec *ir.ResourceState) error {
	inputsJSON, err := json.Marshal(orEmptyMap(rec.Inputs))
	if err != nil {
		return fmt.Errorf("failed to encode inputs for %s: %w", rec.Addr(), err)
	}
	outputsJSON, err := json.Marshal(orEmptyMap(rec.Outputs))
	if err != nil {
		return fmt.Errorf("failed to encode outputs for %s: %w", rec.Addr(), err)
	}
	depsJSON, err := json.Marshal(orEmptySlice(rec.Dependencies))
	if err != nil {
		return fmt.Errorf("failed to encode dependencies for %s: %w", rec.Addr(), err)
	}

	return s.transact(ctx, state, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO resources (address, type, name, provider, id, inputs, outputs, dependencies, applied_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (address) DO UPDATE SET
				type = excluded.type, name = excluded.name, provider = excluded.provider,
				id = excluded.id, inputs = excluded.inputs, outputs = excluded.outputs,
				dependencies = excluded.dependencies, applied_at = excluded.applied_at`,
			rec.Addr(), rec.Type, rec.Name, rec.Provider, rec.ID,
			string(inputsJSON), string(outputsJSON), string(depsJSON), rec.AppliedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert %s: %w", rec.Addr(), err)
		}
		return nil
	}, func() {
		upsertRecord(state, rec)
	})
}

func (s *SQLiteStore) Remove(ctx context.Context, state *ir.State, addr string) error {
	return s.transact(ctx, state, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM resources WHERE address = ?`, addr); err != nil {
			return fmt.Errorf("failed to delete %s: %w", addr, err)
		}
		return nil
	}, func() {
		removeRecord(state, addr)
	})
}

func (s *SQLiteStore) WriteOutputs(ctx context.Context, state *ir.State, outputs map[string]any) error {
	return s.transactOutputs(ctx, state, outputs, func(tx *sql.Tx) error {
		return nil
	}, func() {
		state.Outputs = outputs
	})
}

// transact runs fn inside a transaction whose meta update doubles as the
// optimistic concurrency check. apply mutates the in-memory state only after
// the transaction commits.
func (s *SQLiteStore) transact(ctx context.Context, state *ir.State, fn func(tx *sql.Tx) error, apply func()) error {
	return s.transactOutputs(ctx, state, state.Outputs, fn, apply)
}

func (s *SQLiteStore) transactOutputs(ctx context.Context, state *ir.State, outputs map[string]any, fn func(tx *sql.Tx) error, apply func()) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin state transaction: %w", err)
	}
	defer tx.Rollback()

	priorSerial := state.Serial
	if err := fn(tx); err != nil {
		return err
	}

	outputsJSON, err := json.Marshal(orEmptyMap(outputs))
	if err != nil {
		return fmt.Errorf("failed to encode state outputs: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE meta SET serial = ?, version = ?, lineage = ?, outputs = ? WHERE id = 1 AND serial = ?`,
		priorSerial+1, state.Version, state.Lineage, string(outputsJSON), priorSerial)
	if err != nil {
		return fmt.Errorf("failed to advance state generation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStaleState
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state transaction: %w", err)
	}
	apply()
	state.Serial = priorSerial + 1
	return nil
}

func (s *SQLiteStore) Lock(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lock (id, pid, created) VALUES (1, ?, ?)`,
		os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "constraint") {
			return fmt.Errorf("state is locked by another process. " +
				"If this is an error, delete the row from the lock table")
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Unlock(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM lock WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
