// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package elastic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/jmoiron/sqlx"

	// sqlx needs lib/pq to talk to PostgreSQL
	_ "github.com/lib/pq"
)

// Records persists pools, jobs, schedules and task lists so a
// restarted cluster can pick up where it left off.
type Records interface {
	Load(ctx context.Context) (*Snapshot, error)
	PutPool(ctx context.Context, pool cloudops.Pool) error
	DeletePool(ctx context.Context, name string) error
	PutJob(ctx context.Context, job cloudops.Job) error
	DeleteJob(ctx context.Context, name string) error
	PutSchedule(ctx context.Context, sched cloudops.JobSchedule) error
	PutTasks(ctx context.Context, job string, tasks []cloudops.Task) error
}

// Snapshot is everything a Records store holds.
type Snapshot struct {
	Pools     []cloudops.Pool
	Jobs      []cloudops.Job
	Schedules []cloudops.JobSchedule
	Tasks     map[string][]cloudops.Task
}

const (
	kindPool     = "pool"
	kindJob      = "job"
	kindSchedule = "schedule"
	kindTasks    = "tasks"
)

const pgSchema = `CREATE TABLE IF NOT EXISTS cloudops_records (
	kind text NOT NULL,
	name text NOT NULL,
	body jsonb NOT NULL,
	PRIMARY KEY (kind, name)
)`

// PostgresRecords stores each record as a JSON document keyed by kind
// and name.
type PostgresRecords struct {
	db *sqlx.DB
}

// OpenPostgres connects to the database at url (a lib/pq connection
// string) and creates the records table if needed.
func OpenPostgres(ctx context.Context, url string) (*PostgresRecords, error) {
	db, err := sqlx.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgresql connect failed: %w", err)
	}
	pr := NewPostgresRecords(db)
	if err := pr.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return pr, nil
}

func NewPostgresRecords(db *sqlx.DB) *PostgresRecords {
	return &PostgresRecords{db: db}
}

func (pr *PostgresRecords) Migrate(ctx context.Context) error {
	_, err := pr.db.ExecContext(ctx, pgSchema)
	return err
}

func (pr *PostgresRecords) Close() error {
	return pr.db.Close()
}

type recordRow struct {
	Kind string `db:"kind"`
	Name string `db:"name"`
	Body []byte `db:"body"`
}

func (pr *PostgresRecords) Load(ctx context.Context) (*Snapshot, error) {
	var rows []recordRow
	err := pr.db.SelectContext(ctx, &rows, `SELECT kind, name, body FROM cloudops_records ORDER BY kind, name`)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Tasks: map[string][]cloudops.Task{}}
	for _, row := range rows {
		var dst interface{}
		switch row.Kind {
		case kindPool:
			snap.Pools = append(snap.Pools, cloudops.Pool{})
			dst = &snap.Pools[len(snap.Pools)-1]
		case kindJob:
			snap.Jobs = append(snap.Jobs, cloudops.Job{})
			dst = &snap.Jobs[len(snap.Jobs)-1]
		case kindSchedule:
			snap.Schedules = append(snap.Schedules, cloudops.JobSchedule{})
			dst = &snap.Schedules[len(snap.Schedules)-1]
		case kindTasks:
			var tasks []cloudops.Task
			if err := json.Unmarshal(row.Body, &tasks); err != nil {
				return nil, fmt.Errorf("decoding tasks of job %q: %w", row.Name, err)
			}
			snap.Tasks[row.Name] = tasks
			continue
		default:
			continue
		}
		if err := json.Unmarshal(row.Body, dst); err != nil {
			return nil, fmt.Errorf("decoding %s %q: %w", row.Kind, row.Name, err)
		}
	}
	return snap, nil
}

func (pr *PostgresRecords) put(ctx context.Context, kind, name string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = pr.db.ExecContext(ctx, `INSERT INTO cloudops_records (kind, name, body) VALUES ($1, $2, $3)
		ON CONFLICT (kind, name) DO UPDATE SET body = EXCLUDED.body`, kind, name, body)
	return err
}

func (pr *PostgresRecords) delete(ctx context.Context, kind, name string) error {
	_, err := pr.db.ExecContext(ctx, `DELETE FROM cloudops_records WHERE kind = $1 AND name = $2`, kind, name)
	return err
}

func (pr *PostgresRecords) PutPool(ctx context.Context, pool cloudops.Pool) error {
	return pr.put(ctx, kindPool, pool.Name, pool)
}

func (pr *PostgresRecords) DeletePool(ctx context.Context, name string) error {
	return pr.delete(ctx, kindPool, name)
}

func (pr *PostgresRecords) PutJob(ctx context.Context, job cloudops.Job) error {
	return pr.put(ctx, kindJob, job.Name, job)
}

// DeleteJob removes the job and its task list in one transaction.
func (pr *PostgresRecords) DeleteJob(ctx context.Context, name string) error {
	tx, err := pr.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `DELETE FROM cloudops_records WHERE (kind = $1 OR kind = $2) AND name = $3`, kindJob, kindTasks, name)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (pr *PostgresRecords) PutSchedule(ctx context.Context, sched cloudops.JobSchedule) error {
	return pr.put(ctx, kindSchedule, sched.Name, sched)
}

func (pr *PostgresRecords) PutTasks(ctx context.Context, job string, tasks []cloudops.Task) error {
	return pr.put(ctx, kindTasks, job, tasks)
}

// Ping checks that the database is reachable.
func (pr *PostgresRecords) Ping(ctx context.Context) error {
	return pr.db.PingContext(ctx)
}
