// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package elastic

import (
	"context"
	"encoding/json"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/jmoiron/sqlx"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&recordsSuite{})

type recordsSuite struct {
	db   *sqlx.DB
	mock sqlmock.Sqlmock
	pr   *PostgresRecords
}

func (s *recordsSuite) SetUpTest(c *check.C) {
	db, mock, err := sqlmock.New()
	c.Assert(err, check.IsNil)
	s.db = sqlx.NewDb(db, "postgres")
	s.mock = mock
	s.pr = NewPostgresRecords(s.db)
}

func (s *recordsSuite) TearDownTest(c *check.C) {
	c.Check(s.mock.ExpectationsWereMet(), check.IsNil)
	s.db.Close()
}

func (s *recordsSuite) TestMigrate(c *check.C) {
	s.mock.ExpectExec(`CREATE TABLE IF NOT EXISTS cloudops_records`).WillReturnResult(sqlmock.NewResult(0, 0))
	c.Check(s.pr.Migrate(context.Background()), check.IsNil)
}

func (s *recordsSuite) TestPut(c *check.C) {
	pool := cloudops.Pool{Name: "p1", VMSize: "small", DedicatedNodes: 2}
	body, err := json.Marshal(pool)
	c.Assert(err, check.IsNil)
	s.mock.ExpectExec(`INSERT INTO cloudops_records \(kind, name, body\) VALUES \(\$1, \$2, \$3\)\s+ON CONFLICT \(kind, name\) DO UPDATE SET body = EXCLUDED.body`).
		WithArgs("pool", "p1", body).
		WillReturnResult(sqlmock.NewResult(0, 1))
	c.Check(s.pr.PutPool(context.Background(), pool), check.IsNil)

	s.mock.ExpectExec(`INSERT INTO cloudops_records`).
		WithArgs("tasks", "j1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	c.Check(s.pr.PutTasks(context.Background(), "j1", []cloudops.Task{{ID: "1"}}), check.IsNil)

	s.mock.ExpectExec(`DELETE FROM cloudops_records WHERE kind = \$1 AND name = \$2`).
		WithArgs("pool", "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	c.Check(s.pr.DeletePool(context.Background(), "p1"), check.IsNil)
}

func (s *recordsSuite) TestDeleteJob(c *check.C) {
	s.mock.ExpectBegin()
	s.mock.ExpectExec(`DELETE FROM cloudops_records WHERE \(kind = \$1 OR kind = \$2\) AND name = \$3`).
		WithArgs("job", "tasks", "j1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	s.mock.ExpectCommit()
	c.Check(s.pr.DeleteJob(context.Background(), "j1"), check.IsNil)
}

func (s *recordsSuite) TestLoad(c *check.C) {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	mustJSON := func(v interface{}) []byte {
		buf, err := json.Marshal(v)
		c.Assert(err, check.IsNil)
		return buf
	}
	s.mock.ExpectQuery(`SELECT kind, name, body FROM cloudops_records ORDER BY kind, name`).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "name", "body"}).
			AddRow("job", "j1", mustJSON(cloudops.Job{Name: "j1", Pool: "p1", State: cloudops.JobActive, CreatedAt: created})).
			AddRow("pool", "p1", mustJSON(cloudops.Pool{Name: "p1", TaskSlotsPerNode: 4})).
			AddRow("schedule", "s1", mustJSON(cloudops.JobSchedule{Name: "s1", Recurrence: cloudops.Recurrence{Interval: cloudops.Minutes(60)}})).
			AddRow("tasks", "j1", mustJSON([]cloudops.Task{{ID: "1", Job: "j1", State: cloudops.TaskRunning}})).
			AddRow("unknown", "x", []byte(`{}`)))
	snap, err := s.pr.Load(context.Background())
	c.Assert(err, check.IsNil)
	c.Assert(snap.Jobs, check.HasLen, 1)
	c.Check(snap.Jobs[0].CreatedAt.Equal(created), check.Equals, true)
	c.Assert(snap.Pools, check.HasLen, 1)
	c.Check(snap.Pools[0].TaskSlotsPerNode, check.Equals, 4)
	c.Assert(snap.Schedules, check.HasLen, 1)
	c.Check(snap.Schedules[0].Recurrence.Interval, check.Equals, cloudops.Minutes(60))
	c.Check(snap.Tasks["j1"], check.HasLen, 1)
}

func (s *recordsSuite) TestLoadBadBody(c *check.C) {
	s.mock.ExpectQuery(`SELECT kind, name, body FROM cloudops_records`).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "name", "body"}).
			AddRow("pool", "p1", []byte(`{"name": 7}`)))
	_, err := s.pr.Load(context.Background())
	c.Check(err, check.ErrorMatches, `decoding pool "p1": .*`)
}
