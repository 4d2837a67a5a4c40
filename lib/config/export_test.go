// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"encoding/json"
	"strings"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ExportSuite{})

type ExportSuite struct{}

func (s *ExportSuite) TestExport(c *check.C) {
	cfg, err := testLoader(c, `
Cluster:
  AuthToken: abcdefg
  DatabaseURL: postgres://cloudops:pw@db/cloudops
  DriverParameters: {SecretAccessKey: hijklmn}
Credentials:
  ClientID: 00000000-1111
`, nil, nil).Load()
	c.Assert(err, check.IsNil)
	m, redacted, err := Export(cfg)
	c.Assert(err, check.IsNil)
	c.Check(redacted, check.DeepEquals, []string{"Cluster.AuthToken", "Cluster.DatabaseURL", "Cluster.DriverParameters"})
	buf, err := json.Marshal(m)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Not(check.Matches), `(?ms).*(abcdefg|pw@db|hijklmn).*`)
	c.Check(string(buf), check.Matches, `(?ms).*00000000-1111.*`)
}

// Every secret entry must name an existing config entry.
func (s *ExportSuite) TestSecretsExist(c *check.C) {
	cfg, err := testLoader(c, "", nil, nil).Load()
	c.Assert(err, check.IsNil)
	buf, err := json.Marshal(cfg)
	c.Assert(err, check.IsNil)
	var m map[string]interface{}
	c.Assert(json.Unmarshal(buf, &m), check.IsNil)
	for key := range secrets {
		var v interface{} = m
		for _, part := range strings.Split(key, ".") {
			mm, ok := v.(map[string]interface{})
			c.Assert(ok, check.Equals, true, check.Commentf("%s", key))
			v, ok = mm[part]
			c.Check(ok, check.Equals, true, check.Commentf("%s", key))
		}
	}
}
