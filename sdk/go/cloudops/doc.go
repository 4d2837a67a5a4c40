// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cloudops holds the data model shared by the pool, job and
// backend packages: pools, jobs, tasks, schedules, status snapshots,
// configuration and the error taxonomy.
package cloudops
