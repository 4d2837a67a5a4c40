// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package storage

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/cfa/cloudops/sdk/go/ctxlog"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&localDirSuite{})
var _ = check.Suite(&s3Suite{})

// writeTree creates files (relative path → content) under dir.
func writeTree(c *check.C, dir string, files map[string]string) {
	for name, data := range files {
		fn := filepath.Join(dir, filepath.FromSlash(name))
		c.Assert(os.MkdirAll(filepath.Dir(fn), 0755), check.IsNil)
		c.Assert(os.WriteFile(fn, []byte(data), 0644), check.IsNil)
	}
}

var sampleTree = map[string]string{
	"input.csv":         "a,b\n1,2\n",
	"params/run1.yaml":  "x: 1\n",
	"params/run2.yaml":  "x: 2\n",
	"scratch/tmp.log":   "noise",
	"scratch/keep.yaml": "y: 1\n",
}

// storeTests runs the behavior every driver shares.
func storeTests(c *check.C, st Store) {
	ctx := context.Background()
	src := c.MkDir()
	writeTree(c, src, map[string]string{"hello.txt": "hello"})

	ok, err := st.Exists(ctx, "inputs")
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, false)
	_, err = st.Upload(ctx, filepath.Join(src, "hello.txt"), "inputs", "a/b")
	c.Check(errors.Is(err, ErrContainerNotFound), check.Equals, true, check.Commentf("%v", err))

	c.Assert(st.CreateContainer(ctx, "inputs"), check.IsNil)
	c.Assert(st.CreateContainer(ctx, "inputs"), check.IsNil)
	ok, err = st.Exists(ctx, "inputs")
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, true)

	name, err := st.Upload(ctx, filepath.Join(src, "hello.txt"), "inputs", "a/b")
	c.Assert(err, check.IsNil)
	c.Check(name, check.Equals, "a/b/hello.txt")
	name, err = st.Upload(ctx, filepath.Join(src, "hello.txt"), "inputs", "")
	c.Assert(err, check.IsNil)
	c.Check(name, check.Equals, "hello.txt")

	names, err := st.List(ctx, "inputs", "a/")
	c.Assert(err, check.IsNil)
	c.Check(names, check.DeepEquals, []string{"a/b/hello.txt"})

	dst := filepath.Join(c.MkDir(), "copy.txt")
	c.Assert(st.Download(ctx, "inputs", "a/b/hello.txt", dst), check.IsNil)
	data, err := os.ReadFile(dst)
	c.Assert(err, check.IsNil)
	c.Check(string(data), check.Equals, "hello")
}

func folderTests(c *check.C, st Store) {
	ctx := context.Background()
	src := c.MkDir()
	writeTree(c, src, sampleTree)
	c.Assert(st.CreateContainer(ctx, "folders"), check.IsNil)

	names, err := UploadFolder(ctx, st, src, "folders", "run", FolderFilter{
		Include: []string{"params", "scratch/*.yaml"},
		Exclude: []string{"**/run2.yaml"},
	})
	c.Assert(err, check.IsNil)
	c.Check(names, check.DeepEquals, []string{
		"run/params/run1.yaml",
		"run/scratch/keep.yaml",
	})
	listed, err := st.List(ctx, "folders", "run/")
	c.Assert(err, check.IsNil)
	c.Check(listed, check.DeepEquals, names)
}

type localDirSuite struct {
	st *LocalDir
}

func (s *localDirSuite) SetUpTest(c *check.C) {
	var err error
	s.st, err = NewLocalDir(c.MkDir(), ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
}

func (s *localDirSuite) TestStore(c *check.C) {
	storeTests(c, s.st)
}

func (s *localDirSuite) TestUploadFolder(c *check.C) {
	folderTests(c, s.st)
}

// Hiding the directory-copy shortcut exercises the generic walk.
func (s *localDirSuite) TestUploadFolderGeneric(c *check.C) {
	folderTests(c, struct{ Store }{s.st})
}

func (s *localDirSuite) TestUploadFolderEverything(c *check.C) {
	ctx := context.Background()
	src := c.MkDir()
	writeTree(c, src, sampleTree)
	c.Assert(s.st.CreateContainer(ctx, "all"), check.IsNil)
	names, err := UploadFolder(ctx, s.st, src, "all", "", FolderFilter{})
	c.Assert(err, check.IsNil)
	c.Check(names, check.HasLen, len(sampleTree))
}

func (s *localDirSuite) TestBadObjectName(c *check.C) {
	ctx := context.Background()
	c.Assert(s.st.CreateContainer(ctx, "x"), check.IsNil)
	err := s.st.Download(ctx, "x", "../../etc/passwd", filepath.Join(c.MkDir(), "f"))
	c.Check(err, check.ErrorMatches, `invalid object name .*`)
}

func (s *localDirSuite) TestNewDispatch(c *check.C) {
	st, err := New(context.Background(), cloudops.StorageConfig{Root: c.MkDir()}, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	c.Check(st, check.FitsTypeOf, &LocalDir{})
	_, err = New(context.Background(), cloudops.StorageConfig{Driver: "ftp"}, ctxlog.TestLogger(c))
	c.Check(err, check.ErrorMatches, `unknown storage driver "ftp"`)
	_, err = New(context.Background(), cloudops.StorageConfig{Driver: "azure"}, ctxlog.TestLogger(c))
	c.Check(err, check.ErrorMatches, `azure storage needs .*`)
}

type s3Suite struct {
	srv *httptest.Server
	st  *S3
}

func (s *s3Suite) SetUpTest(c *check.C) {
	s.srv = httptest.NewServer(gofakes3.New(s3mem.New()).Server())
	var cfg cloudops.StorageConfig
	cfg.Driver = "s3"
	cfg.S3.Endpoint = s.srv.URL
	cfg.S3.AccessKeyID = "test-key"
	cfg.S3.SecretAccessKey = "test-secret"
	st, err := New(context.Background(), cfg, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	s.st = st.(*S3)
}

func (s *s3Suite) TearDownTest(c *check.C) {
	s.srv.Close()
}

func (s *s3Suite) TestStore(c *check.C) {
	storeTests(c, s.st)
}

func (s *s3Suite) TestUploadFolder(c *check.C) {
	folderTests(c, s.st)
}

func (s *localDirSuite) TestSaveTaskOutput(c *check.C) {
	ctx := context.Background()
	c.Assert(s.st.CreateContainer(ctx, "logs"), check.IsNil)
	err := SaveTaskOutput(ctx, s.st, cloudops.LogSink{Container: "logs", Folder: "/run1/"}, "7", []byte("out"), nil)
	c.Assert(err, check.IsNil)
	names, err := s.st.List(ctx, "logs", "")
	c.Assert(err, check.IsNil)
	c.Check(names, check.DeepEquals, []string{"run1/7/stderr.txt", "run1/7/stdout.txt"})
	data, err := os.ReadFile(filepath.Join(s.st.ContainerPath("logs"), "run1", "7", StdoutName))
	c.Assert(err, check.IsNil)
	c.Check(string(data), check.Equals, "out")

	err = SaveTaskOutput(ctx, s.st, cloudops.LogSink{Container: "nope"}, "7", nil, nil)
	c.Check(errors.Is(err, ErrContainerNotFound), check.Equals, true)
}
