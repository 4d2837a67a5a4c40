// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package storage moves files between the local filesystem and
// object storage containers (directories, S3 buckets, or Azure blob
// containers).
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"

	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/moby/patternmatcher"
	"github.com/sirupsen/logrus"
)

// ErrContainerNotFound is returned when a named container does not
// exist.
var ErrContainerNotFound = errors.New("container not found")

// A Store is an object storage service.
type Store interface {
	// Upload copies a local file into container, as
	// location/basename(localPath), and returns the object name.
	Upload(ctx context.Context, localPath, container, location string) (string, error)
	// Download copies an object to a local file.
	Download(ctx context.Context, container, name, localPath string) error
	// Exists reports whether a container exists.
	Exists(ctx context.Context, container string) (bool, error)
	// CreateContainer creates a container if it does not exist.
	CreateContainer(ctx context.Context, container string) error
	// List returns the names of objects with the given prefix.
	List(ctx context.Context, container, prefix string) ([]string, error)
}

// New returns the store selected by cfg.Driver.
func New(ctx context.Context, cfg cloudops.StorageConfig, logger logrus.FieldLogger) (Store, error) {
	switch cfg.Driver {
	case "localdir", "":
		return NewLocalDir(cfg.Root, logger)
	case "s3":
		return NewS3(ctx, cfg, logger)
	case "azure":
		return NewAzure(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func objectName(localPath, location string) string {
	return path.Join(location, filepath.Base(localPath))
}

// FolderFilter selects files by pattern (Dockerfile .dockerignore
// syntax) relative to the folder being uploaded. An empty Include
// list means everything.
type FolderFilter struct {
	Include []string
	Exclude []string
}

func (ff FolderFilter) compile() (include, exclude *patternmatcher.PatternMatcher, err error) {
	if len(ff.Include) > 0 {
		include, err = patternmatcher.New(ff.Include)
		if err != nil {
			return
		}
	}
	if len(ff.Exclude) > 0 {
		exclude, err = patternmatcher.New(ff.Exclude)
	}
	return
}

func (ff FolderFilter) selected(include, exclude *patternmatcher.PatternMatcher, rel string) (bool, error) {
	if include != nil {
		ok, err := include.MatchesOrParentMatches(rel)
		if err != nil || !ok {
			return false, err
		}
	}
	if exclude != nil {
		skip, err := exclude.MatchesOrParentMatches(rel)
		if err != nil || skip {
			return false, err
		}
	}
	return true, nil
}

// UploadFolder uploads the selected files under dir to container,
// preserving their paths relative to dir under location. It returns
// the object names.
func UploadFolder(ctx context.Context, st Store, dir, container, location string, filter FolderFilter) ([]string, error) {
	if fu, ok := st.(interface {
		uploadFolder(ctx context.Context, dir, container, location string, filter FolderFilter) ([]string, error)
	}); ok {
		return fu.uploadFolder(ctx, dir, container, location, filter)
	}
	include, exclude, err := filter.compile()
	if err != nil {
		return nil, err
	}
	var names []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if ok, err := filter.selected(include, exclude, filepath.ToSlash(rel)); err != nil || !ok {
			return err
		}
		name, err := st.Upload(ctx, p, container, path.Join(location, path.Dir(filepath.ToSlash(rel))))
		if err != nil {
			return err
		}
		names = append(names, name)
		return nil
	})
	return names, err
}
