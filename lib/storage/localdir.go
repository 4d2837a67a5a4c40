// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/otiai10/copy"
	"github.com/sirupsen/logrus"
)

// LocalDir stores each container as a directory under Root. The
// local backend uses it to stand in for blob storage.
type LocalDir struct {
	Root   string
	logger logrus.FieldLogger
}

func NewLocalDir(root string, logger logrus.FieldLogger) (*LocalDir, error) {
	if root == "" {
		return nil, fmt.Errorf("localdir storage needs a root directory")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	return &LocalDir{Root: root, logger: logger}, nil
}

// ContainerPath returns the directory holding a container's objects.
func (ld *LocalDir) ContainerPath(container string) string {
	return filepath.Join(ld.Root, container)
}

func (ld *LocalDir) objectPath(container, name string) (string, error) {
	clean := path.Clean("/" + name)
	if clean == "/" || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return filepath.Join(ld.ContainerPath(container), filepath.FromSlash(clean)), nil
}

func (ld *LocalDir) requireContainer(container string) error {
	fi, err := os.Stat(ld.ContainerPath(container))
	if os.IsNotExist(err) || (err == nil && !fi.IsDir()) {
		return fmt.Errorf("%w: %s", ErrContainerNotFound, container)
	}
	return err
}

func (ld *LocalDir) Upload(ctx context.Context, localPath, container, location string) (string, error) {
	if err := ld.requireContainer(container); err != nil {
		return "", err
	}
	name := objectName(localPath, location)
	dst, err := ld.objectPath(container, name)
	if err != nil {
		return "", err
	}
	n, err := copyFile(localPath, dst)
	if err != nil {
		return "", err
	}
	ld.logger.WithFields(logrus.Fields{
		"Container": container,
		"Object":    name,
		"Size":      humanize.Bytes(uint64(n)),
	}).Debug("uploaded")
	return name, nil
}

func (ld *LocalDir) Download(ctx context.Context, container, name, localPath string) error {
	if err := ld.requireContainer(container); err != nil {
		return err
	}
	src, err := ld.objectPath(container, name)
	if err != nil {
		return err
	}
	_, err = copyFile(src, localPath)
	return err
}

func (ld *LocalDir) Exists(ctx context.Context, container string) (bool, error) {
	err := ld.requireContainer(container)
	if err == nil {
		return true, nil
	} else if errors.Is(err, ErrContainerNotFound) {
		return false, nil
	}
	return false, err
}

func (ld *LocalDir) CreateContainer(ctx context.Context, container string) error {
	return os.MkdirAll(ld.ContainerPath(container), 0755)
}

func (ld *LocalDir) List(ctx context.Context, container, prefix string) ([]string, error) {
	if err := ld.requireContainer(container); err != nil {
		return nil, err
	}
	root := ld.ContainerPath(container)
	var names []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if name := filepath.ToSlash(rel); strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	sort.Strings(names)
	return names, err
}

// uploadFolder copies the whole tree in one pass instead of one
// object at a time.
func (ld *LocalDir) uploadFolder(ctx context.Context, dir, container, location string, filter FolderFilter) ([]string, error) {
	if err := ld.requireContainer(container); err != nil {
		return nil, err
	}
	include, exclude, err := filter.compile()
	if err != nil {
		return nil, err
	}
	dst := filepath.Join(ld.ContainerPath(container), filepath.FromSlash(location))
	var names []string
	err = copy.Copy(dir, dst, copy.Options{
		Skip: func(srcinfo os.FileInfo, src, dest string) (bool, error) {
			if srcinfo.IsDir() {
				return false, nil
			}
			rel, err := filepath.Rel(dir, src)
			if err != nil {
				return true, err
			}
			ok, err := filter.selected(include, exclude, filepath.ToSlash(rel))
			if err != nil || !ok {
				return true, err
			}
			names = append(names, path.Join(location, filepath.ToSlash(rel)))
			return false, nil
		},
	})
	sort.Strings(names)
	return names, err
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, err
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, err
	}
	return n, out.Close()
}
