// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/Azure/azure-sdk-for-go/storage"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/cfa/cloudops/sdk/go/endpoints"
	"github.com/sirupsen/logrus"
)

// Azure stores containers as blob containers in one storage account.
type Azure struct {
	blobsvc storage.BlobStorageClient
	logger  logrus.FieldLogger
}

func NewAzure(cfg cloudops.StorageConfig, logger logrus.FieldLogger) (*Azure, error) {
	if cfg.Azure.Account == "" || cfg.Azure.Key == "" {
		return nil, fmt.Errorf("azure storage needs an account name and key")
	}
	res, err := endpoints.NewResolver(cfg.Azure.Environment)
	if err != nil {
		return nil, err
	}
	client, err := storage.NewBasicClientOnSovereignCloud(cfg.Azure.Account, cfg.Azure.Key, res.Environment())
	if err != nil {
		return nil, fmt.Errorf("couldn't make azure storage client: %w", err)
	}
	return &Azure{
		blobsvc: client.GetBlobService(),
		logger:  logger.WithField("StorageAccount", cfg.Azure.Account),
	}, nil
}

func (az *Azure) translateError(container string, err error) error {
	var serr storage.AzureStorageServiceError
	if errors.As(err, &serr) && serr.StatusCode == http.StatusNotFound {
		if serr.Code == "BlobNotFound" {
			return os.ErrNotExist
		}
		return fmt.Errorf("%w: %s", ErrContainerNotFound, container)
	}
	return err
}

func (az *Azure) Upload(ctx context.Context, localPath, container, location string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	name := objectName(localPath, location)
	blob := az.blobsvc.GetContainerReference(container).GetBlobReference(name)
	if err := blob.CreateBlockBlobFromReader(f, nil); err != nil {
		return "", az.translateError(container, err)
	}
	az.logger.WithFields(logrus.Fields{"Container": container, "Blob": name}).Debug("uploaded")
	return name, nil
}

func (az *Azure) Download(ctx context.Context, container, name, localPath string) error {
	rdr, err := az.blobsvc.GetContainerReference(container).GetBlobReference(name).Get(nil)
	if err != nil {
		return az.translateError(container, err)
	}
	defer rdr.Close()
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rdr); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (az *Azure) Exists(ctx context.Context, container string) (bool, error) {
	return az.blobsvc.GetContainerReference(container).Exists()
}

func (az *Azure) CreateContainer(ctx context.Context, container string) error {
	created, err := az.blobsvc.GetContainerReference(container).CreateIfNotExists(nil)
	if created {
		az.logger.WithField("Container", container).Info("created container")
	}
	return err
}

func (az *Azure) List(ctx context.Context, container, prefix string) ([]string, error) {
	cont := az.blobsvc.GetContainerReference(container)
	params := storage.ListBlobsParameters{Prefix: prefix}
	var names []string
	for {
		resp, err := cont.ListBlobs(params)
		if err != nil {
			return nil, az.translateError(container, err)
		}
		for _, b := range resp.Blobs {
			names = append(names, b.Name)
		}
		if resp.NextMarker == "" {
			return names, nil
		}
		params.Marker = resp.NextMarker
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}
