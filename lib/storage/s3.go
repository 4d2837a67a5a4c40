// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

var errEndpointNotOverridden = &aws.EndpointNotFoundError{Err: errors.New("endpoint not overridden")}

const (
	s3PartSize    = 16 << 20
	s3Concurrency = 4
)

// S3 stores containers as buckets in an S3-compatible service.
type S3 struct {
	svc    *s3.Client
	logger logrus.FieldLogger
}

func NewS3(ctx context.Context, cfg cloudops.StorageConfig, logger logrus.FieldLogger) (*S3, error) {
	region := cfg.S3.Region
	if region == "" {
		region = "us-east-1"
	}
	awscfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsCacheOptions(func(o *aws.CredentialsCacheOptions) {
			o.ExpiryWindow = 5 * time.Minute
		}),
		func(o *config.LoadOptions) error {
			if cfg.S3.AccessKeyID == "" && cfg.S3.SecretAccessKey == "" {
				return nil
			}
			logger.Debug("using static credentials")
			o.Credentials = credentials.StaticCredentialsProvider{
				Value: aws.Credentials{
					AccessKeyID:     cfg.S3.AccessKeyID,
					SecretAccessKey: cfg.S3.SecretAccessKey,
					Source:          "cloudops configuration",
				},
			}
			return nil
		},
		func(o *config.LoadOptions) error {
			if cfg.S3.Endpoint == "" {
				return nil
			}
			o.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				if service == "S3" {
					return aws.Endpoint{URL: cfg.S3.Endpoint, SigningRegion: region}, nil
				}
				return aws.Endpoint{}, errEndpointNotOverridden
			})
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error loading aws client config: %w", err)
	}
	return &S3{
		svc: s3.NewFromConfig(awscfg, func(o *s3.Options) {
			// custom endpoints (minio etc.) generally don't do
			// virtual-hosted buckets
			o.UsePathStyle = cfg.S3.Endpoint != ""
		}),
		logger: logger,
	}, nil
}

func (st *S3) translateError(err error) error {
	if err == nil {
		return nil
	}
	var aerr smithy.APIError
	if errors.As(err, &aerr) {
		switch aerr.ErrorCode() {
		case "NotFound", "NoSuchBucket":
			return fmt.Errorf("%w: %s", ErrContainerNotFound, aerr.ErrorMessage())
		case "NoSuchKey":
			return os.ErrNotExist
		}
	}
	var rerr *awshttp.ResponseError
	if errors.As(err, &rerr) && rerr.HTTPStatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrContainerNotFound, err)
	}
	return err
}

func (st *S3) Upload(ctx context.Context, localPath, container, location string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	name := objectName(localPath, location)
	uploader := manager.NewUploader(st.svc, func(u *manager.Uploader) {
		u.PartSize = s3PartSize
		u.Concurrency = s3Concurrency
	})
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(name),
		Body:   f,
	})
	if err != nil {
		return "", st.translateError(err)
	}
	if fi, err := f.Stat(); err == nil {
		st.logger.WithFields(logrus.Fields{
			"Bucket": container,
			"Key":    name,
			"Size":   humanize.Bytes(uint64(fi.Size())),
		}).Debug("uploaded")
	}
	return name, nil
}

func (st *S3) Download(ctx context.Context, container, name, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	downloader := manager.NewDownloader(st.svc, func(d *manager.Downloader) {
		d.PartSize = s3PartSize
		d.Concurrency = s3Concurrency
	})
	_, err = downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(name),
	})
	if err != nil {
		f.Close()
		os.Remove(localPath)
		return st.translateError(err)
	}
	return f.Close()
}

func (st *S3) Exists(ctx context.Context, container string) (bool, error) {
	_, err := st.svc.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(container)})
	err = st.translateError(err)
	if errors.Is(err, ErrContainerNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (st *S3) CreateContainer(ctx context.Context, container string) error {
	if ok, err := st.Exists(ctx, container); err != nil || ok {
		return err
	}
	_, err := st.svc.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(container)})
	return st.translateError(err)
}

func (st *S3) List(ctx context.Context, container, prefix string) ([]string, error) {
	var names []string
	pager := s3.NewListObjectsV2Paginator(st.svc, &s3.ListObjectsV2Input{
		Bucket: aws.String(container),
		Prefix: aws.String(prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, st.translateError(err)
		}
		for _, obj := range page.Contents {
			names = append(names, aws.ToString(obj.Key))
		}
	}
	return names, nil
}
