// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSUploader uploads a diagnostic bundle to a Cloud Storage bucket with a
// service account key shipped alongside the installer.
type GCSUploader struct {
	client *storage.Client
	Bucket string
	logger *slog.Logger
}

// NewGCSUploader creates an uploader.
//
// # Inputs
//
//   - bucket: destination bucket name
//   - credentialsPath: service account JSON key
//
// # Outputs
//
//   - error: the key file is missing or the client cannot be created
func NewGCSUploader(ctx context.Context, bucket, credentialsPath string, logger *slog.Logger) (*GCSUploader, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if _, err := os.Stat(credentialsPath); err != nil {
		return nil, fmt.Errorf("service account key not found at path: %s: %w", credentialsPath, err)
	}

	client, err := storage.NewClient(ctx, option.WithCredentialsFile(credentialsPath))
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &GCSUploader{client: client, Bucket: bucket, logger: logger}, nil
}

// UploadFile copies one local file to object.
func (u *GCSUploader) UploadFile(ctx context.Context, localPath, object string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open the local file: %s: %w", localPath, err)
	}
	defer f.Close()

	w := u.client.Bucket(u.Bucket).Object(object).NewWriter(ctx)
	w.ContentType = "text/plain; charset=utf-8"
	w.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to copy local file %s to GCS object %s: %w", localPath, object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", object, err)
	}
	u.logger.Info("uploaded diagnostic file", "object", "gs://"+u.Bucket+"/"+object)
	return nil
}

// UploadDir uploads every regular file under localDir, keeping relative
// paths under prefix.
func (u *GCSUploader) UploadDir(ctx context.Context, localDir, prefix string) error {
	return filepath.WalkDir(localDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		return u.UploadFile(ctx, p, ObjectName(prefix, rel))
	})
}

// Close releases the client.
func (u *GCSUploader) Close() error {
	return u.client.Close()
}

// ObjectName joins prefix and a host-relative path with forward slashes.
func ObjectName(prefix, rel string) string {
	return path.Join(prefix, filepath.ToSlash(rel))
}
