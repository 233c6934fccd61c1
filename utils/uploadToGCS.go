package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// getGoogleClient initializes a Google Cloud Storage client. Application
// Default Credentials are used unless credJSON is set.
func getGoogleClient(ctx context.Context, credJSON string) (*storage.Client, error) {
	if strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

// Uploader stores local files in a bucket.
type Uploader interface {
	UploadFile(ctx context.Context, objectName, path string) error
}

type GCSUploader struct {
	Bucket          string
	CredentialsJSON string
	// Client is optional; a client is created per upload when nil.
	Client *storage.Client
}

func (u *GCSUploader) UploadFile(ctx context.Context, objectName, path string) error {
	if u.Bucket == "" {
		return errors.New("GCS_BUCKET is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	client := u.Client
	if client == nil {
		client, err = getGoogleClient(ctx, u.CredentialsJSON)
		if err != nil {
			return err
		}
		defer client.Close()
	}
	return UploadToBucket(ctx, client, u.Bucket, objectName, contentTypeFor(path), f)
}

func UploadToBucket(ctx context.Context, client *storage.Client, bucket, objectName, contentType string, r io.Reader) error {
	wc := client.Bucket(bucket).Object(objectName).NewWriter(ctx)
	wc.ContentType = contentType

	if _, err := io.Copy(wc, r); err != nil {
		_ = wc.Close()
		return fmt.Errorf("failed to upload file to Google Cloud Storage: %v", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %v", err)
	}
	return nil
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return xlsxContentType
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}
