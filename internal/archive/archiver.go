// Package archive uploads finished restore records to an object store.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"time"

	"github.com/autopeer-io/devicekit/internal/restore"
	"github.com/autopeer-io/devicekit/pkg/apis/restore/v1alpha1"
	"github.com/autopeer-io/devicekit/pkg/log"
)

const (
	// ResultObject is the object name of the serialized RestoreResult.
	ResultObject = "result.json"

	uploadTimeout = 2 * time.Minute
	linkExpiry    = 24 * time.Hour
)

var unsafeKeyChars = regexp.MustCompile(`[^\w.-]`)

// Archiver is a restore.Observer that uploads result.json and the run log
// once a run has finished. Upload failures are logged and never change the
// restore outcome.
type Archiver struct {
	provider Provider
	prefix   string
	logger   log.Logger
}

var _ restore.Observer = (*Archiver)(nil)

// NewArchiver returns an Archiver storing objects under prefix.
func NewArchiver(provider Provider, prefix string, logger log.Logger) *Archiver {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Archiver{provider: provider, prefix: prefix, logger: logger.WithName("archive")}
}

// KeyPrefix returns {prefix}/{udid}/{started} for a result.
func (a *Archiver) KeyPrefix(res *v1alpha1.RestoreResult) string {
	dir := unsafeKeyChars.ReplaceAllString(res.UDID, "_")
	if dir == "" {
		dir = "unknown"
	}
	return path.Join(a.prefix, dir, res.StartedAt.UTC().Format("20060102-150405"))
}

func (a *Archiver) StepRecorded(context.Context, string, v1alpha1.RestoreStep) {}

func (a *Archiver) Finished(ctx context.Context, res *v1alpha1.RestoreResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uploadTimeout)
	defer cancel()

	logger := a.logger.WithValues("udid", log.Serial(res.UDID))
	if err := a.Upload(ctx, res); err != nil {
		logger.Error(err, "Failed to archive restore result")
		return
	}

	key := path.Join(a.KeyPrefix(res), ResultObject)
	link, err := a.provider.GeneratePresignedURL(ctx, key, linkExpiry)
	if err != nil {
		logger.Warn("Archived result has no download link", "key", key, "error", err)
		return
	}
	logger.Info("Restore result archived", "key", key, "url", link)
}

// Upload stores result.json and, when present, the run log.
func (a *Archiver) Upload(ctx context.Context, res *v1alpha1.RestoreResult) error {
	if err := a.provider.CheckBucket(ctx); err != nil {
		return err
	}

	prefix := a.KeyPrefix(res)
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	if err := a.provider.Put(ctx, path.Join(prefix, ResultObject), bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return err
	}

	if res.LogFile == "" {
		return nil
	}
	f, err := os.Open(res.LogFile)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return a.provider.Put(ctx, path.Join(prefix, filepath.Base(res.LogFile)), f, info.Size(), "text/plain")
}
