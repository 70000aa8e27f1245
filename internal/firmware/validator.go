// Package firmware verifies restore images before they are handed to the
// restore tool: content hashes, archive structure and declared target products.
package firmware

import (
	"archive/zip"
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/autopeer-io/devicekit/internal/pkg/errdefs"
	"github.com/autopeer-io/devicekit/pkg/log"
)

// Image is the outcome of validating one firmware file. It is never mutated
// after Validate returns; every restore attempt validates again.
type Image struct {
	Path   string `json:"path"`
	SHA1   string `json:"sha1"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`

	// Manifest is nil when the archive carries none.
	Manifest        *Manifest `json:"manifest,omitempty"`
	ManifestWarning string    `json:"manifest_warning,omitempty"`

	Valid bool `json:"valid"`
}

// ValidateOptions carries the optional expectations for an image.
type ValidateOptions struct {
	// ExpectedHash is a hex SHA-1 (40 chars) or SHA-256 (64 chars) digest.
	ExpectedHash string
	// ExpectedProductIDs must intersect the manifest's products when both are non-empty.
	ExpectedProductIDs []string
}

// Validator checks firmware images. It never writes to the file.
type Validator struct {
	logger log.Logger
}

// NewValidator returns a Validator logging through logger.
func NewValidator(logger log.Logger) *Validator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Validator{logger: logger.WithName("firmware")}
}

// Validate hashes, opens and inspects the image at path. The returned Image is
// non-nil even on failure; its Valid flag is true only when err is nil.
func (v *Validator) Validate(ctx context.Context, path string, opts ValidateOptions) (*Image, error) {
	img := &Image{Path: path}

	expected, algo, err := normalizeHash(opts.ExpectedHash)
	if err != nil {
		return img, errdefs.NewValidation(errdefs.Unsupported, path, "%v", err)
	}

	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return img, errdefs.NewValidation(errdefs.NotFound, path, "file does not exist")
	case err != nil:
		return img, errdefs.NewValidation(errdefs.NotFound, path, "%v", err)
	case info.IsDir():
		return img, errdefs.NewValidation(errdefs.NotFound, path, "is a directory")
	}
	img.Size = info.Size()

	if err := v.hash(ctx, img); err != nil {
		if ctx.Err() != nil {
			return img, ctx.Err()
		}
		return img, errdefs.NewValidation(errdefs.CorruptArchive, path, "read: %v", err)
	}

	if expected != "" {
		actual := img.SHA1
		if algo == "sha256" {
			actual = img.SHA256
		}
		if actual != expected {
			return img, errdefs.NewValidation(errdefs.HashMismatch, path, "%s is %s, expected %s", algo, actual, expected)
		}
	}

	// Only the central directory is checked. Entry CRCs are not verified, as
	// that means inflating every payload of a multi-gigabyte image; content
	// integrity comes from ExpectedHash.
	zr, err := zip.OpenReader(path)
	if err != nil {
		return img, errdefs.NewValidation(errdefs.CorruptArchive, path, "not a valid archive: %v", err)
	}
	defer zr.Close()

	if mf := findManifest(&zr.Reader); mf == nil {
		img.ManifestWarning = ManifestName + " not found; product applicability not checked"
		v.logger.Warn("Image has no build manifest", "path", path)
	} else {
		m, err := readManifest(mf)
		if err != nil {
			return img, errdefs.NewValidation(errdefs.CorruptArchive, path, "%v", err)
		}
		img.Manifest = m
	}

	if len(opts.ExpectedProductIDs) > 0 && img.Manifest != nil && len(img.Manifest.ProductTypes) > 0 {
		if !img.Manifest.Supports(opts.ExpectedProductIDs...) {
			return img, errdefs.NewValidation(errdefs.ProductMismatch, path,
				"image targets %s, device is %s",
				strings.Join(img.Manifest.ProductTypes, ","), strings.Join(opts.ExpectedProductIDs, ","))
		}
	}

	img.Valid = true
	v.logger.Debug("Image validated", "path", path, "size", img.Size, "sha1", img.SHA1)
	return img, nil
}

// hash streams the file once through both digests.
func (v *Validator) hash(ctx context.Context, img *Image) error {
	f, err := os.Open(img.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	h1, h256 := sha1.New(), sha256.New()
	if _, err := io.Copy(io.MultiWriter(h1, h256), &ctxReader{ctx: ctx, r: f}); err != nil {
		return err
	}
	img.SHA1 = hex.EncodeToString(h1.Sum(nil))
	img.SHA256 = hex.EncodeToString(h256.Sum(nil))
	return nil
}

func normalizeHash(s string) (hash, algo string, err error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", "", nil
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", "", fmt.Errorf("expected hash is not hex: %q", s)
	}
	switch len(s) {
	case sha1.Size * 2:
		return s, "sha1", nil
	case sha256.Size * 2:
		return s, "sha256", nil
	default:
		return "", "", fmt.Errorf("expected hash must be 40 (sha1) or 64 (sha256) hex characters, got %d", len(s))
	}
}

// ctxReader stops a long hash when the caller gives up.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
