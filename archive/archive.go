/*Package archive uploads the files of a finished run to S3 compatible object
storage.

Objects are keyed "<prefix>/<run id>/<file name>", so each run gets its own
folder in the bucket.
*/
package archive

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/lcdlab/sponexp/results"
)

// Config is the object store connection
type Config struct {
	// Endpoint is host[:port] of the store, without a scheme
	Endpoint  string `json:"endpoint" yaml:"Endpoint" koanf:"Endpoint"`
	Bucket    string `json:"bucket" yaml:"Bucket" koanf:"Bucket"`
	AccessKey string `json:"accessKey" yaml:"AccessKey" koanf:"AccessKey"`
	SecretKey string `json:"-" yaml:"SecretKey" koanf:"SecretKey"`

	// Prefix is prepended to every object key
	Prefix string `json:"prefix" yaml:"Prefix" koanf:"Prefix"`

	// Secure uses https
	Secure bool `json:"secure" yaml:"Secure" koanf:"Secure"`
}

// Enabled is true when an endpoint and a bucket are configured
func (c Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// ErrDisabled is returned by New when the config has no endpoint or bucket
var ErrDisabled = errors.New("archive: no endpoint or bucket configured")

type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, file string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archiver uploads result files
type Archiver struct {
	cfg   Config
	store objectStore
	log   zerolog.Logger
}

// New connects to the store described by cfg.  No request is made until the
// first upload.
func New(cfg Config, log zerolog.Logger) (*Archiver, error) {
	if !cfg.Enabled() {
		return nil, ErrDisabled
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	return newArchiver(cfg, client, log), nil
}

func newArchiver(cfg Config, store objectStore, log zerolog.Logger) *Archiver {
	return &Archiver{cfg: cfg, store: store, log: log.With().Str("component", "archive").Logger()}
}

// Key is the object name of a file of a run
func (a *Archiver) Key(runID, file string) string {
	return path.Join(a.cfg.Prefix, runID, filepath.Base(file))
}

// Upload puts the files under the run's folder, creating the bucket if it
// does not exist.  Every file is attempted; the errors are combined.
func (a *Archiver) Upload(ctx context.Context, runID string, files ...string) error {
	ok, err := a.store.BucketExists(ctx, a.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("archive: bucket %s: %w", a.cfg.Bucket, err)
	}
	if !ok {
		if err := a.store.MakeBucket(ctx, a.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("archive: create bucket %s: %w", a.cfg.Bucket, err)
		}
		a.log.Info().Str("bucket", a.cfg.Bucket).Msg("bucket created")
	}
	var errs error
	for _, f := range files {
		key := a.Key(runID, f)
		info, err := a.store.FPutObject(ctx, a.cfg.Bucket, key, f, minio.PutObjectOptions{ContentType: contentType(f)})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("archive %s: %w", f, err))
			continue
		}
		a.log.Debug().Str("key", key).Int64("size", info.Size).Msg("uploaded")
	}
	return errs
}

// UploadRun uploads a run's JSON document and every per point export next to
// it
func (a *Archiver) UploadRun(ctx context.Context, runID, jsonPath string) error {
	files, err := RunFiles(jsonPath)
	if err != nil {
		return err
	}
	if err := a.Upload(ctx, runID, files...); err != nil {
		return err
	}
	a.log.Info().Str("run", runID).Int("files", len(files)).Msg("run archived")
	return nil
}

// RunFiles is the JSON document at jsonPath and the exports that share its
// base name
func RunFiles(jsonPath string) ([]string, error) {
	exports, err := filepath.Glob(globEscape(results.Base(jsonPath)) + " *")
	if err != nil {
		return nil, err
	}
	return append([]string{jsonPath}, exports...), nil
}

func globEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(s)
}

func contentType(file string) string {
	switch ext := strings.ToLower(filepath.Ext(file)); ext {
	case ".dat":
		return "text/tab-separated-values"
	case ".fits":
		return "application/fits"
	default:
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
		return "application/octet-stream"
	}
}
