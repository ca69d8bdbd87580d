package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Uploader is the subset of manager.Uploader the archiver needs
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// BackupMetadata describes one archive
type BackupMetadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Version   string             `json:"version"`
	Databases []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes a single database in the archive
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// Archiver packs a daily snapshot into a tar.gz and uploads it to S3
type Archiver struct {
	uploader Uploader
	bucket   string
	prefix   string
	version  string
	now      func() time.Time
	log      zerolog.Logger
}

// NewArchiver creates an archiver writing under {prefix}/
func NewArchiver(uploader Uploader, bucket, prefix, version string, log zerolog.Logger) *Archiver {
	return &Archiver{
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
		version:  version,
		now:      time.Now,
		log:      log.With().Str("service", "backup_archive").Logger(),
	}
}

// Key returns the object key for a day's archive
func (a *Archiver) Key(day string) string {
	return path.Join(a.prefix, fmt.Sprintf("rebalancer-backup-%s.tar.gz", day))
}

// Upload archives files (database name to snapshot path) and uploads them
func (a *Archiver) Upload(ctx context.Context, day string, files map[string]string) error {
	var buf bytes.Buffer
	metadata, err := a.writeArchive(&buf, files)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	key := a.Key(day)
	size := buf.Len()
	if _, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        &buf,
		ContentType: aws.String("application/gzip"),
	}); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	a.log.Info().
		Str("key", key).
		Int("databases", len(metadata.Databases)).
		Int("size_bytes", size).
		Msg("Backup archive uploaded")
	return nil
}

// writeArchive writes the tar.gz stream: every snapshot plus backup-metadata.json
func (a *Archiver) writeArchive(w io.Writer, files map[string]string) (*BackupMetadata, error) {
	gzipWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzipWriter)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	metadata := &BackupMetadata{
		Timestamp: a.now().UTC(),
		Version:   a.version,
		Databases: make([]DatabaseMetadata, 0, len(names)),
	}
	for _, name := range names {
		filename := name + ".db"
		size, checksum, err := addFile(tarWriter, files[name], filename)
		if err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", filename, err)
		}
		metadata.Databases = append(metadata.Databases, DatabaseMetadata{
			Name:      name,
			Filename:  filename,
			SizeBytes: size,
			Checksum:  checksum,
		})
	}

	meta, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := tarWriter.WriteHeader(&tar.Header{
		Name:    "backup-metadata.json",
		Size:    int64(len(meta)),
		Mode:    0644,
		ModTime: metadata.Timestamp,
	}); err != nil {
		return nil, err
	}
	if _, err := tarWriter.Write(meta); err != nil {
		return nil, err
	}

	if err := tarWriter.Close(); err != nil {
		return nil, err
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, err
	}
	return metadata, nil
}

// addFile copies one file into the archive and returns its size and checksum
func addFile(tw *tar.Writer, filePath, nameInArchive string) (int64, string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return 0, "", err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, "", err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode().Perm()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return 0, "", err
	}

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tw, hash), file); err != nil {
		return 0, "", err
	}
	return info.Size(), fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}
