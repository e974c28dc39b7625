// storage/gcs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"path"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCS is a Store (and Writer) for a backup that has been mirrored to a
// Google Cloud Storage bucket. The layout under the prefix matches the
// local one: metadata files at the top level and blobs in shard
// directories.
type GCS struct {
	ctx    context.Context
	client *gcs.Client
	bucket *gcs.BucketHandle
	name   string
	prefix string
	bw     *Bandwidth
}

type GCSOptions struct {
	BucketName string
	// Optional. Objects are stored under this prefix in the bucket.
	Prefix    string
	ProjectId string
	// Optional. Will use "us-central1" if not specified.
	Location string
	// Optional. If empty, application default credentials are used.
	CredentialsFile string
	// Create the bucket if it doesn't exist.
	Create bool

	// zero -> unlimited
	MaxUploadBytesPerSecond   int
	MaxDownloadBytesPerSecond int
}

func NewGCS(ctx context.Context, options GCSOptions) (*GCS, error) {
	var opts []option.ClientOption
	if options.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(options.CredentialsFile))
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	g := &GCS{
		ctx:    ctx,
		client: client,
		bucket: client.Bucket(options.BucketName),
		name:   options.BucketName,
		prefix: strings.Trim(options.Prefix, "/"),
		bw: NewBandwidth(options.MaxUploadBytesPerSecond,
			options.MaxDownloadBytesPerSecond),
	}

	if _, err := g.bucket.Attrs(ctx); errors.Is(err, gcs.ErrBucketNotExist) && options.Create {
		loc := options.Location
		if loc == "" {
			loc = "us-central1"
		}
		if options.ProjectId == "" {
			client.Close()
			return nil, fmt.Errorf("%s: project id required to create bucket", options.BucketName)
		}
		log.Verbose("%s: creating bucket @ %s", options.BucketName, loc)
		if err := g.bucket.Create(ctx, options.ProjectId, &gcs.BucketAttrs{Location: loc}); err != nil {
			client.Close()
			return nil, err
		}
	} else if err != nil {
		client.Close()
		return nil, err
	}

	return g, nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) String() string {
	if g.prefix == "" {
		return "gs://" + g.name
	}
	return "gs://" + g.name + "/" + g.prefix
}

func (g *GCS) objectName(name string) string {
	if g.prefix == "" {
		return name
	}
	return g.prefix + "/" + name
}

// forFiles calls f with the prefix-relative name of every object in the
// bucket under the store's prefix.
func (g *GCS) forFiles(f func(name string, created time.Time)) error {
	q := &gcs.Query{}
	if g.prefix != "" {
		q.Prefix = g.prefix + "/"
	}
	it := g.bucket.Objects(g.ctx, q)
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return err
		}
		f(strings.TrimPrefix(obj.Name, q.Prefix), obj.Created)
	}
}

func (g *GCS) OpenBlob(key string) (io.ReadCloser, error) {
	if !ValidKey(key) {
		return nil, &BlobError{Key: key, Err: ErrInvalidKey}
	}
	log.Debug("%s: starting gcs download", key)

	var b []byte
	err := retry(key, func() error {
		r, err := g.bucket.Object(g.objectName(ShardPath(key))).NewReader(g.ctx)
		if err != nil {
			return err
		}
		b, err = io.ReadAll(g.bw.DownloadReader(g.ctx, r))
		r.Close()
		return err
	})
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, &BlobError{Key: key, Err: ErrBlobNotFound}
	} else if err != nil {
		return nil, &BlobError{Key: key, Err: err}
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (g *GCS) BlobExists(key string) bool {
	if !ValidKey(key) {
		return false
	}
	_, err := g.bucket.Object(g.objectName(ShardPath(key))).Attrs(g.ctx)
	return err == nil
}

func (g *GCS) Keys() (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	err := g.forFiles(func(name string, created time.Time) {
		dir, base := path.Split(name)
		if isShardName(strings.TrimSuffix(dir, "/")) && ValidKey(base) {
			keys[base] = struct{}{}
		}
	})
	return keys, err
}

func (g *GCS) ReadMetadata(name string) ([]byte, error) {
	var b []byte
	err := retry(name, func() error {
		r, err := g.bucket.Object(g.objectName(name)).NewReader(g.ctx)
		if err != nil {
			return err
		}
		b, err = io.ReadAll(g.bw.DownloadReader(g.ctx, r))
		r.Close()
		return err
	})
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrMetadataNotFound)
	}
	return b, err
}

func (g *GCS) MetadataExists(name string) bool {
	_, err := g.bucket.Object(g.objectName(name)).Attrs(g.ctx)
	return err == nil
}

func (g *GCS) ListMetadata() (map[string]time.Time, error) {
	m := make(map[string]time.Time)
	err := g.forFiles(func(name string, created time.Time) {
		if !strings.Contains(name, "/") && !ignoredFile(name) {
			m[name] = created
		}
	})
	return m, err
}

func (g *GCS) WriteBlob(key string, r io.Reader) (int64, error) {
	if !ValidKey(key) {
		return 0, &BlobError{Key: key, Err: ErrInvalidKey}
	}
	// Buffer the entire contents so that the upload can be retried from
	// scratch after a failure.
	b, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	name := g.objectName(ShardPath(key))
	err = retry(name, func() error { return g.upload(name, "coldline", b) })
	return int64(len(b)), err
}

func (g *GCS) WriteMetadata(name string, data []byte) error {
	obj := g.objectName(name)
	return retry(obj, func() error { return g.upload(obj, "regional", data) })
}

func retry(n string, f func() error) error {
	const maxTries = 5
	for tries := 0; ; tries++ {
		err := f()

		if err == nil || tries == maxTries || errors.Is(err, gcs.ErrObjectNotExist) ||
			errors.Is(err, ErrExists) || errors.Is(err, errCRCMismatch) {
			return err
		}

		// Possibly temporary error; sleep and retry.
		log.Warning("%s: sleeping due to error %s", n, err.Error())
		time.Sleep(time.Duration(100*(tries+1)) * time.Millisecond)
	}
}

var (
	castagnoliTable = crc32.MakeTable(crc32.Castagnoli)
	errCRCMismatch  = errors.New("CRC32C checksum mismatch")
)

func (g *GCS) upload(name string, storageClass string, buf []byte) error {
	// Using Object.If(storage.Conditions{DoesNotExist:true}) ends up
	// uploading the entire file contents before catching the "oh, it
	// already exists" error upon the Close() call. Checking for existence
	// by grabbing the attrs is much more efficient.
	obj := g.bucket.Object(name)
	if _, err := obj.Attrs(g.ctx); err == nil {
		return fmt.Errorf("%s: %w", name, ErrExists)
	}

	tmpName := name + ".tmp"
	tmpObj := g.bucket.Object(tmpName)

	log.Verbose("%s: starting upload", name)

	w := tmpObj.NewWriter(g.ctx)
	// Make it upload along the way rather than waiting until the rate
	// limiting code eventually gives it all the data.
	w.ChunkSize = 256 * 1024
	defer tmpObj.Delete(g.ctx)

	r := g.bw.UploadReader(g.ctx, bytes.NewReader(buf))
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	log.Verbose("%s: finished upload", name)

	// Double-check that the CRC we compute locally is the same as what GCS
	// thinks it is.
	localCrc := crc32.Checksum(buf, castagnoliTable)
	if gcsCrc := w.Attrs().CRC32C; localCrc != gcsCrc {
		return fmt.Errorf("%s: %w: local %d, gcs %d", tmpName, errCRCMismatch,
			localCrc, gcsCrc)
	}

	// Make the final object by copying from the temporary one.
	copier := obj.CopierFrom(tmpObj)
	copier.StorageClass = storageClass
	// It insists this be set directly for the copier to work.
	copier.ContentType = "application/octet-stream"

	_, err := copier.Run(g.ctx)
	return err
}
