// Package document stores the files handled by the document reception
// process. Documents live in a blob bucket under a root prefix:
//
//	<root>/En revision/<id>            uploaded, waiting for review
//	<root>/Expedientes/<persona>/<id>  approved, filed per person
//	<root>/Rechazados/<id>             rejected
//
// Each object keeps its file name, title and version in blob metadata.
package document

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/acme/expediente/internal/config"
)

// Folder names.
const (
	FolderInReview   = "En revision"
	FolderApproved   = "Expedientes"
	FolderRejected   = "Rechazados"
	previoSuffix     = "_PREVIO"
	metaFileName     = "filename"
	metaTitle        = "title"
	metaVersion      = "version"
	defaultRetryWait = 10 * time.Millisecond
)

// ErrNotFound is returned when no document has the requested id.
var ErrNotFound = errors.New("document not found")

// Document is a stored file.
type Document struct {
	ID          string
	FileName    string
	Title       string
	Folder      string
	Version     int
	ContentType string
	Content     []byte
}

// Repository reads and files documents in a bucket.
type Repository struct {
	bucket        *blob.Bucket
	root          string
	readRetries   uint64
	retryInterval time.Duration
	logger        *zap.Logger
}

// Open opens the bucket at cfg.BucketURL ("mem://", "file:///var/docs", ...).
func Open(ctx context.Context, cfg config.DocumentsConfig, logger *zap.Logger) (*Repository, error) {
	bucket, err := blob.OpenBucket(ctx, cfg.BucketURL)
	if err != nil {
		return nil, fmt.Errorf("document: open bucket: %w", err)
	}
	return New(bucket, cfg.Root, cfg.ReadRetries, cfg.ReadRetryInterval, logger), nil
}

// New wraps an open bucket. Get retries readRetries times, waiting
// retryInterval between attempts.
func New(bucket *blob.Bucket, root string, readRetries uint64, retryInterval time.Duration, logger *zap.Logger) *Repository {
	if retryInterval <= 0 {
		retryInterval = defaultRetryWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		bucket:        bucket,
		root:          strings.Trim(root, "/"),
		readRetries:   readRetries,
		retryInterval: retryInterval,
		logger:        logger,
	}
}

// Close closes the bucket.
func (r *Repository) Close() error {
	return r.bucket.Close()
}

// Submit stores a new document in the review folder and returns its id.
func (r *Repository) Submit(ctx context.Context, fileName, title, contentType string, content []byte) (string, error) {
	id := uuid.NewString()
	doc := Document{
		ID:          id,
		FileName:    fileName,
		Title:       title,
		Version:     1,
		ContentType: contentType,
		Content:     content,
	}
	if err := r.write(ctx, r.key(FolderInReview, id), doc); err != nil {
		return "", err
	}
	return id, nil
}

// Get returns the document with the given id from any folder. A freshly
// uploaded document may not be visible yet, so missing documents are retried.
func (r *Repository) Get(ctx context.Context, id string) (*Document, error) {
	if id == "" || strings.Contains(id, "/") {
		return nil, fmt.Errorf("document: invalid id %q: %w", id, ErrNotFound)
	}

	var doc *Document
	op := func() error {
		key, err := r.locate(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		d, err := r.read(ctx, key)
		if err != nil {
			if gcerrors.Code(err) == gcerrors.NotFound {
				return ErrNotFound
			}
			return backoff.Permanent(err)
		}
		doc = d
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.retryInterval), r.readRetries),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		r.logger.Debug("document not ready, retrying",
			zap.String("file_id", id),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return doc, nil
}

// FileName returns the file name of the document with the given id, with
// the same retries as Get.
func (r *Repository) FileName(ctx context.Context, id string) (string, error) {
	doc, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return doc.FileName, nil
}

// Delete removes the document with the given id. Deleting a missing document
// is not an error.
func (r *Repository) Delete(ctx context.Context, id string) error {
	key, err := r.locate(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("document: delete %s: %w", id, err)
	}
	return nil
}

// Move files a reviewed document. Approved documents go to the persona's
// folder under Expedientes, rejected ones to Rechazados. When previo is set
// the title gets the _PREVIO suffix once.
//
// If the destination already holds a document with the same file name, the
// moved content becomes a new version of that document and its id is
// returned. Otherwise the returned id is fileID.
func (r *Repository) Move(ctx context.Context, fileID, persona string, approved, previo bool) (string, error) {
	var folder string
	switch {
	case !approved:
		folder = FolderRejected
	case persona == "":
		return "", errors.New("document: persona is required for approved documents")
	case strings.Contains(persona, "/"):
		return "", fmt.Errorf("document: invalid persona %q", persona)
	default:
		folder = path.Join(FolderApproved, persona)
	}

	srcKey := r.key(FolderInReview, fileID)
	doc, err := r.read(ctx, srcKey)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return "", fmt.Errorf("document %s is not in %q: %w", fileID, FolderInReview, ErrNotFound)
		}
		return "", err
	}

	if previo && !strings.Contains(doc.Title, "PREVIO") {
		doc.Title += previoSuffix
	}

	targetID := fileID
	existing, err := r.findByFileName(ctx, folder, doc.FileName)
	if err != nil {
		return "", err
	}
	if existing != nil {
		targetID = existing.ID
		doc.ID = existing.ID
		doc.Version = existing.Version + 1
		r.logger.Info("document filed as new version",
			zap.String("file_id", fileID),
			zap.String("existing_id", existing.ID),
			zap.Int("version", doc.Version),
		)
	}

	if err := r.write(ctx, r.key(folder, targetID), *doc); err != nil {
		return "", err
	}
	if err := r.bucket.Delete(ctx, srcKey); err != nil {
		return "", fmt.Errorf("document: remove %s from review: %w", fileID, err)
	}
	return targetID, nil
}

func (r *Repository) key(folder, id string) string {
	return path.Join(r.root, folder, id)
}

// locate finds the key of the document with the given id in any folder.
func (r *Repository) locate(ctx context.Context, id string) (string, error) {
	prefix := r.root
	if prefix != "" {
		prefix += "/"
	}
	iter := r.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return "", ErrNotFound
		}
		if err != nil {
			return "", fmt.Errorf("document: list: %w", err)
		}
		if path.Base(obj.Key) == id {
			return obj.Key, nil
		}
	}
}

func (r *Repository) findByFileName(ctx context.Context, folder, fileName string) (*Document, error) {
	iter := r.bucket.List(&blob.ListOptions{Prefix: r.key(folder, "") + "/", Delimiter: "/"})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("document: list %s: %w", folder, err)
		}
		if obj.IsDir {
			continue
		}
		attrs, err := r.bucket.Attributes(ctx, obj.Key)
		if err != nil {
			return nil, fmt.Errorf("document: attributes %s: %w", obj.Key, err)
		}
		if attrs.Metadata[metaFileName] == fileName {
			return &Document{
				ID:       path.Base(obj.Key),
				FileName: fileName,
				Version:  versionOf(attrs.Metadata),
			}, nil
		}
	}
}

func (r *Repository) read(ctx context.Context, key string) (*Document, error) {
	attrs, err := r.bucket.Attributes(ctx, key)
	if err != nil {
		return nil, err
	}
	content, err := r.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, err
	}
	rel := strings.TrimPrefix(key, r.root+"/")
	return &Document{
		ID:          path.Base(key),
		FileName:    attrs.Metadata[metaFileName],
		Title:       attrs.Metadata[metaTitle],
		Folder:      path.Dir(rel),
		Version:     versionOf(attrs.Metadata),
		ContentType: attrs.ContentType,
		Content:     content,
	}, nil
}

func (r *Repository) write(ctx context.Context, key string, doc Document) error {
	opts := &blob.WriterOptions{
		ContentType: doc.ContentType,
		Metadata: map[string]string{
			metaFileName: doc.FileName,
			metaTitle:    doc.Title,
			metaVersion:  strconv.Itoa(doc.Version),
		},
	}
	if opts.ContentType == "" {
		opts.ContentType = "application/octet-stream"
	}
	if err := r.bucket.WriteAll(ctx, key, doc.Content, opts); err != nil {
		return fmt.Errorf("document: write %s: %w", key, err)
	}
	return nil
}

func versionOf(meta map[string]string) int {
	v, err := strconv.Atoi(meta[metaVersion])
	if err != nil || v < 1 {
		return 1
	}
	return v
}
