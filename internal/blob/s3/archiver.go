package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/alanyoungcy/flashsched/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"
	// multipartThreshold switches monthly objects to multipart uploads.
	multipartThreshold = 16 * 1024 * 1024
)

// ExecutionArchiveStore is the slice of the execution store the archiver
// needs.
type ExecutionArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.ExecutionRecord, error)
	DeleteIDs(ctx context.Context, ids []string) (int64, error)
}

// ArchiveImpl implements domain.Archiver. Records older than the cutoff are
// appended to one JSONL object per calendar month, then removed from the
// primary store. Records are only deleted after every upload succeeded.
type ArchiveImpl struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	store  ExecutionArchiveStore
	audit  domain.AuditStore
}

// NewArchiver creates an ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, store ExecutionArchiveStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{writer: writer, reader: reader, store: store, audit: audit}
}

// ArchiveExecutions moves every record older than before into
// archive/executions/YYYY-MM.jsonl and returns how many were archived.
// Re-running after a partial failure does not duplicate lines: records
// already present in a month's object are skipped.
func (a *ArchiveImpl) ArchiveExecutions(ctx context.Context, before time.Time) (int64, error) {
	recs, err := a.store.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive executions query: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	byMonth := make(map[string][]domain.ExecutionRecord)
	for _, r := range recs {
		m := r.Time().Format("2006-01")
		byMonth[m] = append(byMonth[m], r)
	}
	months := make([]string, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	sort.Strings(months)

	ids := make([]string, 0, len(recs))
	paths := make([]string, 0, len(months))
	for _, m := range months {
		path := archivePath("executions", m)
		if err := a.appendMonth(ctx, path, byMonth[m]); err != nil {
			return 0, err
		}
		paths = append(paths, path)
		for _, r := range byMonth[m] {
			ids = append(ids, r.ID)
		}
	}

	deleted, err := a.store.DeleteIDs(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive executions delete: %w", err)
	}

	count := int64(len(ids))
	if err := a.audit.Log(ctx, "archive.executions", map[string]any{
		"paths":   paths,
		"count":   count,
		"deleted": deleted,
		"before":  before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive executions audit log: %w", err)
	}
	return count, nil
}

func (a *ArchiveImpl) appendMonth(ctx context.Context, path string, recs []domain.ExecutionRecord) error {
	existing, seen, err := a.load(ctx, path)
	if err != nil {
		return err
	}
	fresh := recs[:0:0]
	for _, r := range recs {
		if !seen[r.ID] {
			fresh = append(fresh, r)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	lines, err := marshalJSONL(fresh)
	if err != nil {
		return fmt.Errorf("s3blob: archive executions marshal: %w", err)
	}
	body := append(existing, lines...)

	if len(body) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(body), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(body), jsonlContentType)
	}
	if err != nil {
		return fmt.Errorf("s3blob: archive executions upload: %w", err)
	}
	return nil
}

// load returns the current object body and the record ids it holds.
func (a *ArchiveImpl) load(ctx context.Context, path string) ([]byte, map[string]bool, error) {
	seen := make(map[string]bool)
	ok, err := a.reader.Exists(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, seen, nil
	}
	rc, err := a.reader.Get(ctx, path)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, seen, nil
	}
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("s3blob: read %s: %w", path, err)
	}
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var line struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(sc.Bytes(), &line) == nil && line.ID != "" {
			seen[line.ID] = true
		}
	}
	if len(body) > 0 && body[len(body)-1] != '\n' {
		body = append(body, '\n')
	}
	return body, seen, sc.Err()
}

// archivePath builds the key for one month of a record kind:
//
//	archive/executions/2025-01.jsonl
func archivePath(kind, month string) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, month)
}

// marshalJSONL encodes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
