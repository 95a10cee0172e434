package report

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/endharassment/surveillance-reports/internal/model"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const maxEvidenceFileSize int64 = 50 << 20 // 50 MiB

// sniffLen is how much of an upload is inspected to detect its type.
const sniffLen = 3072

var (
	ErrFileTooLarge       = errors.New("evidence file exceeds maximum size of 50MB")
	ErrDisallowedType     = errors.New("evidence must be an image or a video")
	ErrEmptyFile          = errors.New("evidence file is empty")
	ErrFilenameEmpty      = errors.New("filename must not be empty")
	ErrReportIDEmpty      = errors.New("report ID must not be empty")
	ErrEvidenceDirMissing = errors.New("evidence directory does not exist")
)

// EvidenceMeta carries metadata extracted from the upload by the client.
type EvidenceMeta struct {
	Latitude   *float64
	Longitude  *float64
	CapturedAt *time.Time
}

// mediaKindOf maps a detected MIME type to a media kind.
func mediaKindOf(mt *mimetype.MIME) (model.MediaKind, bool) {
	for m := mt; m != nil; m = m.Parent() {
		switch {
		case strings.HasPrefix(m.String(), "image/"):
			return model.MediaImage, true
		case strings.HasPrefix(m.String(), "video/"):
			return model.MediaVideo, true
		}
	}
	return "", false
}

// saveEvidence streams an upload to disk under evidenceDir, computing a
// SHA-256 hash as it goes. The content type is sniffed from the bytes; the
// client's claim is ignored.
func saveEvidence(ctx context.Context, evidenceDir, reportID, filename string, r io.Reader) (*model.Evidence, error) {
	if reportID == "" {
		return nil, ErrReportIDEmpty
	}
	filename, err := sanitizeFilename(filename)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	header := make([]byte, sniffLen)
	n, err := io.ReadFull(r, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading evidence: %w", err)
	}
	if n == 0 {
		return nil, ErrEmptyFile
	}
	header = header[:n]

	mt := mimetype.Detect(header)
	kind, ok := mediaKindOf(mt)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDisallowedType, mt.String())
	}

	info, err := os.Stat(evidenceDir)
	if err != nil || !info.IsDir() {
		return nil, ErrEvidenceDirMissing
	}

	reportDir := filepath.Join(evidenceDir, reportID)
	if err := os.MkdirAll(reportDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating report evidence directory: %w", err)
	}

	evidenceID := uuid.New().String()
	storagePath := filepath.Join(reportDir, evidenceID)

	f, err := os.Create(storagePath)
	if err != nil {
		return nil, fmt.Errorf("creating evidence file: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	body := io.MultiReader(bytes.NewReader(header), r)
	written, err := io.Copy(f, io.TeeReader(io.LimitReader(body, maxEvidenceFileSize+1), hasher))
	if err != nil {
		os.Remove(storagePath)
		return nil, fmt.Errorf("writing evidence file: %w", err)
	}
	if written > maxEvidenceFileSize {
		os.Remove(storagePath)
		return nil, ErrFileTooLarge
	}

	return &model.Evidence{
		ID:          evidenceID,
		ReportID:    reportID,
		Filename:    filename,
		ContentType: mt.String(),
		MediaKind:   kind,
		StoragePath: storagePath,
		SHA256:      hex.EncodeToString(hasher.Sum(nil)),
		SizeBytes:   written,
		CreatedAt:   time.Now().UTC(),
	}, nil
}
