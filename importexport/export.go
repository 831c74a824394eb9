package importexport

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/syssam/vxdata/entity"
	"github.com/syssam/vxdata/fetchplan"
)

// archiveEntry is the archive member holding the serialized entities.
const archiveEntry = "entities.json"

// maxArchiveEntrySize bounds the uncompressed size of the archive member.
const maxArchiveEntrySize = 256 << 20

// Exporter serializes entity graphs.
type Exporter struct {
	log *slog.Logger
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

// WithExportLogger sets the logger of the exporter.
func WithExportLogger(l *slog.Logger) ExporterOption {
	return func(e *Exporter) { e.log = l }
}

// NewExporter returns an exporter.
func NewExporter(opts ...ExporterOption) *Exporter {
	e := &Exporter{log: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExportJSON returns the instances as a JSON array, serializing the
// properties of the plan. Attributes not loaded are omitted. References
// without a nested plan are written by id. A nil plan writes local
// properties.
func (x *Exporter) ExportJSON(entities []*entity.Entity, plan *fetchplan.FetchPlan) ([]byte, error) {
	b, err := marshalEntities(entities, plan)
	if err != nil {
		return nil, err
	}
	x.log.Debug("importexport: exported entities", "count", len(entities), "bytes", len(b))
	return b, nil
}

// ExportZIP returns a ZIP archive holding the JSON export of the instances.
func (x *Exporter) ExportZIP(entities []*entity.Entity, plan *fetchplan.FetchPlan) ([]byte, error) {
	b, err := x.ExportJSON(entities, plan)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     archiveEntry,
		Method:   zip.Deflate,
		Modified: time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("importexport: creating archive: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return nil, fmt.Errorf("importexport: writing archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("importexport: closing archive: %w", err)
	}
	return buf.Bytes(), nil
}

// readArchive returns the JSON member of an archive made by ExportZIP.
func readArchive(b []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return nil, fmt.Errorf("importexport: reading archive: %w", err)
	}
	var member *zip.File
	for _, f := range zr.File {
		if f.Name == archiveEntry {
			member = f
			break
		}
	}
	if member == nil {
		return nil, fmt.Errorf("importexport: archive has no %s", archiveEntry)
	}
	f, err := member.Open()
	if err != nil {
		return nil, fmt.Errorf("importexport: reading archive: %w", err)
	}
	defer f.Close()
	out, err := io.ReadAll(io.LimitReader(f, maxArchiveEntrySize+1))
	if err != nil {
		return nil, fmt.Errorf("importexport: reading archive: %w", err)
	}
	if len(out) > maxArchiveEntrySize {
		return nil, fmt.Errorf("importexport: %s exceeds %d bytes", archiveEntry, maxArchiveEntrySize)
	}
	return out, nil
}
