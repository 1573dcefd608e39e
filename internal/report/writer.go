package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Paths lists the files produced by one Write.
type Paths struct {
	Report  string `json:"report"`
	Archive string `json:"archive"`
}

// Writer persists report documents under Dir as report.json plus a daily
// archive/report_YYYYMMDD.json.
type Writer struct {
	Dir string
	now func() time.Time
}

// NewWriter creates a Writer rooted at dir.
func NewWriter(dir string) *Writer {
	return &Writer{Dir: dir, now: time.Now}
}

// Write writes doc to both locations. Each file is replaced atomically so a
// reader never sees a partial report.
func (w *Writer) Write(doc Document) (Paths, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Paths{}, eris.Wrap(err, "report: marshal")
	}

	archiveDir := filepath.Join(w.Dir, "archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return Paths{}, eris.Wrapf(err, "report: create %s", archiveDir)
	}

	p := Paths{
		Report:  filepath.Join(w.Dir, "report.json"),
		Archive: filepath.Join(archiveDir, "report_"+w.now().Format("20060102")+".json"),
	}
	if err := AtomicWrite(p.Report, data); err != nil {
		return Paths{}, err
	}
	if err := AtomicWrite(p.Archive, data); err != nil {
		return Paths{}, err
	}

	zap.L().Info("report written",
		zap.String("report", p.Report),
		zap.String("archive", p.Archive),
	)
	return p, nil
}

// AtomicWrite writes data to a temp file in the target directory, syncs it
// and renames it over path.
func AtomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return eris.Wrapf(err, "report: create temp for %s", path)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return eris.Wrapf(err, "report: write %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return eris.Wrapf(err, "report: sync %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return eris.Wrapf(err, "report: close %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return eris.Wrapf(err, "report: rename to %s", path)
	}
	return nil
}
