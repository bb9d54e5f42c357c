package store

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/cse-watch/phishmon/store/models"
	errs "github.com/pkg/errors"
)

var reportHeader = []string{
	"fqdn", "brand", "source", "keyword",
	"stage", "failed_at",
	"score", "label", "model_version",
	"registrar", "created", "a_records", "partial",
	"capture_status", "evidence_ref",
	"completed_at",
}

// Report writes all verdicts of a scan as CSV, one row per domain.
func (s *Store) Report(scanId string, w io.Writer) error {
	var ms []*models.Verdict
	err := s.db.Model(&ms).
		Where("scan_id = ?", scanId).
		Order("fqdn ASC").
		Select()
	if err != nil {
		return errs.Wrap(err, "select scan verdicts")
	}
	return writeReport(w, ms)
}

func writeReport(w io.Writer, ms []*models.Verdict) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(reportHeader); err != nil {
		return err
	}
	for _, m := range ms {
		if err := cw.Write(reportRow(m)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func reportRow(m *models.Verdict) []string {
	return []string{
		m.Fqdn, m.Brand, m.Source, m.Keyword,
		m.Stage, m.FailedAt,
		formatScore(m.Score), m.Label, m.ModelVersion,
		formatStr(m.Registrar), formatTime(m.Created), m.ARecords, fmt.Sprintf("%t", m.Partial),
		m.CaptureStatus, m.EvidenceRef,
		m.CompletedAt.Format(time.RFC3339),
	}
}

func formatScore(score *float64) string {
	if score == nil {
		return ""
	}
	return fmt.Sprintf("%.4f", *score)
}

func formatStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
