// Package flow implements the conversational intake state machine.
//
// This file implements report finalization: evidence download and storage,
// FinalReport assembly and the party-facing summary.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/minervahq/minerva/internal/media"
	"github.com/minervahq/minerva/internal/models"
	"github.com/minervahq/minerva/internal/reports"
	"github.com/minervahq/minerva/internal/util"
)

// DefaultSource tags reports collected over the primary transport.
const DefaultSource = "whatsapp"

// Finalizer turns a completed draft plus an attachment into a stored
// FinalReport. Download, file-write and insert failures are all reported as
// one class of error; the caller keeps the session at the media step so the
// party can retry by resending the attachment. A retry mints a fresh public
// id — finalization is at-least-once, not idempotent.
type Finalizer struct {
	media   *media.Store
	reports reports.ReportStore
	source  string
	now     func() time.Time
	newID   func() string
}

// FinalizerOption customizes a Finalizer.
type FinalizerOption func(*Finalizer)

// WithSource overrides the source tag stamped on final reports.
func WithSource(source string) FinalizerOption {
	return func(f *Finalizer) {
		f.source = source
	}
}

// WithClock overrides the clock (for tests).
func WithClock(now func() time.Time) FinalizerOption {
	return func(f *Finalizer) {
		f.now = now
	}
}

// WithIDGenerator overrides public id generation (for tests).
func WithIDGenerator(newID func() string) FinalizerOption {
	return func(f *Finalizer) {
		f.newID = newID
	}
}

// NewFinalizer creates a finalizer over the given media and report stores.
func NewFinalizer(mediaStore *media.Store, reportStore reports.ReportStore, opts ...FinalizerOption) *Finalizer {
	f := &Finalizer{
		media:   mediaStore,
		reports: reportStore,
		source:  DefaultSource,
		now:     time.Now,
		newID:   util.GenerateReportID,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Finalize fetches the attachment, stores it, persists the final report and
// returns the rendered summary. On any error the session is left untouched.
func (f *Finalizer) Finalize(ctx context.Context, sess *models.Session, turn models.Turn) (string, error) {
	if turn.FetchMedia == nil {
		return "", fmt.Errorf("turn has no attachment fetcher")
	}

	att, err := turn.FetchMedia(ctx)
	if err != nil {
		slog.Error("Finalizer attachment download failed", "error", err, "identity", sess.Identity)
		return "", fmt.Errorf("failed to download attachment: %w", err)
	}
	slog.Debug("Finalizer attachment downloaded", "identity", sess.Identity, "media_type", att.MediaType, "bytes", len(att.Data))

	filename := f.media.Filename(turn.From, att.MediaType, f.now())
	path, err := f.media.Save(filename, att.Data)
	if err != nil {
		return "", fmt.Errorf("failed to store evidence: %w", err)
	}

	report := models.FinalReport{
		PublicID:  f.newID(),
		Source:    f.source,
		Date:      sess.Data.Date,
		Time:      sess.Data.Time,
		Location:  sess.Data.Location,
		Details:   sess.Data.Details,
		Anonymous: sess.Data.Anonymous,
		Reporter:  sess.Data.Reporter,
		Evidence:  models.Evidence{Path: path, URL: f.media.URLFor(filename)},
		CreatedAt: f.now(),
	}

	if _, err := f.reports.Insert(ctx, report); err != nil {
		return "", fmt.Errorf("failed to persist report: %w", err)
	}

	slog.Info("Finalizer report persisted", "identity", sess.Identity, "public_id", report.PublicID, "anonymous", report.Anonymous)
	return renderSummary(report), nil
}

// renderSummary formats the party-facing confirmation. Structured locations
// are rendered as coordinates, free-text locations as-is; the reporter line
// appears only for non-anonymous reports.
func renderSummary(r models.FinalReport) string {
	var b strings.Builder
	b.WriteString("Report received!\n")
	fmt.Fprintf(&b, "• Report ID: %s\n", r.PublicID)
	fmt.Fprintf(&b, "• Date: %s\n", r.Date)
	fmt.Fprintf(&b, "• Time: %s\n", r.Time)
	fmt.Fprintf(&b, "• Location: %s\n", r.Location.Render())
	fmt.Fprintf(&b, "• Anonymous: %t\n", r.Anonymous)
	if !r.Anonymous && r.Reporter != nil {
		fmt.Fprintf(&b, "• Reporter: %s (%s)\n", r.Reporter.Name, r.Reporter.Contact)
	}
	fmt.Fprintf(&b, "• Incident Details: %s\n", r.Details)
	fmt.Fprintf(&b, "• Evidence URL: %s", r.Evidence.URL)
	return b.String()
}
