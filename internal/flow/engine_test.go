package flow

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/minervahq/minerva/internal/media"
	"github.com/minervahq/minerva/internal/models"
	"github.com/minervahq/minerva/internal/reports"
)

const testIdentity = "231770000001"

func newTestEngine(t *testing.T) (*Engine, *reports.InMemoryStore) {
	t.Helper()
	mediaStore, err := media.NewStore(media.WithDir(t.TempDir()), media.WithBaseURL("http://localhost:3000"))
	if err != nil {
		t.Fatalf("failed to create media store: %v", err)
	}
	reportStore := reports.NewInMemoryStore()
	fin := NewFinalizer(mediaStore, reportStore,
		WithClock(func() time.Time { return time.UnixMilli(1735732200000) }),
		WithIDGenerator(func() string { return "ir_test0000000000" }),
	)
	return NewEngine(fin), reportStore
}

func textTurn(body string) models.Turn {
	return models.Turn{From: testIdentity, Body: body, Time: 1}
}

func mediaTurn(mediaType string, data []byte) models.Turn {
	return models.Turn{
		From:     testIdentity,
		HasMedia: true,
		FetchMedia: func(ctx context.Context) (models.Attachment, error) {
			return models.Attachment{MediaType: mediaType, Data: data}, nil
		},
		Time: 1,
	}
}

func locationTurn(p models.GeoPoint) models.Turn {
	return models.Turn{From: testIdentity, Location: &p, Time: 1}
}

// replay feeds turns through the engine against a fresh session and returns
// the session plus the last reply.
func replay(t *testing.T, e *Engine, turns []models.Turn) (*models.Session, string) {
	t.Helper()
	sess := models.NewSession(testIdentity)
	var reply string
	for _, turn := range turns {
		reply = e.HandleTurn(context.Background(), sess, turn)
	}
	return sess, reply
}

func TestFullFlowNamedReporter(t *testing.T) {
	e, reportStore := newTestEngine(t)

	sess, reply := replay(t, e, []models.Turn{
		textTurn("report"),
		textTurn("01-01-2025"),
		textTurn("14:30"),
		textTurn("Lobby"),
		textTurn("Fire alarm went off"),
		textTurn("no"),
		textTurn("Jane Doe"),
		textTurn("jane@x.com"),
		mediaTurn("image/jpeg", []byte("jpeg-bytes")),
	})

	if sess.Step != models.StateIdle {
		t.Errorf("final step = %q, want idle", sess.Step)
	}
	if sess.Data.Date != "" || sess.Data.Reporter != nil || sess.Data.Location != nil {
		t.Error("draft must be cleared after finalization")
	}

	got := reportStore.Reports()
	if len(got) != 1 {
		t.Fatalf("report count = %d, want 1", len(got))
	}
	r := got[0]
	if r.Date != "01-01-2025" || r.Time != "14:30" || r.Details != "Fire alarm went off" {
		t.Errorf("report fields wrong: %+v", r)
	}
	if r.Location == nil || r.Location.Text != "Lobby" {
		t.Error("location must be the free-text string")
	}
	if r.Anonymous {
		t.Error("report must not be anonymous")
	}
	if r.Reporter == nil || r.Reporter.Name != "Jane Doe" || r.Reporter.Contact != "jane@x.com" {
		t.Errorf("reporter = %+v", r.Reporter)
	}
	if !strings.HasSuffix(r.Evidence.URL, ".jpeg") {
		t.Errorf("evidence URL %q must end in .jpeg", r.Evidence.URL)
	}
	if !strings.Contains(reply, "Jane Doe (jane@x.com)") {
		t.Errorf("summary missing reporter line: %q", reply)
	}
	if !strings.Contains(reply, r.Evidence.URL) {
		t.Error("summary must contain the evidence URL")
	}
}

func TestFullFlowAnonymous(t *testing.T) {
	e, reportStore := newTestEngine(t)

	sess, reply := replay(t, e, []models.Turn{
		textTurn("report"),
		textTurn("02-02-2025"),
		textTurn("09:15"),
		textTurn("Warehouse B"),
		textTurn("Forklift collision"),
		textTurn("yes"),
		mediaTurn("video/mp4", []byte("mp4-bytes")),
	})

	if sess.Step != models.StateIdle {
		t.Errorf("final step = %q, want idle", sess.Step)
	}
	got := reportStore.Reports()
	if len(got) != 1 {
		t.Fatalf("report count = %d, want 1", len(got))
	}
	if !got[0].Anonymous {
		t.Error("report must be anonymous")
	}
	if got[0].Reporter != nil {
		t.Error("anonymous report must carry no reporter")
	}
	if strings.Contains(reply, "Reporter:") {
		t.Errorf("summary must not contain a reporter line: %q", reply)
	}
	if !strings.HasSuffix(got[0].Evidence.URL, ".mp4") {
		t.Errorf("evidence URL %q must end in .mp4", got[0].Evidence.URL)
	}
}

func TestStructuredLocation(t *testing.T) {
	e, reportStore := newTestEngine(t)

	sess, _ := replay(t, e, []models.Turn{
		textTurn("report"),
		textTurn("01-01-2025"),
		textTurn("14:30"),
	})
	if sess.Step != models.StateLocation {
		t.Fatalf("step = %q, want location", sess.Step)
	}

	reply := e.HandleTurn(context.Background(), sess, locationTurn(models.GeoPoint{
		Latitude: 6.300774, Longitude: -10.79716, Name: "Freeport",
	}))
	if reply != PromptDetails {
		t.Errorf("reply = %q, want details prompt", reply)
	}
	if !sess.Data.Location.IsStructured() {
		t.Fatal("draft location must be structured")
	}
	if sess.Data.Location.Text != "" {
		t.Error("structured location must not also carry text")
	}

	summary := finishFlow(t, e, sess)
	if !strings.Contains(summary, "6.300774, -10.797160 (Freeport)") {
		t.Errorf("summary must render coordinates: %q", summary)
	}

	got := reportStore.Reports()
	if len(got) != 1 || !got[0].Location.IsStructured() {
		t.Error("final report must carry the structured location")
	}
}

// finishFlow drives a session sitting at the dets step through to completion.
func finishFlow(t *testing.T, e *Engine, sess *models.Session) string {
	t.Helper()
	ctx := context.Background()
	e.HandleTurn(ctx, sess, textTurn("details"))
	e.HandleTurn(ctx, sess, textTurn("yes"))
	summary := e.HandleTurn(ctx, sess, mediaTurn("image/png", []byte("png-bytes")))
	if sess.Step != models.StateIdle {
		t.Fatalf("flow did not complete, step = %q", sess.Step)
	}
	return summary
}

func TestFinalizationFailureKeepsDraft(t *testing.T) {
	e, reportStore := newTestEngine(t)
	reportStore.FailInsert = true

	sess, reply := replay(t, e, []models.Turn{
		textTurn("report"),
		textTurn("01-01-2025"),
		textTurn("14:30"),
		textTurn("Lobby"),
		textTurn("Fire alarm went off"),
		textTurn("yes"),
		mediaTurn("image/jpeg", []byte("jpeg-bytes")),
	})

	if reply != MsgFinalizeRetry {
		t.Errorf("reply = %q, want retry message", reply)
	}
	if sess.Step != models.StateMedia {
		t.Errorf("step = %q, must remain media after failure", sess.Step)
	}
	if sess.Data.Date != "01-01-2025" || sess.Data.Details != "Fire alarm went off" {
		t.Error("draft must be fully intact after failure")
	}
	if len(reportStore.Reports()) != 0 {
		t.Error("no report may be stored on failure")
	}

	// A later resend retries the same finalization without repeating steps.
	reportStore.FailInsert = false
	reply = e.HandleTurn(context.Background(), sess, mediaTurn("image/jpeg", []byte("jpeg-bytes")))
	if sess.Step != models.StateIdle {
		t.Errorf("step = %q, want idle after successful retry", sess.Step)
	}
	if len(reportStore.Reports()) != 1 {
		t.Error("retry must store exactly one report")
	}
	if !strings.Contains(reply, "Report received!") {
		t.Errorf("retry reply = %q, want summary", reply)
	}
}

func TestDownloadFailureKeepsDraft(t *testing.T) {
	e, reportStore := newTestEngine(t)

	sess, _ := replay(t, e, []models.Turn{
		textTurn("report"),
		textTurn("01-01-2025"),
		textTurn("14:30"),
		textTurn("Lobby"),
		textTurn("details"),
		textTurn("yes"),
	})

	broken := models.Turn{
		From:     testIdentity,
		HasMedia: true,
		FetchMedia: func(ctx context.Context) (models.Attachment, error) {
			return models.Attachment{}, fmt.Errorf("transport download failed")
		},
	}
	reply := e.HandleTurn(context.Background(), sess, broken)
	if reply != MsgFinalizeRetry {
		t.Errorf("reply = %q, want retry message", reply)
	}
	if sess.Step != models.StateMedia {
		t.Errorf("step = %q, must remain media", sess.Step)
	}
	if len(reportStore.Reports()) != 0 {
		t.Error("no report may be stored when download fails")
	}
}

func TestIdleChatterNeverMutatesDraft(t *testing.T) {
	e, _ := newTestEngine(t)
	sess := models.NewSession(testIdentity)

	for _, body := range []string{"hello", "help", "REPORTING", "", "what is this"} {
		reply := e.HandleTurn(context.Background(), sess, textTurn(body))
		if reply != PromptWelcome {
			t.Errorf("idle reply for %q = %q, want welcome", body, reply)
		}
		if sess.Step != models.StateIdle {
			t.Errorf("idle input %q moved step to %q", body, sess.Step)
		}
		if sess.Data != (models.ReportDraft{}) {
			t.Errorf("idle input %q mutated the draft", body)
		}
	}
}

func TestKeywordNormalization(t *testing.T) {
	for _, body := range []string{"report", "  REPORT  ", `"report"`, "“Report”", "'report'"} {
		e, _ := newTestEngine(t)
		sess := models.NewSession(testIdentity)
		if reply := e.HandleTurn(context.Background(), sess, textTurn(body)); reply != PromptDate {
			t.Errorf("input %q should start a report, got reply %q", body, reply)
		}
		if sess.Step != models.StateDate {
			t.Errorf("input %q left step at %q", body, sess.Step)
		}
	}
}

func TestAnonymousAnswerBranching(t *testing.T) {
	cases := []struct {
		answer   string
		wantStep models.State
		wantAnon bool
	}{
		{"yes", models.StateMedia, true},
		{"YES", models.StateMedia, true},
		{"“yes”", models.StateMedia, true},
		{"no", models.StateReporterName, false},
		{"nope", models.StateReporterName, false},
		{"maybe", models.StateReporterName, false},
	}
	for _, c := range cases {
		e, _ := newTestEngine(t)
		sess, _ := replay(t, e, []models.Turn{
			textTurn("report"),
			textTurn("01-01-2025"),
			textTurn("14:30"),
			textTurn("Lobby"),
			textTurn("details"),
		})
		e.HandleTurn(context.Background(), sess, textTurn(c.answer))
		if sess.Step != c.wantStep {
			t.Errorf("answer %q: step = %q, want %q", c.answer, sess.Step, c.wantStep)
		}
		if sess.Data.Anonymous != c.wantAnon {
			t.Errorf("answer %q: anonymous = %t, want %t", c.answer, sess.Data.Anonymous, c.wantAnon)
		}
	}
}

func TestRawTextStoredUnnormalized(t *testing.T) {
	e, _ := newTestEngine(t)
	sess, _ := replay(t, e, []models.Turn{
		textTurn("report"),
		textTurn("  Next Friday, maybe?  "),
	})
	// Trimmed but otherwise untouched: dates and times are deliberately
	// stored without format validation.
	if sess.Data.Date != "Next Friday, maybe?" {
		t.Errorf("date = %q", sess.Data.Date)
	}
}

func TestMediaStepWithoutAttachment(t *testing.T) {
	e, reportStore := newTestEngine(t)
	sess, _ := replay(t, e, []models.Turn{
		textTurn("report"),
		textTurn("01-01-2025"),
		textTurn("14:30"),
		textTurn("Lobby"),
		textTurn("details"),
		textTurn("yes"),
	})

	reply := e.HandleTurn(context.Background(), sess, textTurn("here you go"))
	if sess.Step != models.StateMedia {
		t.Errorf("step = %q, must stay at media", sess.Step)
	}
	if reply != PromptMediaAnonymous {
		t.Errorf("reply = %q, want repeated media prompt", reply)
	}
	if len(reportStore.Reports()) != 0 {
		t.Error("no report may be stored without an attachment")
	}
}

func TestUnknownStepRestartsConversation(t *testing.T) {
	e, _ := newTestEngine(t)
	sess := models.NewSession(testIdentity)
	sess.Step = models.State("corrupted")

	reply := e.HandleTurn(context.Background(), sess, textTurn("hello"))
	if sess.Step != models.StateIdle {
		t.Errorf("step = %q, want idle after reset", sess.Step)
	}
	if reply != PromptWelcome {
		t.Errorf("reply = %q, want welcome", reply)
	}
}
