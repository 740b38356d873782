package messaging

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minervahq/minerva/internal/flow"
	"github.com/minervahq/minerva/internal/media"
	"github.com/minervahq/minerva/internal/models"
	"github.com/minervahq/minerva/internal/reports"
	"github.com/minervahq/minerva/internal/store"
)

// mockService is a transport double: turns are fed in by the test and sent
// replies are recorded for inspection.
type mockService struct {
	turns chan models.Turn

	mu   sync.Mutex
	sent []sentReply
}

type sentReply struct {
	To   string
	Body string
}

func newMockService() *mockService {
	return &mockService{turns: make(chan models.Turn, DefaultChannelBufferSize)}
}

func (m *mockService) Start(ctx context.Context) error { return nil }
func (m *mockService) Stop() error                     { return nil }

func (m *mockService) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentReply{To: to, Body: body})
	return nil
}

func (m *mockService) Turns() <-chan models.Turn { return m.turns }

func (m *mockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient(recipient)
}

func (m *mockService) sentTo(identity string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		if s.To == identity {
			out = append(out, s.Body)
		}
	}
	return out
}

// failingStore simulates a session store outage.
type failingStore struct{}

func (f *failingStore) GetSession(identity string) (*models.Session, error) {
	return nil, fmt.Errorf("simulated session store outage")
}
func (f *failingStore) SaveSession(session models.Session) error {
	return fmt.Errorf("simulated session store outage")
}
func (f *failingStore) DeleteSession(identity string) error { return nil }
func (f *failingStore) Close() error                        { return nil }

func newTestDispatcher(t *testing.T, svc Service, sessions store.Store) (*Dispatcher, *reports.InMemoryStore) {
	t.Helper()
	mediaStore, err := media.NewStore(media.WithDir(t.TempDir()), media.WithBaseURL("http://localhost:3000"))
	if err != nil {
		t.Fatalf("failed to create media store: %v", err)
	}
	reportStore := reports.NewInMemoryStore()
	engine := flow.NewEngine(flow.NewFinalizer(mediaStore, reportStore))
	return NewDispatcher(svc, sessions, engine), reportStore
}

// runDispatcher feeds the given turns, closes the channel and waits for the
// dispatcher to drain everything.
func runDispatcher(t *testing.T, d *Dispatcher, svc *mockService, turns []models.Turn) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	for _, turn := range turns {
		svc.turns <- turn
	}
	close(svc.turns)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("dispatcher returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not drain in time")
	}
}

func turnFrom(identity, body string) models.Turn {
	return models.Turn{From: identity, Body: body, Time: time.Now().Unix()}
}

func mediaTurnFrom(identity string) models.Turn {
	return models.Turn{
		From:     identity,
		HasMedia: true,
		FetchMedia: func(ctx context.Context) (models.Attachment, error) {
			return models.Attachment{MediaType: "image/jpeg", Data: []byte("jpeg-bytes")}, nil
		},
		Time: time.Now().Unix(),
	}
}

func fullFlowTurns(identity, location string) []models.Turn {
	return []models.Turn{
		turnFrom(identity, "report"),
		turnFrom(identity, "01-01-2025"),
		turnFrom(identity, "14:30"),
		turnFrom(identity, location),
		turnFrom(identity, "Fire alarm went off"),
		turnFrom(identity, "no"),
		turnFrom(identity, "Jane Doe"),
		turnFrom(identity, "jane@x.com"),
		mediaTurnFrom(identity),
	}
}

func TestDispatcherFullFlow(t *testing.T) {
	svc := newMockService()
	sessions := store.NewInMemoryStore()
	d, reportStore := newTestDispatcher(t, svc, sessions)

	runDispatcher(t, d, svc, fullFlowTurns("231770000001", "Lobby"))

	replies := svc.sentTo("231770000001")
	if len(replies) != 9 {
		t.Fatalf("reply count = %d, want 9", len(replies))
	}
	if replies[0] != flow.PromptDate {
		t.Errorf("first reply = %q, want date prompt", replies[0])
	}
	last := replies[len(replies)-1]
	if !strings.Contains(last, "Report received!") || !strings.Contains(last, "Jane Doe (jane@x.com)") {
		t.Errorf("final reply = %q, want summary", last)
	}

	got := reportStore.Reports()
	if len(got) != 1 {
		t.Fatalf("report count = %d, want 1", len(got))
	}
	if got[0].Location.Text != "Lobby" || got[0].Anonymous {
		t.Errorf("report = %+v", got[0])
	}

	sess, err := sessions.GetSession("231770000001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess == nil || sess.Step != models.StateIdle {
		t.Error("session must be persisted back at idle")
	}
}

func TestDispatcherSessionIsolation(t *testing.T) {
	svc := newMockService()
	sessions := store.NewInMemoryStore()
	d, reportStore := newTestDispatcher(t, svc, sessions)

	a := fullFlowTurns("231770000001", "Lobby")
	b := fullFlowTurns("231770000002", "Warehouse B")

	// Interleave the two conversations turn by turn.
	var turns []models.Turn
	for i := range a {
		turns = append(turns, a[i], b[i])
	}
	runDispatcher(t, d, svc, turns)

	got := reportStore.Reports()
	if len(got) != 2 {
		t.Fatalf("report count = %d, want 2", len(got))
	}
	byLocation := map[string]bool{}
	for _, r := range got {
		byLocation[r.Location.Text] = true
		if r.Reporter == nil || r.Reporter.Name != "Jane Doe" {
			t.Errorf("report missing reporter: %+v", r)
		}
	}
	if !byLocation["Lobby"] || !byLocation["Warehouse B"] {
		t.Errorf("reports carried wrong locations: %v", byLocation)
	}
}

func TestDispatcherPersistsEveryTurn(t *testing.T) {
	svc := newMockService()
	sessions := store.NewInMemoryStore()
	d, _ := newTestDispatcher(t, svc, sessions)

	runDispatcher(t, d, svc, []models.Turn{
		turnFrom("231770000001", "report"),
		turnFrom("231770000001", "01-01-2025"),
	})

	sess, err := sessions.GetSession("231770000001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess == nil {
		t.Fatal("session must be persisted mid-conversation")
	}
	if sess.Step != models.StateTime {
		t.Errorf("step = %q, want time", sess.Step)
	}
	if sess.Data.Date != "01-01-2025" {
		t.Errorf("date = %q", sess.Data.Date)
	}
}

func TestDispatcherStorageOutage(t *testing.T) {
	svc := newMockService()
	d, reportStore := newTestDispatcher(t, svc, &failingStore{})

	runDispatcher(t, d, svc, []models.Turn{turnFrom("231770000001", "report")})

	if d.StorageErrors() == 0 {
		t.Error("storage errors must be surfaced to the operator")
	}
	replies := svc.sentTo("231770000001")
	if len(replies) != 1 || replies[0] != MsgStorageRetry {
		t.Errorf("replies = %v, want single retry instruction", replies)
	}
	if len(reportStore.Reports()) != 0 {
		t.Error("no report may be stored during an outage")
	}
}

func TestCanonicalizeRecipient(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+231 77-000-0001", "231770000001", false},
		{"231770000001@s.whatsapp.net", "231770000001", false},
		{"whatsapp:+231770000001", "231770000001", false},
		{"", "", true},
		{"no-digits", "", true},
		{"12345", "", true},
	}
	for _, c := range cases {
		got, err := canonicalizeRecipient(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("canonicalizeRecipient(%q) expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("canonicalizeRecipient(%q) unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("canonicalizeRecipient(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
