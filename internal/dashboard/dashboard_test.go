package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/tracegraph/tracegraph/internal/engine"
	"github.com/tracegraph/tracegraph/internal/health"
	"github.com/tracegraph/tracegraph/internal/linkplug"
	"github.com/tracegraph/tracegraph/internal/refs"
	"github.com/tracegraph/tracegraph/internal/schema"
	"github.com/tracegraph/tracegraph/internal/store"
)

func setupServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	parser, err := refs.New()
	if err != nil {
		t.Fatalf("failed to build parser: %v", err)
	}
	logger := log.New(io.Discard, "", 0)

	eng := engine.New(s, parser, engine.Options{Logger: logger})
	pool := engine.NewPool(eng, 2, 16)
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	registry := linkplug.NewRegistry(&linkplug.Env{EntityExists: s.EntityExists})
	registry.Register(linkplug.NewTrackerSearchPlugin("https://tracker.example", "*"))
	checker := health.NewChecker(s, registry, logger)

	srv := NewServer(Config{Listen: "127.0.0.1:0", Logger: logger}, pool, checker, s)
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		if err := srv.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	})
	return srv, s
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestWebhookAcceptsValidEvent(t *testing.T) {
	srv, s := setupServer(t)
	ctx := context.Background()

	body := `{
		"tracker_ref": 101,
		"updated_at": "2026-03-01T12:00:00Z",
		"event_type": "created",
		"payload": {"title": "US-00042: Wire the widget"}
	}`
	resp, err := http.Post("http://"+srv.Addr()+"/webhook", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	ok := waitUntil(t, 5*time.Second, func() bool {
		_, err := s.GetEntity(ctx, "US-00042")
		return err == nil
	})
	if !ok {
		t.Fatal("accepted webhook never applied")
	}
}

func TestWebhookRejectsMalformedEvent(t *testing.T) {
	srv, _ := setupServer(t)

	for _, body := range []string{
		`not json`,
		`{"tracker_ref": 0, "updated_at": "2026-03-01T12:00:00Z", "event_type": "created", "payload": {"title": "x"}}`,
		`{"tracker_ref": 1, "event_type": "detonated", "updated_at": "2026-03-01T12:00:00Z", "payload": {"title": "x"}}`,
	} {
		resp, err := http.Post("http://"+srv.Addr()+"/webhook", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d for %q, want 400", resp.StatusCode, body)
		}
	}
}

func TestWebhookRejectsGet(t *testing.T) {
	srv, _ := setupServer(t)

	resp, err := http.Get("http://" + srv.Addr() + "/webhook")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestReportEndpoint(t *testing.T) {
	srv, s := setupServer(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	epic := &schema.Entity{
		ExternalID: "EP-00001", Kind: schema.KindEpic, Title: "Epic",
		State: schema.StateOpen, UpdatedAt: now, CreatedAt: now,
	}
	if err := s.UpsertEntity(ctx, epic); err != nil {
		t.Fatalf("UpsertEntity failed: %v", err)
	}
	story := &schema.Entity{
		ExternalID: "US-00001", Kind: schema.KindStory, Title: "Story",
		State: schema.StateOpen, ParentID: "EP-00001", UpdatedAt: now, CreatedAt: now,
	}
	if err := s.UpsertEntity(ctx, story); err != nil {
		t.Fatalf("UpsertEntity failed: %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/report")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var report health.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("failed to decode report: %v", err)
	}
	if report.Valid != 1 || report.Score != 100 {
		t.Errorf("report = %d valid, score %.1f; want 1 and 100", report.Valid, report.Score)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, s := setupServer(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	epic := &schema.Entity{
		ExternalID: "EP-00001", Kind: schema.KindEpic, Title: "Epic",
		State: schema.StateOpen, UpdatedAt: now, CreatedAt: now,
	}
	if err := s.UpsertEntity(ctx, epic); err != nil {
		t.Fatalf("UpsertEntity failed: %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/status")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	var stats store.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats.Entities != 1 || stats.ByKind["epic"] != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestWebSocketReceivesEntityBroadcast(t *testing.T) {
	srv, _ := setupServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+srv.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if !waitUntil(t, 2*time.Second, func() bool { return srv.ClientCount() == 1 }) {
		t.Fatal("client never registered")
	}

	handler := NewHandler(srv, nil)
	ref := int64(101)
	handler.EntitySynced(&schema.Entity{
		ExternalID: "US-00042", Kind: schema.KindStory, Title: "Story",
		State: schema.StateOpen, TrackerRef: &ref,
	})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to decode frame: %v", err)
	}
	if msg.Type != MessageTypeEntityUpdate {
		t.Fatalf("type = %s, want entity_update", msg.Type)
	}
	var update EntityUpdateData
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if update.ExternalID != "US-00042" || update.TrackerRef == nil || *update.TrackerRef != 101 {
		t.Errorf("unexpected payload %+v", update)
	}
}
