package notify

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	xerrors "OpenBrief/internal/errors"
)

type stubNotifier struct {
	channel Channel
	err     error
	got     []Message
}

func (s *stubNotifier) Channel() Channel { return s.channel }

func (s *stubNotifier) Notify(_ context.Context, msg Message) error {
	s.got = append(s.got, msg)
	return s.err
}

func TestFanoutDeliversToAllChannels(t *testing.T) {
	first := &stubNotifier{channel: ChannelConsole}
	second := &stubNotifier{channel: ChannelWebhook}
	dispatcher := NewFanout(first, second, nil)

	msg := NewBriefing("Morning briefing", "body", "run-1")
	if err := dispatcher.Notify(context.Background(), msg); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(first.got) != 1 || len(second.got) != 1 {
		t.Fatalf("deliveries = %d/%d, want 1/1", len(first.got), len(second.got))
	}
}

func TestFanoutCollectsChannelFailures(t *testing.T) {
	broken := &stubNotifier{channel: ChannelWebhook, err: stdErrors.New("connection refused")}
	healthy := &stubNotifier{channel: ChannelConsole}
	dispatcher := NewFanout(broken, healthy)

	err := dispatcher.Notify(context.Background(), NewBriefing("s", "b", "run-1"))
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeDeliveryFailure {
		t.Fatalf("code = %v, want %v", xerrors.CodeOf(err), xerrors.CodeDeliveryFailure)
	}
	if !strings.Contains(err.Error(), "channel webhook") {
		t.Fatalf("error %q does not name the failed channel", err)
	}
	// 单渠道失败不阻止其余渠道投递。
	if len(healthy.got) != 1 {
		t.Fatalf("healthy channel deliveries = %d, want 1", len(healthy.got))
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var gotAuth, gotContentType string
	var gotMsg Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotMsg); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	notifier := &WebhookNotifier{Endpoint: srv.URL, AuthToken: "secret", Client: srv.Client()}
	msg := NewBriefing("Morning briefing", "hello", "run-7")
	if err := notifier.Notify(context.Background(), msg); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("authorization = %q, want Bearer secret", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Fatalf("content type = %q, want application/json", gotContentType)
	}
	if gotMsg.Kind != KindBriefing || gotMsg.Body != "hello" || gotMsg.RunID != "run-7" {
		t.Fatalf("payload = %+v", gotMsg)
	}
}

func TestWebhookNotifierRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := &WebhookNotifier{Endpoint: srv.URL, Client: srv.Client()}
	err := notifier.Notify(context.Background(), NewBriefing("s", "b", "run-1"))
	if xerrors.CodeOf(err) != xerrors.CodeDeliveryFailure {
		t.Fatalf("code = %v, want %v", xerrors.CodeOf(err), xerrors.CodeDeliveryFailure)
	}
}

func TestWebhookNotifierSkipsWhenUnconfigured(t *testing.T) {
	notifier := &WebhookNotifier{}
	if err := notifier.Notify(context.Background(), NewBriefing("s", "b", "run-1")); err != nil {
		t.Fatalf("unconfigured notifier should skip, got %v", err)
	}
}

func TestConsoleNotifierWrites(t *testing.T) {
	var buf bytes.Buffer
	notifier := &ConsoleNotifier{Out: &buf}
	msg := NewBriefing("Morning briefing", "line one\nline two", "run-1")
	if err := notifier.Notify(context.Background(), msg); err != nil {
		t.Fatalf("notify: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Morning briefing") || !strings.Contains(out, "line two") {
		t.Fatalf("console output %q missing subject or body", out)
	}
}

func TestFileNotifierArchivesByDate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	notifier := &FileNotifier{Dir: dir}
	msg := NewBriefing("Morning briefing", "archived body", "run-1")
	msg.OccurredAt = time.Date(2026, 3, 14, 7, 0, 0, 0, time.UTC)

	if err := notifier.Notify(context.Background(), msg); err != nil {
		t.Fatalf("notify: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "briefing-20260314.txt"))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if !strings.Contains(string(raw), "archived body") {
		t.Fatalf("archive content %q missing body", raw)
	}
}

func TestNewAlertCarriesErrorTaxonomy(t *testing.T) {
	cause := xerrors.New(xerrors.CodeAuthFailure, "token revoked")
	msg := NewAlert(cause, "run-9")
	if msg.Kind != KindAlert {
		t.Fatalf("kind = %s, want %s", msg.Kind, KindAlert)
	}
	if msg.Code != xerrors.CodeAuthFailure {
		t.Fatalf("code = %v, want %v", msg.Code, xerrors.CodeAuthFailure)
	}
	if msg.Severity != xerrors.SeverityCritical {
		t.Fatalf("severity = %v, want %v", msg.Severity, xerrors.SeverityCritical)
	}
	if msg.RunID != "run-9" {
		t.Fatalf("run id = %q, want run-9", msg.RunID)
	}
}
