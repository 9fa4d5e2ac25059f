package google

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"OpenBrief/internal/calendar"
	xerrors "OpenBrief/internal/errors"
)

func newTestProvider(t *testing.T, handler http.Handler) (*Provider, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	service, err := gcal.NewService(context.Background(),
		option.WithHTTPClient(srv.Client()),
		option.WithEndpoint(srv.URL))
	if err != nil {
		srv.Close()
		t.Fatalf("create calendar service: %v", err)
	}
	return NewProviderFromService(service), srv.Close
}

func TestProviderListEvents(t *testing.T) {
	mux := http.NewServeMux()
	// WithEndpoint 已携带版本前缀，客户端发出的相对路径不含 /calendar/v3。
	mux.HandleFunc("/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("singleEvents"); got != "true" {
			t.Errorf("expected singleEvents=true, got %q", got)
		}
		if got := r.URL.Query().Get("orderBy"); got != "startTime" {
			t.Errorf("expected orderBy=startTime, got %q", got)
		}
		if got := r.URL.Query().Get("timeMin"); got == "" {
			t.Error("expected timeMin to be set")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"items": [
				{
					"id": "ev-1",
					"summary": "Team meeting",
					"status": "confirmed",
					"location": "Room 4",
					"start": {"dateTime": "2026-08-25T09:30:00+09:00"},
					"end": {"dateTime": "2026-08-25T10:00:00+09:00"}
				},
				{
					"id": "ev-2",
					"summary": "Holiday",
					"status": "confirmed",
					"start": {"date": "2026-08-25"},
					"end": {"date": "2026-08-26"}
				},
				{
					"id": "ev-3",
					"summary": "Ghost",
					"status": "cancelled",
					"start": {"dateTime": "2026-08-25T11:00:00+09:00"}
				}
			]
		}`)
	})

	provider, closeSrv := newTestProvider(t, mux)
	defer closeSrv()

	dayStart := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	raws, err := provider.ListEvents(context.Background(), "", dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(raws) != 2 {
		t.Fatalf("expected cancelled event to be dropped, got %d events", len(raws))
	}
	if raws[0].ID != "ev-1" || raws[0].Start != "2026-08-25T09:30:00+09:00" {
		t.Fatalf("unexpected first raw event: %+v", raws[0])
	}
	if raws[1].Start != "2026-08-25" {
		t.Fatalf("expected date-only start for all-day event, got %q", raws[1].Start)
	}

	timed := calendar.Normalize(raws[0], time.UTC)
	if timed.AllDay || timed.Title != "Team meeting" {
		t.Fatalf("unexpected normalized timed event: %+v", timed)
	}
	allDay := calendar.Normalize(raws[1], time.UTC)
	if !allDay.AllDay {
		t.Fatalf("expected all-day event, got %+v", allDay)
	}
}

func TestMapGoogleErrorClasses(t *testing.T) {
	if got := xerrors.CodeOf(mapGoogleError(&googleapi.Error{Code: http.StatusUnauthorized}, "x")); got != xerrors.CodeAuthFailure {
		t.Fatalf("expected AUTH_FAILURE, got %s", got)
	}
	if got := xerrors.CodeOf(mapGoogleError(&googleapi.Error{Code: http.StatusTooManyRequests}, "x")); got != xerrors.CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED, got %s", got)
	}
}
