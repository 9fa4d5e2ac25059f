package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"OpenBrief/sdk/go/openbrief"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/briefings", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]any{"data": openbrief.BriefingRun{
				ID:           "run-demo",
				BriefingDate: time.Now().Format("2006-01-02"),
				Status:       "pending",
			}})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/briefings/run-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": openbrief.BriefingRun{
			ID:           "run-demo",
			BriefingDate: time.Now().Format("2006-01-02"),
			Status:       "succeeded",
			Outcome: &openbrief.Outcome{
				Report:     "今日简报：2 封重要邮件，1 个即将开始的日程。",
				MailTotal:  6,
				MailHigh:   2,
				EventTotal: 3,
				EventHigh:  1,
				Delivered:  true,
			},
		}})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := openbrief.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created, err := client.Submit(ctx, openbrief.BriefingSubmission{Trigger: "manual"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted run %s (status=%s)\n", created.ID, created.Status)

	finished, err := client.WaitForOutcome(ctx, created.ID, time.Second)
	if err != nil {
		panic(err)
	}
	fmt.Printf("run %s finished (status=%s)\n", finished.ID, finished.Status)
	if finished.Outcome != nil {
		fmt.Println(finished.Outcome.Report)
	}
}
