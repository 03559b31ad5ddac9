package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/iago/aischool-back/internal/domain"
)

type captured struct {
	mu       sync.Mutex
	paths    []string
	requests []notifyRequest
}

func (c *captured) server(status int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var request notifyRequest
		_ = json.NewDecoder(r.Body).Decode(&request)
		c.mu.Lock()
		c.paths = append(c.paths, r.URL.Path)
		c.requests = append(c.requests, request)
		c.mu.Unlock()
		w.WriteHeader(status)
	}))
}

func TestAppriseNotifyPostsToKey(t *testing.T) {
	capture := &captured{}
	server := capture.server(http.StatusOK)
	defer server.Close()

	client := NewAppriseClient(AppriseConfig{BaseURL: server.URL, Key: "aischool"})
	if err := client.Notify(context.Background(), "title", "body", "info"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if capture.paths[0] != "/notify/aischool" {
		t.Fatalf("unexpected path %q", capture.paths[0])
	}
	if capture.requests[0].Tag != "all" || capture.requests[0].Type != "info" {
		t.Fatalf("unexpected request %+v", capture.requests[0])
	}
}

func TestAppriseDisabledIsNoop(t *testing.T) {
	if err := NewAppriseClient(AppriseConfig{}).Notify(context.Background(), "t", "b", "info"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestAppriseReportsClientErrors(t *testing.T) {
	capture := &captured{}
	server := capture.server(http.StatusBadRequest)
	defer server.Close()

	client := NewAppriseClient(AppriseConfig{BaseURL: server.URL, Key: "k"})
	if err := client.Notify(context.Background(), "t", "b", "info"); err == nil {
		t.Fatal("expected error")
	}
}

func TestJobNotifierMessages(t *testing.T) {
	capture := &captured{}
	server := capture.server(http.StatusOK)
	defer server.Close()

	notifier := NewJobNotifier(NewAppriseClient(AppriseConfig{BaseURL: server.URL, Key: "k"}), nil)
	duration := 312.0
	stage := domain.StageTTS

	notifier.JobFinished(context.Background(), &domain.Job{ID: "a", Status: domain.JobStatusCompleted, OriginalFilename: "ch1.pdf", VideoDurationSeconds: &duration})
	notifier.JobFinished(context.Background(), &domain.Job{ID: "b", Status: domain.JobStatusFailed, OriginalFilename: "ch2.pdf", ErrorMessage: "quota", ErrorStage: &stage})
	notifier.JobFinished(context.Background(), &domain.Job{ID: "c", Status: domain.JobStatusCancelled, OriginalFilename: "ch3.pdf"})
	notifier.JobFinished(context.Background(), &domain.Job{ID: "d", Status: domain.JobStatusProcessing})

	if len(capture.requests) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(capture.requests))
	}
	if capture.requests[0].Type != "success" || !strings.Contains(capture.requests[0].Body, "312s") {
		t.Fatalf("unexpected success message %+v", capture.requests[0])
	}
	if capture.requests[1].Type != "failure" || !strings.Contains(capture.requests[1].Body, "failed at tts: quota") {
		t.Fatalf("unexpected failure message %+v", capture.requests[1])
	}
	if capture.requests[2].Type != "warning" || !strings.Contains(capture.requests[2].Body, "ch3.pdf was cancelled") {
		t.Fatalf("unexpected cancel message %+v", capture.requests[2])
	}
}
