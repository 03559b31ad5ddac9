package render

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path"
	"testing"

	"github.com/iago/aischool-back/internal/domain"
)

func sampleTimeline() *domain.Timeline {
	return &domain.Timeline{
		Title: "Teaching Fractions",
		Segments: []domain.Segment{
			{SegmentID: "seg_001", StartTimeSeconds: 0, DurationSeconds: 60, NarrationText: "one"},
			{SegmentID: "seg_002", StartTimeSeconds: 60, DurationSeconds: 60, NarrationText: "two"},
			{SegmentID: "seg_003", StartTimeSeconds: 120, DurationSeconds: 60, NarrationText: "three"},
		},
	}
}

func sampleClips() []domain.AudioClip {
	return []domain.AudioClip{
		{SegmentID: "seg_001", Path: "audio/j/seg_001.mp3", DurationSeconds: 10.2},
		{SegmentID: "seg_002", Path: "audio/j/seg_002.mp3", DurationSeconds: 20},
		{SegmentID: "seg_003", Path: "audio/j/seg_003.mp3", DurationSeconds: 5.3},
	}
}

func resolveUnder(base string) func(string) string {
	return func(rel string) string { return path.Join(base, rel) }
}

func TestBuildManifestUsesAudioDurations(t *testing.T) {
	images := map[string]string{"seg_001": "images/j/seg_001.png", "seg_003": "images/j/seg_003.png"}
	manifest, err := BuildManifest("j", "/data/videos/j.mp4", sampleTimeline(), sampleClips(), images, resolveUnder("/data"), Settings{TransitionBuffer: 0.5})
	if err != nil {
		t.Fatalf("expected manifest, got %v", err)
	}

	wantStarts := []float64{0, 10.7, 31.2}
	wantDurations := []float64{10.7, 20.5, 5.8}
	for i, segment := range manifest.Segments {
		if segment.StartTimeSeconds != wantStarts[i] {
			t.Fatalf("segment %d start = %v, want %v", i, segment.StartTimeSeconds, wantStarts[i])
		}
		if segment.DurationSeconds != wantDurations[i] {
			t.Fatalf("segment %d duration = %v, want %v", i, segment.DurationSeconds, wantDurations[i])
		}
	}
	if manifest.TotalDurationSeconds != 37 {
		t.Fatalf("total = %v, want 37", manifest.TotalDurationSeconds)
	}
	if manifest.Segments[0].AudioPath != "file:///data/audio/j/seg_001.mp3" {
		t.Fatalf("unexpected audio path %q", manifest.Segments[0].AudioPath)
	}
	if manifest.Segments[1].ImagePath != "" {
		t.Fatalf("expected no image for seg_002, got %q", manifest.Segments[1].ImagePath)
	}
	if manifest.FPS != 30 || manifest.Width != 1920 || manifest.Height != 1080 {
		t.Fatalf("expected default video settings, got %+v", manifest)
	}
}

func TestBuildManifestRequiresAudioForEverySegment(t *testing.T) {
	clips := sampleClips()[:2]
	_, err := BuildManifest("j", "/out.mp4", sampleTimeline(), clips, nil, nil, Settings{})
	if !errors.Is(err, domain.ErrRender) {
		t.Fatalf("expected render error, got %v", err)
	}
}

type memoryTarget struct{}

func (memoryTarget) PrepareVideo(jobID string) (string, error) { return "/data/videos/" + jobID + ".mp4", nil }
func (memoryTarget) VideoPath(jobID string) string             { return "videos/" + jobID + ".mp4" }
func (memoryTarget) AbsPath(rel string) string                 { return "/data/" + rel }

func TestRendererPostsManifest(t *testing.T) {
	var received Manifest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/render" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	renderer := NewRenderer(NewRemotionClient(RemotionConfig{URL: server.URL}), memoryTarget{}, Settings{TransitionBuffer: 0.5}, nil)
	result, err := renderer.Render(context.Background(), "j", sampleTimeline(), sampleClips(), nil)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result.VideoPath != "videos/j.mp4" || result.DurationSeconds != 37 {
		t.Fatalf("unexpected result %+v", result)
	}
	if received.OutputPath != "/data/videos/j.mp4" || len(received.Segments) != 3 {
		t.Fatalf("unexpected manifest %+v", received)
	}
}

func TestRemotionClientFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "unsuccessful render", status: http.StatusOK, body: `{"success":false,"error":"composition crashed"}`},
		{name: "server error", status: http.StatusInternalServerError, body: `{"success":false,"error":"boom"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			err := NewRemotionClient(RemotionConfig{URL: server.URL}).Render(context.Background(), Manifest{JobID: "j"})
			if !errors.Is(err, domain.ErrRender) {
				t.Fatalf("expected render error, got %v", err)
			}
		})
	}
}

func TestRemotionHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			_, _ = w.Write([]byte(`{"status":"ok"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	if err := NewRemotionClient(RemotionConfig{URL: server.URL}).Health(context.Background()); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}
	server.Close()
	if err := NewRemotionClient(RemotionConfig{URL: server.URL}).Health(context.Background()); err == nil {
		t.Fatal("expected error once the service is gone")
	}
}
