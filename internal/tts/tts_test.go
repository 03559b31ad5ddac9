package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iago/aischool-back/internal/domain"
)

func TestGoogleClientSynthesize(t *testing.T) {
	audio := []byte("mp3-bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/text:synthesize" || r.URL.Query().Get("key") != "k" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var request synthesizeRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if request.Input.Text != "hello teachers" || request.Voice.Name != "en-US-Journey-F" || request.AudioConfig.AudioEncoding != "MP3" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"audioContent":%q}`, base64.StdEncoding.EncodeToString(audio))
	}))
	defer server.Close()

	client := NewGoogleClient(GoogleConfig{APIKey: "k", BaseURL: server.URL})
	got, err := client.Synthesize(context.Background(), "hello teachers")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !bytes.Equal(got, audio) {
		t.Fatalf("unexpected audio %q", got)
	}
}

func TestGoogleClientClassifiesStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, retryable: true},
		{name: "server error", status: http.StatusBadGateway, retryable: true},
		{name: "forbidden", status: http.StatusForbidden, retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := NewGoogleClient(GoogleConfig{APIKey: "k", BaseURL: server.URL})
			_, err := client.Synthesize(context.Background(), "text")
			if err == nil {
				t.Fatal("expected error")
			}
			if domain.Retryable(err) != tt.retryable {
				t.Fatalf("retryable = %v, want %v (%v)", domain.Retryable(err), tt.retryable, err)
			}
		})
	}
}

func TestGoogleClientWithoutKey(t *testing.T) {
	if _, err := NewGoogleClient(GoogleConfig{}).Synthesize(context.Background(), "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

// mpegFrames builds n silent MPEG-1 Layer III frames at 128 kbps / 44.1 kHz.
func mpegFrames(n int) []byte {
	const frameSize = 417
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		frame := make([]byte, frameSize)
		copy(frame, []byte{0xFF, 0xFB, 0x90, 0x64})
		buf.Write(frame)
	}
	return buf.Bytes()
}

func TestMP3Duration(t *testing.T) {
	got := MP3Duration(mpegFrames(10))
	want := 10 * 1152.0 / 44100.0
	if math.Abs(got-want) > 0.01 {
		t.Fatalf("duration = %f, want %f", got, want)
	}
}

func TestMP3DurationFallsBackToByteLength(t *testing.T) {
	got := MP3Duration(make([]byte, 32000))
	if got != 2 {
		t.Fatalf("expected 2s estimate, got %f", got)
	}
}

type fakeSynth struct {
	mu    sync.Mutex
	calls map[string]int
	fail  string
	delay func(text string) time.Duration
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[text]++
	f.mu.Unlock()

	if f.delay != nil {
		select {
		case <-time.After(f.delay(text)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != "" && strings.Contains(text, f.fail) {
		return nil, fmt.Errorf("%w: upstream 503", domain.ErrTransient)
	}
	return make([]byte, 16000), nil
}

type memoryAudioSaver struct {
	saved int32
}

func (s *memoryAudioSaver) SaveAudio(jobID, segmentID string, _ []byte) (string, error) {
	atomic.AddInt32(&s.saved, 1)
	return "audio/" + jobID + "/" + segmentID + ".mp3", nil
}

func narratedSegments(n int) []domain.Segment {
	segments := make([]domain.Segment, 0, n)
	for i := 1; i <= n; i++ {
		segments = append(segments, domain.Segment{
			SegmentID:     fmt.Sprintf("seg_%03d", i),
			NarrationText: fmt.Sprintf("narration number %d", i),
		})
	}
	return segments
}

func TestGenerateBatchRestoresTimelineOrder(t *testing.T) {
	synth := &fakeSynth{delay: func(text string) time.Duration {
		// earlier segments finish last
		var index int
		_, _ = fmt.Sscanf(text, "narration number %d", &index)
		return time.Duration(6-index) * 10 * time.Millisecond
	}}
	generator := NewGenerator(synth, &memoryAudioSaver{}, GeneratorConfig{Fanout: 5}, nil)

	clips, err := generator.GenerateBatch(context.Background(), "job-1", narratedSegments(5))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	for i, clip := range clips {
		want := fmt.Sprintf("seg_%03d", i+1)
		if clip.SegmentID != want {
			t.Fatalf("clip %d is %s, want %s", i, clip.SegmentID, want)
		}
		if clip.DurationSeconds != 1 {
			t.Fatalf("expected 1s fallback duration, got %f", clip.DurationSeconds)
		}
	}
}

func TestGenerateBatchFailsWhenOneSegmentExhaustsRetries(t *testing.T) {
	synth := &fakeSynth{fail: "number 3"}
	generator := NewGenerator(synth, &memoryAudioSaver{}, GeneratorConfig{Fanout: 2, MaxRetries: 1, RetryBaseDelay: time.Millisecond}, nil)

	clips, err := generator.GenerateBatch(context.Background(), "job-1", narratedSegments(5))
	if err == nil {
		t.Fatal("expected the batch to fail")
	}
	if clips != nil {
		t.Fatal("expected no clips on failure")
	}
	if domain.Retryable(err) {
		t.Fatalf("exhausted error must not be retryable: %v", err)
	}
	if !strings.Contains(err.Error(), "seg_003") {
		t.Fatalf("expected failing segment in message, got %v", err)
	}
	synth.mu.Lock()
	defer synth.mu.Unlock()
	if synth.calls["narration number 3"] != 2 {
		t.Fatalf("expected 1 call plus 1 retry, got %d", synth.calls["narration number 3"])
	}
}

func TestGenerateBatchRejectsEmptyNarration(t *testing.T) {
	segments := narratedSegments(2)
	segments[1].NarrationText = "  "
	generator := NewGenerator(&fakeSynth{}, &memoryAudioSaver{}, GeneratorConfig{}, nil)
	if _, err := generator.GenerateBatch(context.Background(), "job-1", segments); !errors.Is(err, domain.ErrInput) {
		t.Fatalf("expected input error, got %v", err)
	}
}
