package storage

import (
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/iago/aischool-back/internal/domain"
	"github.com/spf13/afero"
)

func newMemStore() *ArtifactStore {
	return NewArtifactStoreFs(afero.NewMemMapFs(), "/srv/storage")
}

func TestArtifactStoreTimelineRoundTrip(t *testing.T) {
	store := newMemStore()

	if store.HasTimeline("job-1") {
		t.Fatal("fresh store should have no timeline")
	}
	if _, err := store.LoadTimeline("job-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	timeline := &domain.Timeline{
		Title:                "Fractions",
		TotalDurationSeconds: 200,
		Segments:             []domain.Segment{{SegmentID: "seg_001", DurationSeconds: 200}},
	}
	rel, err := store.SaveTimeline("job-1", timeline)
	if err != nil {
		t.Fatalf("save timeline: %v", err)
	}
	if rel != "timelines/job-1.json" {
		t.Fatalf("unexpected timeline path %q", rel)
	}

	loaded, err := store.LoadTimeline("job-1")
	if err != nil {
		t.Fatalf("load timeline: %v", err)
	}
	if loaded.Title != "Fractions" || len(loaded.Segments) != 1 {
		t.Fatalf("unexpected timeline %+v", loaded)
	}
	if !store.HasTimeline("job-1") {
		t.Fatal("expected timeline to exist")
	}
}

func TestArtifactStoreSegmentsAndCleanup(t *testing.T) {
	store := newMemStore()

	for _, seg := range []string{"seg_002", "seg_001"} {
		if _, err := store.SaveAudio("job-1", seg, []byte("mp3")); err != nil {
			t.Fatalf("save audio: %v", err)
		}
		if _, err := store.SaveImage("job-1", seg, []byte("png")); err != nil {
			t.Fatalf("save image: %v", err)
		}
	}

	audio, err := store.ListAudio("job-1")
	if err != nil {
		t.Fatalf("list audio: %v", err)
	}
	if len(audio) != 2 || audio["seg_001"] != "audio/job-1/seg_001.mp3" {
		t.Fatalf("unexpected audio listing %v", audio)
	}
	images, _ := store.ListImages("job-1")
	if len(images) != 2 || images["seg_002"] != "images/job-1/seg_002.png" {
		t.Fatalf("unexpected image listing %v", images)
	}
	if !store.HasAudio("job-1") || !store.HasImages("job-1") {
		t.Fatal("expected audio and images")
	}
	if store.HasAudio("job-2") {
		t.Fatal("other jobs must not see these files")
	}

	if _, err := store.SavePDF("job-1", "../../etc/lesson.pdf", []byte("%PDF")); err != nil {
		t.Fatalf("save pdf: %v", err)
	}
	if err := store.DeleteJob("job-1"); err != nil {
		t.Fatalf("delete job: %v", err)
	}
	if store.HasAudio("job-1") || store.HasImages("job-1") {
		t.Fatal("artifacts should be gone after delete")
	}
	if err := store.DeleteJob("job-1"); err != nil {
		t.Fatalf("deleting twice should be harmless, got %v", err)
	}
}

func TestArtifactStoreSavePDFStripsDirectories(t *testing.T) {
	store := newMemStore()
	rel, err := store.SavePDF("job-9", "../../etc/lesson.pdf", []byte("%PDF"))
	if err != nil {
		t.Fatalf("save pdf: %v", err)
	}
	if rel != "pdfs/job-9/lesson.pdf" {
		t.Fatalf("unexpected pdf path %q", rel)
	}
}

func TestArtifactStoreVideo(t *testing.T) {
	store := newMemStore()

	if _, _, err := store.OpenVideo("job-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	abs, err := store.PrepareVideo("job-1")
	if err != nil {
		t.Fatalf("prepare video: %v", err)
	}
	if abs != filepath.Join("/srv/storage", "videos", "job-1.mp4") {
		t.Fatalf("unexpected absolute path %q", abs)
	}

	if err := afero.WriteFile(store.Fs(), store.VideoPath("job-1"), []byte("video-bytes"), 0o644); err != nil {
		t.Fatalf("write video: %v", err)
	}
	file, info, err := store.OpenVideo("job-1")
	if err != nil {
		t.Fatalf("open video: %v", err)
	}
	defer file.Close()
	if info.Size() != int64(len("video-bytes")) {
		t.Fatalf("unexpected size %d", info.Size())
	}
	body, _ := io.ReadAll(file)
	if string(body) != "video-bytes" {
		t.Fatalf("unexpected body %q", body)
	}
}
