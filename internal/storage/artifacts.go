package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/iago/aischool-back/internal/domain"
	"github.com/spf13/afero"
)

const (
	pdfDir      = "pdfs"
	timelineDir = "timelines"
	audioDir    = "audio"
	imageDir    = "images"
	videoDir    = "videos"
)

// ArtifactStore lays out every file a job produces under one base directory:
//
//	pdfs/<job>/<filename>
//	timelines/<job>.json
//	audio/<job>/<segment>.mp3
//	images/<job>/<segment>.png
//	videos/<job>.mp4
//
// Paths handed out are relative to the base; AbsPath resolves them for
// collaborators that need a real location on disk.
type ArtifactStore struct {
	fs   afero.Afero
	base string
}

// NewArtifactStore roots the store on the OS filesystem at basePath.
func NewArtifactStore(basePath string) (*ArtifactStore, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage base path: %w", err)
	}
	if err := os.MkdirAll(absBase, 0o755); err != nil {
		return nil, fmt.Errorf("create storage base path: %w", err)
	}
	return NewArtifactStoreFs(afero.NewBasePathFs(afero.NewOsFs(), absBase), absBase), nil
}

// NewArtifactStoreFs uses an already rooted filesystem, such as afero.NewMemMapFs in tests.
func NewArtifactStoreFs(filesystem afero.Fs, basePath string) *ArtifactStore {
	return &ArtifactStore{fs: afero.Afero{Fs: filesystem}, base: basePath}
}

// Fs exposes the rooted filesystem for readers such as the PDF extractor.
func (s *ArtifactStore) Fs() afero.Fs {
	return s.fs.Fs
}

func (s *ArtifactStore) AbsPath(rel string) string {
	return filepath.Join(s.base, filepath.FromSlash(rel))
}

func (s *ArtifactStore) SavePDF(jobID, filename string, content []byte) (string, error) {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "upload.pdf"
	}
	rel := path.Join(pdfDir, jobID, name)
	if err := s.write(rel, content); err != nil {
		return "", storageErr("save pdf", err)
	}
	return rel, nil
}

func (s *ArtifactStore) TimelinePath(jobID string) string {
	return path.Join(timelineDir, jobID+".json")
}

func (s *ArtifactStore) SaveTimeline(jobID string, timeline *domain.Timeline) (string, error) {
	raw, err := json.MarshalIndent(timeline, "", "  ")
	if err != nil {
		return "", storageErr("encode timeline", err)
	}
	rel := s.TimelinePath(jobID)
	if err := s.write(rel, raw); err != nil {
		return "", storageErr("save timeline", err)
	}
	return rel, nil
}

func (s *ArtifactStore) LoadTimeline(jobID string) (*domain.Timeline, error) {
	raw, err := s.fs.ReadFile(s.TimelinePath(jobID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("timeline for job %s: %w", jobID, domain.ErrNotFound)
		}
		return nil, storageErr("read timeline", err)
	}
	var timeline domain.Timeline
	if err := json.Unmarshal(raw, &timeline); err != nil {
		return nil, storageErr("decode timeline", err)
	}
	return &timeline, nil
}

func (s *ArtifactStore) HasTimeline(jobID string) bool {
	ok, err := s.fs.Exists(s.TimelinePath(jobID))
	return err == nil && ok
}

func (s *ArtifactStore) AudioDir(jobID string) string {
	return path.Join(audioDir, jobID)
}

func (s *ArtifactStore) SaveAudio(jobID, segmentID string, content []byte) (string, error) {
	rel := path.Join(audioDir, jobID, segmentID+".mp3")
	if err := s.write(rel, content); err != nil {
		return "", storageErr("save audio", err)
	}
	return rel, nil
}

// ListAudio maps segment id to relative audio path.
func (s *ArtifactStore) ListAudio(jobID string) (map[string]string, error) {
	return s.list(path.Join(audioDir, jobID), ".mp3")
}

func (s *ArtifactStore) HasAudio(jobID string) bool {
	files, err := s.ListAudio(jobID)
	return err == nil && len(files) > 0
}

func (s *ArtifactStore) SaveImage(jobID, segmentID string, content []byte) (string, error) {
	rel := path.Join(imageDir, jobID, segmentID+".png")
	if err := s.write(rel, content); err != nil {
		return "", storageErr("save image", err)
	}
	return rel, nil
}

// ListImages maps segment id to relative image path.
func (s *ArtifactStore) ListImages(jobID string) (map[string]string, error) {
	return s.list(path.Join(imageDir, jobID), ".png")
}

func (s *ArtifactStore) HasImages(jobID string) bool {
	files, err := s.ListImages(jobID)
	return err == nil && len(files) > 0
}

func (s *ArtifactStore) VideoPath(jobID string) string {
	return path.Join(videoDir, jobID+".mp4")
}

// PrepareVideo makes sure the renderer can write the output file and returns its absolute path.
func (s *ArtifactStore) PrepareVideo(jobID string) (string, error) {
	if err := s.fs.MkdirAll(videoDir, 0o755); err != nil {
		return "", storageErr("create video dir", err)
	}
	return s.AbsPath(s.VideoPath(jobID)), nil
}

// OpenVideo returns the rendered file; callers close it.
func (s *ArtifactStore) OpenVideo(jobID string) (afero.File, os.FileInfo, error) {
	file, err := s.fs.Open(s.VideoPath(jobID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("video for job %s: %w", jobID, domain.ErrNotFound)
		}
		return nil, nil, storageErr("open video", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, nil, storageErr("stat video", err)
	}
	return file, info, nil
}

// Open reads any artifact by its relative path.
func (s *ArtifactStore) Open(rel string) (afero.File, error) {
	file, err := s.fs.Open(rel)
	if err != nil {
		return nil, storageErr("open artifact", err)
	}
	return file, nil
}

// DeleteJob removes every artifact of the job. Missing files are not an error.
func (s *ArtifactStore) DeleteJob(jobID string) error {
	targets := []string{
		path.Join(pdfDir, jobID),
		s.TimelinePath(jobID),
		s.AudioDir(jobID),
		path.Join(imageDir, jobID),
		s.VideoPath(jobID),
	}
	var errs []error
	for _, target := range targets {
		if err := s.fs.RemoveAll(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return storageErr("delete job artifacts", errors.Join(errs...))
	}
	return nil
}

func (s *ArtifactStore) write(rel string, content []byte) error {
	if err := s.fs.MkdirAll(path.Dir(rel), 0o755); err != nil {
		return err
	}
	return s.fs.WriteFile(rel, content, 0o644)
}

func (s *ArtifactStore) list(dir, ext string) (map[string]string, error) {
	entries, err := s.fs.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, storageErr("list "+dir, err)
	}

	files := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ext {
			continue
		}
		files[strings.TrimSuffix(entry.Name(), ext)] = path.Join(dir, entry.Name())
	}
	return files, nil
}

func storageErr(operation string, err error) error {
	return domain.Wrap(domain.ErrStorage, "", operation, "", err)
}
