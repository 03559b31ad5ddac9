package extract

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/iago/aischool-back/internal/domain"
	"github.com/ledongthuc/pdf"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	DefaultMinWords = 100
	DefaultMaxWords = 50000
)

// PDFExtractor pulls plain text out of an uploaded PDF. Every failure is an input
// problem and is never retried.
type PDFExtractor struct {
	fs       afero.Fs
	minWords int
	maxWords int
	logger   *zap.SugaredLogger
}

func NewPDFExtractor(filesystem afero.Fs, minWords, maxWords int, logger *zap.SugaredLogger) *PDFExtractor {
	if minWords <= 0 {
		minWords = DefaultMinWords
	}
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PDFExtractor{fs: filesystem, minWords: minWords, maxWords: maxWords, logger: logger}
}

func (e *PDFExtractor) Extract(ctx context.Context, path string) (*domain.PDFContent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.ToLower(filepath.Ext(path)) != ".pdf" {
		return nil, inputErr("not a PDF file: "+filepath.Base(path), nil)
	}

	file, err := e.fs.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, inputErr("PDF not found: "+filepath.Base(path), nil)
		}
		return nil, domain.Wrap(domain.ErrStorage, domain.StageExtract, "open pdf", "", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, domain.Wrap(domain.ErrStorage, domain.StageExtract, "stat pdf", "", err)
	}

	reader, err := pdf.NewReader(file, info.Size())
	if err != nil {
		return nil, inputErr("failed to open PDF", err)
	}

	pages := make([]string, 0, reader.NumPage())
	totalWords := 0
	for number := 1; number <= reader.NumPage(); number++ {
		if totalWords >= e.maxWords {
			e.logger.Warnw("truncating pdf text", "page", number, "max_words", e.maxWords)
			break
		}
		page := reader.Page(number)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, inputErr(fmt.Sprintf("failed to read page %d", number), err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		pages = append(pages, fmt.Sprintf("--- Page %d ---\n%s", number, text))
		totalWords += len(strings.Fields(text))
	}

	fullText := strings.Join(pages, "\n\n")
	wordCount := len(strings.Fields(fullText))
	if strings.TrimSpace(fullText) == "" {
		return nil, inputErr("PDF contains no extractable text", nil)
	}
	if wordCount < e.minWords {
		return nil, inputErr(fmt.Sprintf("PDF has too little content: %d words (minimum %d required)", wordCount, e.minWords), nil)
	}

	e.logger.Infow("extracted pdf text", "file", filepath.Base(path), "words", wordCount, "pages", reader.NumPage())
	return &domain.PDFContent{
		Text:      fullText,
		Filename:  filepath.Base(path),
		PageCount: reader.NumPage(),
		WordCount: wordCount,
	}, nil
}

func inputErr(message string, err error) error {
	return domain.Wrap(domain.ErrInput, domain.StageExtract, "extract", message, err)
}
