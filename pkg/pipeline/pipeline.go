// Package pipeline runs the post-upload processing for one object: a
// preview thumbnail dispatched on content type, adaptive streaming
// renditions for video, and best-effort classification tagging. Every step
// is individually fault-isolated; a failed preview never prevents
// classification and nothing here can take down the worker loop.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	execute "github.com/alexellis/go-execute/v2"
	"github.com/gabriel-vasile/mimetype"
)

// Tagger is the classification collaborator. Implementations must degrade
// to an empty string rather than fail.
type Tagger interface {
	Classify(ctx context.Context, path, declaredName string) string
}

// Config holds the pipeline's directories and external tool bindings.
type Config struct {
	PreviewDir     string        `yaml:"preview_dir"`
	StreamDir      string        `yaml:"stream_dir"`
	FFmpegBin      string        `yaml:"ffmpeg_bin"`
	LibreOfficeBin string        `yaml:"libreoffice_bin"`
	PDFToPPMBin    string        `yaml:"pdftoppm_bin"`
	ToolTimeout    time.Duration `yaml:"tool_timeout"`
}

// Pipeline generates previews and tags for uploaded objects.
type Pipeline struct {
	cfg    Config
	tagger Tagger
	log    *log.Logger
}

func New(cfg Config, tagger Tagger) (*Pipeline, error) {
	if cfg.FFmpegBin == "" {
		cfg.FFmpegBin = "ffmpeg"
	}
	if cfg.LibreOfficeBin == "" {
		cfg.LibreOfficeBin = "libreoffice"
	}
	if cfg.PDFToPPMBin == "" {
		cfg.PDFToPPMBin = "pdftoppm"
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 5 * time.Minute
	}
	for _, dir := range []string{cfg.PreviewDir, cfg.StreamDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return &Pipeline{
		cfg:    cfg,
		tagger: tagger,
		log:    log.New(log.Writer(), "[pipeline] ", log.LstdFlags),
	}, nil
}

// PreviewPath returns where the preview for an object is written.
func (p *Pipeline) PreviewPath(objectID string) string {
	return filepath.Join(p.cfg.PreviewDir, objectID+".jpg")
}

// StreamDir returns the directory holding an object's streaming renditions.
func (p *Pipeline) StreamDir(objectID string) string {
	return filepath.Join(p.cfg.StreamDir, objectID)
}

// Process generates the preview (and renditions for video) and returns the
// classification tags for the object. It never returns an error: each step
// degrades independently and a broken source yields no preview and no tags.
func (p *Pipeline) Process(ctx context.Context, objectID, path, fileName string) string {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		if err != nil {
			p.log.Printf("unreadable source %s: %v", path, err)
		}
		return ""
	}

	switch kind := detectKind(path, fileName); kind {
	case "image":
		if err := p.imagePreview(path, objectID); err != nil {
			p.log.Printf("image preview failed for %s: %v", objectID, err)
		}
	case "video":
		if err := p.videoThumbnail(ctx, path, objectID); err != nil {
			p.log.Printf("video thumbnail failed for %s: %v", objectID, err)
		}
		if err := p.transcodeHLS(ctx, path, objectID); err != nil {
			p.log.Printf("transcode failed for %s: %v", objectID, err)
		}
	case "pdf":
		if err := p.pdfPreview(ctx, path, objectID); err != nil {
			p.log.Printf("pdf preview failed for %s: %v", objectID, err)
		}
	case "office":
		if err := p.officePreview(ctx, path, objectID); err != nil {
			p.log.Printf("office preview failed for %s: %v", objectID, err)
		}
	}

	return p.tagger.Classify(ctx, path, fileName)
}

// detectKind maps an object to a preview branch, preferring the declared
// filename's extension and falling back to content sniffing.
func detectKind(path, fileName string) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".tiff":
		return "image"
	case ".mp4", ".avi", ".mov", ".wmv", ".flv", ".mkv", ".webm":
		return "video"
	case ".pdf":
		return "pdf"
	case ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx", ".odt", ".ods", ".odp":
		return "office"
	}

	if detected, err := mimetype.DetectFile(path); err == nil {
		mt := detected.String()
		switch {
		case strings.HasPrefix(mt, "image/"):
			return "image"
		case strings.HasPrefix(mt, "video/"):
			return "video"
		case strings.HasPrefix(mt, "application/pdf"):
			return "pdf"
		}
	}
	return ""
}

// run invokes an external tool with the configured timeout. A timed-out or
// failed invocation is a step failure for the caller to degrade on.
func (p *Pipeline) run(ctx context.Context, bin string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ToolTimeout)
	defer cancel()

	task := execute.ExecTask{
		Command: bin,
		Args:    args,
	}
	res, err := task.Execute(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", bin, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s exited %d: %s", bin, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// videoThumbnail grabs a single frame near the one second mark.
func (p *Pipeline) videoThumbnail(ctx context.Context, path, objectID string) error {
	return p.run(ctx, p.cfg.FFmpegBin,
		"-y", "-i", path, "-ss", "00:00:01", "-vframes", "1", p.PreviewPath(objectID))
}

// pdfPreview rasterizes only the first page into the preview box.
func (p *Pipeline) pdfPreview(ctx context.Context, path, objectID string) error {
	prefix := strings.TrimSuffix(p.PreviewPath(objectID), ".jpg")
	return p.run(ctx, p.cfg.PDFToPPMBin,
		"-jpeg", "-f", "1", "-l", "1", "-singlefile",
		"-scale-to", fmt.Sprint(previewBox), path, prefix)
}

// officePreview converts the document to PDF, rasterizes its first page and
// drops the intermediate.
func (p *Pipeline) officePreview(ctx context.Context, path, objectID string) error {
	outDir, err := os.MkdirTemp("", "convert-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	if err := p.run(ctx, p.cfg.LibreOfficeBin,
		"--headless", "--convert-to", "pdf", path, "--outdir", outDir); err != nil {
		return err
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	pdf := filepath.Join(outDir, base+".pdf")
	if _, err := os.Stat(pdf); err != nil {
		return fmt.Errorf("converter produced no pdf: %w", err)
	}
	return p.pdfPreview(ctx, pdf, objectID)
}
