package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/filedock/filedock/pkg/chunks"
	"github.com/filedock/filedock/pkg/classify"
	"github.com/filedock/filedock/pkg/gc"
	"github.com/filedock/filedock/pkg/notify"
	"github.com/filedock/filedock/pkg/pipeline"
	"github.com/filedock/filedock/pkg/queue"
	"github.com/filedock/filedock/pkg/storage"
	"github.com/filedock/filedock/pkg/store"
	"github.com/filedock/filedock/pkg/token"
	"github.com/filedock/filedock/pkg/worker"
)

// noopTagger stands in when no classification model is configured.
type noopTagger struct{}

func (noopTagger) Classify(context.Context, string, string) string { return "" }

func main() {
	godotenv.Load()

	cfg := LoadConfig()

	for _, dir := range []string{
		cfg.Storage.DataDir,
		cfg.Storage.StagingDir,
		cfg.Storage.PreviewDir,
		cfg.Storage.StreamDir,
		filepath.Dir(cfg.Storage.Database),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("Failed to create directory %s: %v", dir, err)
		}
	}

	st, err := store.Open(cfg.Storage.Database)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()

	var backend storage.Backend
	switch cfg.Storage.Backend {
	case "s3":
		backend, err = storage.NewS3(cfg.Storage.S3Bucket, cfg.Storage.S3Region)
		if err != nil {
			log.Fatalf("Failed to initialize S3 backend: %v", err)
		}
	default:
		backend, err = storage.NewLocal(cfg.Storage.DataDir)
		if err != nil {
			log.Fatalf("Failed to initialize local backend: %v", err)
		}
	}

	signer := token.NewSigner([]byte(cfg.Share.TokenSecret))
	hub := notify.NewHub()
	jobs := queue.New()
	assembler := chunks.NewAssembler(cfg.Storage.StagingDir, cfg.Storage.DataDir)

	var tagger pipeline.Tagger = noopTagger{}
	if cfg.Classify.Model != "" {
		classifier, err := classify.New(classify.Config{
			Model:     cfg.Classify.Model,
			ServerURL: cfg.Classify.ServerURL,
			MaxBytes:  cfg.Classify.MaxBytes,
			Timeout:   time.Duration(cfg.Classify.TimeoutSec) * time.Second,
		})
		if err != nil {
			log.Printf("Classification disabled: %v", err)
		} else {
			tagger = classifier
		}
	}

	pipe, err := pipeline.New(pipeline.Config{
		PreviewDir:     cfg.Storage.PreviewDir,
		StreamDir:      cfg.Storage.StreamDir,
		FFmpegBin:      cfg.Pipeline.FFmpegBin,
		LibreOfficeBin: cfg.Pipeline.LibreOfficeBin,
		PDFToPPMBin:    cfg.Pipeline.PDFToPPMBin,
		ToolTimeout:    time.Duration(cfg.Pipeline.ToolTimeoutSec) * time.Second,
	}, tagger)
	if err != nil {
		log.Fatalf("Failed to initialize pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := worker.New(jobs, pipe, st, hub)
	go w.Run(ctx)

	collector := gc.New(gc.Config{
		Interval:   time.Duration(cfg.GC.IntervalSec) * time.Second,
		ChunkTTL:   time.Duration(cfg.GC.ChunkTTLSec) * time.Second,
		StagingDir: cfg.Storage.StagingDir,
		DataDir:    cfg.Storage.DataDir,
		Skip: []string{
			cfg.Storage.Database,
			cfg.Storage.StagingDir,
			cfg.Storage.PreviewDir,
			cfg.Storage.StreamDir,
		},
	}, st)
	go collector.Run(ctx)

	router := gin.Default()
	api := NewAPI(cfg, st, backend, assembler, jobs, signer, hub)
	api.RegisterRoutes(router)

	srv := &http.Server{Addr: ":" + cfg.API.Port, Handler: router}
	go func() {
		log.Printf("Starting server on port %s", cfg.API.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
