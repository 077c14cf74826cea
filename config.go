package main

import (
	"crypto/sha256"
	"encoding/hex"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Storage struct {
		Backend    string `yaml:"backend"` // "local" or "s3"
		DataDir    string `yaml:"data_dir"`
		StagingDir string `yaml:"staging_dir"`
		PreviewDir string `yaml:"preview_dir"`
		StreamDir  string `yaml:"stream_dir"`
		Database   string `yaml:"database"`
		S3Bucket   string `yaml:"s3_bucket"`
		S3Region   string `yaml:"s3_region"`
	} `yaml:"storage"`
	API struct {
		Port string `yaml:"port"`
		Key  string `yaml:"key"`
	} `yaml:"api"`
	Share struct {
		TokenSecret   string `yaml:"token_secret"`
		URLExpiresSec int64  `yaml:"url_expires_sec"`
	} `yaml:"share"`
	Classify struct {
		Model      string `yaml:"model"`
		ServerURL  string `yaml:"server_url"`
		MaxBytes   int64  `yaml:"max_bytes"`
		TimeoutSec int    `yaml:"timeout_sec"`
	} `yaml:"classify"`
	Pipeline struct {
		FFmpegBin      string `yaml:"ffmpeg_bin"`
		LibreOfficeBin string `yaml:"libreoffice_bin"`
		PDFToPPMBin    string `yaml:"pdftoppm_bin"`
		ToolTimeoutSec int    `yaml:"tool_timeout_sec"`
	} `yaml:"pipeline"`
	GC struct {
		IntervalSec int `yaml:"interval_sec"`
		ChunkTTLSec int `yaml:"chunk_ttl_sec"`
	} `yaml:"gc"`
}

func LoadConfig() *Config {
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}

	config := defaultConfig()
	data, err := os.ReadFile(configPath)
	if err != nil {
		log.Printf("Failed to read config file, using defaults: %v", err)
	} else if err := yaml.Unmarshal(data, config); err != nil {
		log.Printf("Failed to parse config file, using defaults: %v", err)
		config = defaultConfig()
	}

	// Secrets come from the environment when set; the signing secret is
	// required and never logged in full.
	if envKey := os.Getenv("FILEDOCK_API_KEY"); envKey != "" {
		config.API.Key = envKey
	}
	if envSecret := os.Getenv("FILEDOCK_TOKEN_SECRET"); envSecret != "" {
		config.Share.TokenSecret = envSecret
	}
	if config.API.Key == "" {
		log.Fatal("API key must be set via FILEDOCK_API_KEY or the config file")
	}
	if config.Share.TokenSecret == "" {
		log.Fatal("Token secret must be set via FILEDOCK_TOKEN_SECRET or the config file")
	}

	hash := sha256.Sum256([]byte(config.Share.TokenSecret))
	log.Printf("Token secret configured (hash prefix: %s...)", hex.EncodeToString(hash[:8]))

	if config.Storage.StagingDir == "" {
		config.Storage.StagingDir = filepath.Join(config.Storage.DataDir, "chunks")
	}
	if config.Storage.PreviewDir == "" {
		config.Storage.PreviewDir = filepath.Join(config.Storage.DataDir, "previews")
	}
	if config.Storage.StreamDir == "" {
		config.Storage.StreamDir = filepath.Join(config.Storage.DataDir, "hls")
	}
	return config
}

func defaultConfig() *Config {
	config := &Config{}
	config.Storage.Backend = "local"
	config.Storage.DataDir = "./data"
	config.Storage.Database = "./data/filedock.db"
	config.API.Port = "8080"
	config.Share.URLExpiresSec = 86400
	config.Classify.Model = ""
	config.Classify.TimeoutSec = 30
	config.Pipeline.ToolTimeoutSec = 300
	config.GC.IntervalSec = 3600
	config.GC.ChunkTTLSec = 3600
	return config
}
