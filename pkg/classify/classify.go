// Package classify derives a short comma-separated tag string for an
// uploaded object by handing its content to a local LLM. Tagging is strictly
// best-effort: every failure path degrades to an empty string and nothing is
// ever propagated to the caller.
package classify

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/schema"
)

const (
	// Objects above this size skip classification entirely.
	defaultMaxBytes = 10 * 1024 * 1024
	// Extracted text is truncated before prompting.
	maxPromptChars = 16000
	maxKeywords    = 5
)

const textPrompt = "Extract up to five keywords that best describe the " +
	"following content. Reply with only the keywords, comma separated:\n\n"

const binaryPrompt = "Analyze the attached file and reply with up to five " +
	"descriptive keywords, comma separated, and nothing else."

// Config controls the classifier.
type Config struct {
	Model     string        `yaml:"model"`
	ServerURL string        `yaml:"server_url"`
	MaxBytes  int64         `yaml:"max_bytes"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Classifier calls an Ollama-served model to tag file content.
type Classifier struct {
	llm      llms.Model
	maxBytes int64
	timeout  time.Duration
	log      *log.Logger
}

// New builds a classifier for the configured model. An unreachable or
// unconfigured model is not an error here; classification simply degrades at
// call time.
func New(cfg Config) (*Classifier, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("classifier model not configured")
	}
	opts := []ollama.Option{ollama.WithModel(cfg.Model)}
	if cfg.ServerURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.ServerURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama client: %w", err)
	}
	return newWithModel(llm, cfg), nil
}

func newWithModel(llm llms.Model, cfg Config) *Classifier {
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Classifier{
		llm:      llm,
		maxBytes: maxBytes,
		timeout:  timeout,
		log:      log.New(log.Writer(), "[classify] ", log.LstdFlags),
	}
}

// Classify returns a comma-separated tag string for the object at path, or
// "" when the object is too large, unreadable, of an unsupported type, or
// the model call fails.
func (c *Classifier) Classify(ctx context.Context, path, declaredName string) string {
	info, err := os.Stat(path)
	if err != nil {
		c.log.Printf("stat failed for %s: %v", path, err)
		return ""
	}
	if info.Size() == 0 || info.Size() > c.maxBytes {
		return ""
	}

	data, err := os.ReadFile(path)
	if err != nil {
		c.log.Printf("read failed for %s: %v", path, err)
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var content []llms.MessageContent
	if text, ok := extractText(declaredName, data); ok {
		content = []llms.MessageContent{
			llms.TextParts(schema.ChatMessageTypeHuman, textPrompt+text),
		}
	} else {
		mt := mimetype.Detect(data).String()
		if mt == "" || mt == "application/octet-stream" {
			// Nothing useful to hand the model.
			return ""
		}
		content = []llms.MessageContent{
			llms.TextParts(schema.ChatMessageTypeHuman, binaryPrompt),
			{
				Role:  schema.ChatMessageTypeHuman,
				Parts: []llms.ContentPart{llms.BinaryPart(mt, data)},
			},
		}
	}

	resp, err := c.llm.GenerateContent(ctx, content)
	if err != nil {
		c.log.Printf("model call failed for %s: %v", declaredName, err)
		return ""
	}
	if len(resp.Choices) == 0 {
		return ""
	}
	return normalizeTags(resp.Choices[0].Content)
}

// extractText returns the object's content as prompt text when the format
// allows cheap extraction: declared text MIME types, or bytes that look like
// plain UTF-8 with no NULs.
func extractText(declaredName string, data []byte) (string, bool) {
	mt := mime.TypeByExtension(filepath.Ext(declaredName))
	texty := strings.HasPrefix(mt, "text/")
	if !texty {
		if bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data) {
			return "", false
		}
		texty = len(strings.TrimSpace(string(data))) > 0
	}
	if !texty {
		return "", false
	}

	text := string(data)
	if len(text) > maxPromptChars {
		cut := maxPromptChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text, true
}

// normalizeTags reduces a model reply to at most five clean keywords.
func normalizeTags(reply string) string {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return ""
	}
	fields := strings.FieldsFunc(reply, func(r rune) bool {
		return r == ',' || r == '\n'
	})

	var tags []string
	seen := make(map[string]struct{})
	for _, f := range fields {
		tag := strings.Trim(strings.TrimSpace(f), `"'.`)
		if tag == "" {
			continue
		}
		key := strings.ToLower(tag)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		tags = append(tags, tag)
		if len(tags) == maxKeywords {
			break
		}
	}
	return strings.Join(tags, ", ")
}
