package classify

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type fakeModel struct {
	reply string
	err   error
	seen  []llms.MessageContent
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.seen = messages
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: f.reply}},
	}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return f.reply, f.err
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestClassifyTextFile(t *testing.T) {
	m := &fakeModel{reply: "invoice, finance, 2026"}
	c := newWithModel(m, Config{Model: "test"})

	path := writeTemp(t, "notes.txt", "quarterly invoice for the finance team")
	tags := c.Classify(context.Background(), path, "notes.txt")

	assert.Equal(t, "invoice, finance, 2026", tags)
	require.Len(t, m.seen, 1, "text content goes as a single text prompt")
}

func TestClassifyTruncatesLongText(t *testing.T) {
	m := &fakeModel{reply: "long"}
	c := newWithModel(m, Config{Model: "test"})

	path := writeTemp(t, "big.txt", strings.Repeat("a", maxPromptChars+500))
	c.Classify(context.Background(), path, "big.txt")

	part := m.seen[0].Parts[0].(llms.TextContent)
	assert.LessOrEqual(t, len(part.Text), len(textPrompt)+maxPromptChars)
}

func TestClassifySkipsOversizedFile(t *testing.T) {
	m := &fakeModel{reply: "never"}
	c := newWithModel(m, Config{Model: "test", MaxBytes: 4})

	path := writeTemp(t, "big.txt", "more than four bytes")
	assert.Empty(t, c.Classify(context.Background(), path, "big.txt"))
	assert.Nil(t, m.seen, "model must not be called above the size ceiling")
}

func TestClassifySkipsEmptyFile(t *testing.T) {
	m := &fakeModel{reply: "never"}
	c := newWithModel(m, Config{Model: "test"})

	path := writeTemp(t, "empty.bin", "")
	assert.Empty(t, c.Classify(context.Background(), path, "empty.bin"))
	assert.Nil(t, m.seen)
}

func TestClassifyDegradesOnModelError(t *testing.T) {
	m := &fakeModel{err: errors.New("quota exceeded")}
	c := newWithModel(m, Config{Model: "test"})

	path := writeTemp(t, "notes.txt", "hello")
	assert.Empty(t, c.Classify(context.Background(), path, "notes.txt"))
}

func TestClassifyMissingFile(t *testing.T) {
	m := &fakeModel{reply: "never"}
	c := newWithModel(m, Config{Model: "test"})

	assert.Empty(t, c.Classify(context.Background(), "/no/such/file", "x"))
}

func TestClassifyBinarySendsAttachment(t *testing.T) {
	m := &fakeModel{reply: "image, photo"}
	c := newWithModel(m, Config{Model: "test"})

	// Minimal PNG header makes mimetype detection succeed.
	png := "\x89PNG\r\n\x1a\n" + strings.Repeat("\x00", 16)
	path := writeTemp(t, "pic.png", png)

	tags := c.Classify(context.Background(), path, "pic.png")
	assert.Equal(t, "image, photo", tags)
	require.Len(t, m.seen, 2)
	_, ok := m.seen[1].Parts[0].(llms.BinaryContent)
	assert.True(t, ok, "binary content must be attached as a binary part")
}

func TestNormalizeTags(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"a, b, c", "a, b, c"},
		{"  a ,b\nc  ", "a, b, c"},
		{"a, a, A, b", "a, b"},
		{"one, two, three, four, five, six", "one, two, three, four, five"},
		{"", ""},
		{"   ", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, normalizeTags(tc.in), "input %q", tc.in)
	}
}

func TestExtractTextTruncatesOnRuneBoundary(t *testing.T) {
	data := append(bytes.Repeat([]byte("a"), maxPromptChars-1), []byte("é")...)

	text, ok := extractText("notes.txt", data)
	require.True(t, ok)
	assert.True(t, utf8.ValidString(text))
	assert.Len(t, text, maxPromptChars-1)
}
