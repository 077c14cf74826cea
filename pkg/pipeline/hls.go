package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// rendition is one rung of the adaptive bitrate ladder.
type rendition struct {
	Name    string
	Width   int
	Height  int
	Bitrate int
}

var renditions = []rendition{
	{"360p", 640, 360, 800_000},
	{"720p", 1280, 720, 2_400_000},
}

// transcodeHLS produces one segmented VOD playlist per rendition, running
// the encodes concurrently and awaiting them jointly, then writes the
// master playlist referencing every rendition that succeeded.
func (p *Pipeline) transcodeHLS(ctx context.Context, path, objectID string) error {
	outDir := p.StreamDir(objectID)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("failed to create stream dir: %w", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(renditions))
	for i, r := range renditions {
		wg.Add(1)
		go func(i int, r rendition) {
			defer wg.Done()
			out := filepath.Join(outDir, r.Name+".m3u8")
			errs[i] = p.run(ctx, p.cfg.FFmpegBin,
				"-y", "-i", path,
				"-vf", fmt.Sprintf("scale=w=%d:h=%d", r.Width, r.Height),
				"-c:v", "libx264", "-c:a", "aac",
				"-b:v", fmt.Sprint(r.Bitrate),
				"-hls_time", "4", "-hls_playlist_type", "vod",
				out)
		}(i, r)
	}
	wg.Wait()

	var ok []rendition
	for i, r := range renditions {
		if errs[i] != nil {
			p.log.Printf("rendition %s failed for %s: %v", r.Name, objectID, errs[i])
			continue
		}
		ok = append(ok, r)
	}
	if len(ok) == 0 {
		return fmt.Errorf("all renditions failed for %s", objectID)
	}

	return writeMasterPlaylist(filepath.Join(outDir, "master.m3u8"), ok)
}

func writeMasterPlaylist(path string, rs []rendition) error {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	for _, r := range rs {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n", r.Bitrate, r.Width, r.Height)
		b.WriteString(r.Name + ".m3u8\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write master playlist: %w", err)
	}
	return nil
}
