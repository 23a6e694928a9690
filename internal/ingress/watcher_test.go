package ingress

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/models"
)

func newTestWatcher(t *testing.T, f *emitterFixture, config *common.WatcherConfig) *Watcher {
	t.Helper()
	if config.IndexPath == "" {
		config.IndexPath = t.TempDir()
	}
	w, err := NewWatcher(config, f.emitter, f.bus, common.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func writeMediaFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("not really video bytes"), 0o644))
	return path
}

func TestTitleFromFilename(t *testing.T) {
	assert.Equal(t, "Dune Part Two 2024", TitleFromFilename("/media/Dune.Part.Two.2024.mkv"))
	assert.Equal(t, "The Matrix", TitleFromFilename("The_Matrix.mp4"))
	assert.Equal(t, "plain", TitleFromFilename("plain.avi"))
}

func TestWatcherProcessEmitsRequestAndDetection(t *testing.T) {
	f := newEmitterFixture(t)
	root := t.TempDir()
	w := newTestWatcher(t, f, &common.WatcherConfig{
		Root:     root,
		Language: "de",
	})

	path := writeMediaFile(t, root, "Dune.Part.Two.2024.mkv")
	w.process(context.Background(), path)

	require.Len(t, f.bus.published, 2)
	assert.Equal(t, models.EventSubtitleRequested, f.bus.published[0].EventType)
	assert.Equal(t, models.EventMediaFileDetected, f.bus.published[1].EventType)

	var requested models.RequestedPayload
	require.NoError(t, f.bus.published[0].DecodePayload(&requested))
	assert.Equal(t, "file://"+path, requested.VideoURL)
	assert.Equal(t, "Dune Part Two 2024", requested.VideoTitle)
	assert.Equal(t, "de", requested.Language)

	var detected models.DetectedPayload
	require.NoError(t, f.bus.published[1].DecodePayload(&detected))
	assert.Equal(t, path, detected.Path)
}

func TestWatcherSkipsAlreadyHandledFile(t *testing.T) {
	f := newEmitterFixture(t)
	root := t.TempDir()
	w := newTestWatcher(t, f, &common.WatcherConfig{Root: root, Language: "de"})

	path := writeMediaFile(t, root, "Dune.mkv")
	w.process(context.Background(), path)
	require.Len(t, f.bus.published, 2)

	// Same size and mtime: the scan index filters the repeat sighting.
	w.process(context.Background(), path)
	assert.Len(t, f.bus.published, 2)
}

func TestWatcherReprocessesChangedFile(t *testing.T) {
	f := newEmitterFixture(t)
	root := t.TempDir()
	w := newTestWatcher(t, f, &common.WatcherConfig{Root: root, Language: "de"})

	path := writeMediaFile(t, root, "Dune.mkv")
	w.process(context.Background(), path)
	require.Len(t, f.bus.published, 2)

	require.NoError(t, os.WriteFile(path, []byte("a different, longer remux of the same film"), 0o644))
	w.process(context.Background(), path)
	// Admission runs again but dedup collapses it onto the original job, so
	// only the request count stays at one fresh emission.
	assert.Len(t, f.bus.published, 2)
}

func TestWatcherIndexSurvivesRestart(t *testing.T) {
	f := newEmitterFixture(t)
	root := t.TempDir()
	indexPath := t.TempDir()
	config := &common.WatcherConfig{Root: root, Language: "de", IndexPath: indexPath}

	w, err := NewWatcher(config, f.emitter, f.bus, common.GetLogger())
	require.NoError(t, err)
	path := writeMediaFile(t, root, "Dune.mkv")
	w.process(context.Background(), path)
	require.Len(t, f.bus.published, 2)
	require.NoError(t, w.Close())

	reopened, err := NewWatcher(config, f.emitter, f.bus, common.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })
	reopened.process(context.Background(), path)
	assert.Len(t, f.bus.published, 2, "restart must not re-request the library")
}

func TestWatcherSkipsMediaWithSiblingSubtitle(t *testing.T) {
	f := newEmitterFixture(t)
	root := t.TempDir()
	w := newTestWatcher(t, f, &common.WatcherConfig{Root: root, Language: "de"})

	path := writeMediaFile(t, root, "Dune.mkv")
	require.NoError(t, os.WriteFile(filepath.Join(root, "Dune.de.srt"), []byte("1\n"), 0o644))

	w.process(context.Background(), path)
	assert.Empty(t, f.bus.published)
}

func TestWatcherExtensionWhitelist(t *testing.T) {
	f := newEmitterFixture(t)
	root := t.TempDir()
	w := newTestWatcher(t, f, &common.WatcherConfig{
		Root:       root,
		Language:   "de",
		Extensions: []string{".mkv", "mp4"},
	})

	assert.True(t, w.isMediaFile("/media/a.mkv"))
	assert.True(t, w.isMediaFile("/media/a.MP4"), "extension match is case-insensitive")
	assert.False(t, w.isMediaFile("/media/a.srt"))
	assert.False(t, w.isMediaFile("/media/a.nfo"))
}

func TestWatcherDebounceWaitsForStableSize(t *testing.T) {
	f := newEmitterFixture(t)
	root := t.TempDir()
	w := newTestWatcher(t, f, &common.WatcherConfig{
		Root:      root,
		Language:  "de",
		DebounceS: 0.05,
	})

	path := writeMediaFile(t, root, "Dune.mkv")
	w.track(path)

	// Still growing: size change resets the stability clock.
	require.NoError(t, os.WriteFile(path, []byte("grew to a larger size than before"), 0o644))
	w.flushStable(context.Background())
	assert.Empty(t, f.bus.published, "unstable file must not be processed")

	time.Sleep(80 * time.Millisecond)
	w.flushStable(context.Background())
	require.NotEmpty(t, f.bus.published)
	assert.Equal(t, models.EventSubtitleRequested, f.bus.published[0].EventType)
}
