package ingress

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
)

const watcherSource = "watcher"

var defaultExtensions = []string{".mkv", ".mp4", ".avi", ".m4v", ".mov"}

// pendingFile tracks a media candidate until its size has been stable for
// the debounce window. Copies and downloads grow in place; acting on them
// early yields torn titles and duplicate requests.
type pendingFile struct {
	size      int64
	stableFor time.Time // Size unchanged since this instant
}

// Watcher is the filesystem ingress adapter. It walks the library once at
// startup, then follows fsnotify events, debounces by size stability, and
// remembers handled files in a persistent scan index so restarts do not
// re-request the whole library.
type Watcher struct {
	config   *common.WatcherConfig
	emitter  *Emitter
	bus      interfaces.EventBus
	index    *badger.DB
	notify   *fsnotify.Watcher
	debounce time.Duration
	exts     map[string]bool
	logger   arbor.ILogger

	mu      sync.Mutex
	pending map[string]*pendingFile
}

// NewWatcher opens the scan index and prepares the adapter. Start must be
// called to begin watching.
func NewWatcher(config *common.WatcherConfig, emitter *Emitter, bus interfaces.EventBus, logger arbor.ILogger) (*Watcher, error) {
	if config.Root == "" {
		return nil, fmt.Errorf("watcher root directory is required")
	}

	indexPath := config.IndexPath
	if indexPath == "" {
		indexPath = "data/watch-index"
	}
	opts := badger.DefaultOptions(indexPath).WithLogger(nil)
	index, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open scan index: %w", err)
	}

	exts := make(map[string]bool)
	configured := config.Extensions
	if len(configured) == 0 {
		configured = defaultExtensions
	}
	for _, ext := range configured {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[strings.ToLower(ext)] = true
	}

	debounce := time.Duration(config.DebounceS * float64(time.Second))
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	return &Watcher{
		config:   config,
		emitter:  emitter,
		bus:      bus,
		index:    index,
		debounce: debounce,
		exts:     exts,
		logger:   logger,
		pending:  make(map[string]*pendingFile),
	}, nil
}

// Start performs the initial library scan and follows filesystem events
// until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	w.notify = notify
	defer notify.Close()

	if err := w.watchTree(w.config.Root); err != nil {
		return err
	}
	w.logger.Info().
		Str("root", w.config.Root).
		Bool("recursive", w.config.Recursive).
		Dur("debounce", w.debounce).
		Msg("Filesystem watcher started")

	w.scanExisting()

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-notify.Events:
			if !ok {
				return fmt.Errorf("filesystem event channel closed")
			}
			w.onEvent(event)
		case err, ok := <-notify.Errors:
			if !ok {
				return fmt.Errorf("filesystem error channel closed")
			}
			w.logger.Warn().Err(err).Msg("Filesystem watcher error")
		case <-ticker.C:
			w.flushStable(ctx)
		}
	}
}

// Close releases the scan index. Start's watcher is closed by Start itself.
func (w *Watcher) Close() error {
	return w.index.Close()
}

// watchTree registers the root (and, when recursive, every subdirectory)
// with fsnotify.
func (w *Watcher) watchTree(root string) error {
	if !w.config.Recursive {
		return w.notify.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn().Str("path", path).Err(err).Msg("Skipping unreadable directory")
			return nil
		}
		if d.IsDir() {
			if addErr := w.notify.Add(path); addErr != nil {
				w.logger.Warn().Str("path", path).Err(addErr).Msg("Failed to watch directory")
			}
		}
		return nil
	})
}

// scanExisting seeds the pending set with every media file already in the
// library. The scan index filters the ones handled in earlier runs.
func (w *Watcher) scanExisting() {
	err := filepath.WalkDir(w.config.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if w.isMediaFile(path) {
			w.track(path)
		}
		return nil
	})
	if err != nil {
		w.logger.Warn().Err(err).Msg("Initial library scan incomplete")
	}
}

func (w *Watcher) onEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if w.config.Recursive && event.Op&fsnotify.Create != 0 {
			if err := w.notify.Add(event.Name); err != nil {
				w.logger.Warn().Str("path", event.Name).Err(err).Msg("Failed to watch new directory")
			}
		}
		return
	}
	if w.isMediaFile(event.Name) {
		w.track(event.Name)
	}
}

// track records the file's current size and restarts its stability clock.
func (w *Watcher) track(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pending[path]
	if !ok || p.size != info.Size() {
		w.pending[path] = &pendingFile{size: info.Size(), stableFor: time.Now()}
	}
}

// flushStable processes every pending file whose size has not changed for a
// full debounce window.
func (w *Watcher) flushStable(ctx context.Context) {
	w.mu.Lock()
	var ready []string
	for path, p := range w.pending {
		info, err := os.Stat(path)
		if err != nil {
			delete(w.pending, path)
			continue
		}
		if info.Size() != p.size {
			p.size = info.Size()
			p.stableFor = time.Now()
			continue
		}
		if time.Since(p.stableFor) >= w.debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		w.process(ctx, path)
	}
}

// process admits one stable media file: skip if already handled, skip if the
// desired-language subtitle already sits next to it, otherwise emit.
func (w *Watcher) process(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	if w.seen(path, info) {
		return
	}

	if w.hasSiblingSubtitle(path) {
		w.logger.Debug().
			Str("path", path).
			Str("language", w.config.Language).
			Msg("Subtitle already present, skipping media file")
		w.markSeen(path, info)
		return
	}

	title := TitleFromFilename(path)
	jobID, duplicate, err := w.emitter.Emit(ctx, &Request{
		VideoURL:      "file://" + path,
		VideoTitle:    title,
		Language:      w.config.Language,
		AutoTranslate: w.config.AutoTranslate,
		Source:        watcherSource,
		Metadata:      map[string]string{"media_path": path},
	})
	if err != nil {
		// Leave the file out of the index so the next stable sighting retries.
		w.logger.Error().Str("path", path).Err(err).Msg("Failed to admit detected media file")
		return
	}

	w.markSeen(path, info)
	if !duplicate {
		w.emitDetected(ctx, jobID, path, title)
	}
}

// emitDetected publishes the media.file.detected audit marker.
func (w *Watcher) emitDetected(ctx context.Context, jobID, path, title string) {
	env, err := models.NewEnvelope(common.NewEventID(), models.EventMediaFileDetected, jobID, watcherSource, &models.DetectedPayload{
		Path:  path,
		Title: title,
	})
	if err == nil {
		err = w.bus.Publish(ctx, env)
	}
	if err != nil {
		w.logger.Warn().Str("path", path).Err(err).Msg("Failed to publish detection event")
	}
}

func (w *Watcher) isMediaFile(path string) bool {
	return w.exts[strings.ToLower(filepath.Ext(path))]
}

// hasSiblingSubtitle reports whether {base}.{language}.srt exists next to
// the media file.
func (w *Watcher) hasSiblingSubtitle(path string) bool {
	if w.config.Language == "" {
		return false
	}
	base := strings.TrimSuffix(path, filepath.Ext(path))
	_, err := os.Stat(base + "." + w.config.Language + ".srt")
	return err == nil
}

// indexFingerprint is the value stored per path; a changed file is treated
// as new.
func indexFingerprint(info os.FileInfo) []byte {
	return []byte(fmt.Sprintf("%d:%d", info.Size(), info.ModTime().UnixNano()))
}

// seen reports whether the file was already handled with this exact
// size and mtime.
func (w *Watcher) seen(path string, info os.FileInfo) bool {
	want := indexFingerprint(info)
	match := false
	err := w.index.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(path))
		if err != nil {
			return err
		}
		stored, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		match = string(stored) == string(want)
		return nil
	})
	if err != nil && err != badger.ErrKeyNotFound {
		w.logger.Warn().Str("path", path).Err(err).Msg("Scan index read failed")
	}
	return match
}

func (w *Watcher) markSeen(path string, info os.FileInfo) {
	err := w.index.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(path), indexFingerprint(info))
	})
	if err != nil {
		w.logger.Warn().Str("path", path).Err(err).Msg("Scan index write failed")
	}
}

// TitleFromFilename derives a display title from a media filename:
// extension stripped, dot and underscore separators turned into spaces.
func TitleFromFilename(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	base = strings.ReplaceAll(base, ".", " ")
	base = strings.ReplaceAll(base, "_", " ")
	return strings.Join(strings.Fields(base), " ")
}
