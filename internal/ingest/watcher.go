package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher consumes trigger files dropped into a directory. Each *.json file
// is read once, removed and turned into a command.
type Watcher struct {
	dir      string
	parser   *Parser
	handler  Handler
	debounce time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates a drop-directory watcher
func NewWatcher(dir string, parser *Parser, handler Handler, log zerolog.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		parser:   parser,
		handler:  handler,
		debounce: defaultDebounce,
		log:      log.With().Str("component", "trigger_watcher").Str("dir", dir).Logger(),
		pending:  make(map[string]*time.Timer),
	}
}

// Run watches the directory until ctx is cancelled. Files already present
// are processed first.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create trigger directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch trigger directory: %w", err)
	}
	w.log.Info().Msg("Watching for manual trigger files")

	w.scan(ctx)

	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.schedule(ctx, event.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error().Err(err).Msg("File watcher error")
		}
	}
}

func (w *Watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.log.Error().Err(err).Msg("Failed to list trigger directory")
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(w.dir, name)
		if isTriggerFile(path) {
			w.process(ctx, path)
		}
	}
}

// schedule processes path once writes have settled
func (w *Watcher) schedule(ctx context.Context, path string) {
	if !isTriggerFile(path) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.process(ctx, path)
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.log.Error().Err(err).Str("file", path).Msg("Failed to read trigger file")
		}
		return
	}
	// Removed before dispatch so a crash never replays a trigger
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.log.Error().Err(err).Str("file", path).Msg("Failed to remove trigger file")
		return
	}

	cmd, err := w.parser.ParseTrigger(data, "manual")
	if err != nil {
		w.log.Error().Err(err).Str("file", filepath.Base(path)).Msg("Invalid trigger file")
		return
	}

	w.log.Info().
		Str("file", filepath.Base(path)).
		Str("account_id", cmd.AccountID).
		Str("exec", string(cmd.ExecKind)).
		Msg("Manual trigger received")
	w.handler(ctx, cmd)
}

func isTriggerFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}
