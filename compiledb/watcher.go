// Package compiledb watches the compilation database of a project, so that
// the language server can be restarted when the build configuration changes.
package compiledb

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/arduino/go-paths-helper"
	"github.com/codeblocks/clangd-client/streams"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.bug.st/lsp/jsonrpc"
)

// FileName is the name of the compilation database.
const FileName = "compile_commands.json"

// Watcher reports changes to compile_commands.json inside a directory.
type Watcher struct {
	logger   jsonrpc.FunctionLogger
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onChange func()

	trigger chan bool
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// Watch starts watching dir. onChange is called from the watcher goroutine
// once a burst of changes has settled for debounce.
func Watch(logger jsonrpc.FunctionLogger, dir *paths.Path, debounce time.Duration, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating file watcher")
	}
	if err := fsw.Add(dir.String()); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "watching %s", dir)
	}
	w := &Watcher{
		logger:   logger,
		watcher:  fsw,
		debounce: debounce,
		onChange: onChange,
		trigger:  make(chan bool, 1),
		done:     make(chan struct{}),
	}
	w.wg.Add(2)
	go w.eventsLoop()
	go w.debounceLoop()
	return w, nil
}

func isCompileDB(event fsnotify.Event) bool {
	if filepath.Base(event.Name) != FileName {
		return false
	}
	return event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0
}

func (w *Watcher) eventsLoop() {
	defer w.wg.Done()
	defer streams.CatchAndLogPanic()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isCompileDB(event) {
				continue
			}
			w.logger.Logf("%s: %s", event.Op, event.Name)
			select {
			case w.trigger <- true:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Logf("Watcher error: %s", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()
	defer streams.CatchAndLogPanic()
	for {
		select {
		case <-w.trigger:
		case <-w.done:
			return
		}

		// accumulate bursts of changes
	burst:
		for {
			select {
			case <-w.trigger:
				continue
			case <-w.done:
				return
			case <-time.After(w.debounce):
				break burst
			}
		}
		w.onChange()
	}
}

// Close stops watching. It waits for a running onChange to return.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
