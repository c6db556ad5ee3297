package client

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/LLIEPJIOK/service-mesh/requests/pkg/protocol"
)

// CertificateWatcher держит актуальную пару сертификат/ключ и перечитывает её
// при изменении файлов. Следятся каталоги, а не сами файлы, чтобы переживать
// замену через rename.
type CertificateWatcher struct {
	certFile string
	keyFile  string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	mu      sync.RWMutex
	current protocol.Certificate

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func NewCertificateWatcher(certFile, keyFile string, logger *slog.Logger) (*CertificateWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	certFile = filepath.Clean(certFile)
	keyFile = filepath.Clean(keyFile)

	cert, err := CertificateFromFiles(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, dir := range uniqueDirs(certFile, keyFile) {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("error adding dir %q: %w", dir, err)
		}
	}

	return &CertificateWatcher{
		certFile: certFile,
		keyFile:  keyFile,
		watcher:  fw,
		logger:   logger.With("component", "cert-watcher"),
		current:  cert,
		done:     make(chan struct{}),
	}, nil
}

func uniqueDirs(files ...string) []string {
	var dirs []string

	seen := make(map[string]bool)

	for _, f := range files {
		dir := filepath.Dir(f)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}

	return dirs
}

// Start запускает наблюдение. Повторный вызов ничего не делает.
func (w *CertificateWatcher) Start(ctx context.Context) {
	if w.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go w.watch(ctx)
}

// Stop вызывается только после Start.
func (w *CertificateWatcher) Stop() error {
	var err error

	w.stopOnce.Do(func() {
		w.cancel()
		<-w.done
		err = w.watcher.Close()
	})

	return err
}

func (w *CertificateWatcher) Current() protocol.Certificate {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Answer подходит для OnCertificateRequested.
func (w *CertificateWatcher) Answer() *protocol.Certificate {
	cert := w.Current()
	return &cert
}

func (w *CertificateWatcher) watch(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				w.logger.Error("watcher event channel is closed")
				return
			}

			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.logger.Error("watcher error channel is closed")
				return
			}

			w.logger.Warn("watcher error", "error", err)
		case <-ctx.Done():
			return
		}
	}
}

func (w *CertificateWatcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}

	name := filepath.Clean(event.Name)
	if name != w.certFile && name != w.keyFile && filepath.Base(name) != "..data" {
		return
	}

	cert, err := CertificateFromFiles(w.certFile, w.keyFile)
	if err != nil {
		// Пара может быть записана наполовину, ждём следующего события
		w.logger.Debug("certificate reload skipped", "file", name, "error", err)
		return
	}

	w.mu.Lock()
	w.current = cert
	w.mu.Unlock()

	w.logger.Info("certificate reloaded", "file", name)
}
