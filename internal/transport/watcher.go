package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// CertWatcher serves a key pair and reloads it when its files change on disk
type CertWatcher struct {
	certFile string
	keyFile  string
	debounce time.Duration

	mu   sync.RWMutex
	cert *tls.Certificate
}

func NewCertWatcher(certFile, keyFile string) (*CertWatcher, error) {
	w := &CertWatcher{
		certFile: certFile,
		keyFile:  keyFile,
		debounce: 500 * time.Millisecond,
	}
	if err := w.Reload(); err != nil {
		return nil, fmt.Errorf("failed to load initial key pair: %w", err)
	}
	return w, nil
}

// Reload reads the key pair from disk. The previous pair stays in use on failure.
func (w *CertWatcher) Reload() error {
	cert, err := tls.LoadX509KeyPair(w.certFile, w.keyFile)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.cert = &cert
	w.mu.Unlock()
	return nil
}

func (w *CertWatcher) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cert, nil
}

// Run watches the directories of the key pair until ctx is done. Directories
// are watched rather than files so that editor-style rename replacements are seen.
func (w *CertWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	dirs := map[string]struct{}{
		filepath.Dir(w.certFile): {},
		filepath.Dir(w.keyFile):  {},
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	names := map[string]struct{}{
		filepath.Base(w.certFile): {},
		filepath.Base(w.keyFile):  {},
	}

	log.Info().Str("cert_file", w.certFile).Str("key_file", w.keyFile).Msg("Certificate watcher started")

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if _, ours := names[filepath.Base(event.Name)]; !ours {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			pending = time.After(w.debounce)
		case <-pending:
			pending = nil
			if err := w.Reload(); err != nil {
				log.Warn().Err(err).Msg("Certificate reload failed, keeping previous key pair")
				continue
			}
			log.Info().Msg("Certificate reloaded")
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Certificate watcher error")
		}
	}
}
