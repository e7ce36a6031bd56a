package file

import (
	"sync"

	"github.com/spf13/afero"

	"github.com/bobg/keeper"
)

type streamWriter struct {
	b      *Backend
	f      afero.File
	hasher *keeper.Hasher

	mu     sync.Mutex
	key    keeper.Key
	closed bool
	done   bool
	err    error // from a failed Close
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, keeper.ErrClosed
	}
	n, err := w.f.Write(p)
	w.hasher.Write(p[:n])
	if err != nil {
		return n, &keeper.StorageError{Op: "write", Path: w.f.Name(), Err: err}
	}
	return n, nil
}

func (w *streamWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return w.err
	}
	w.closed = true

	w.err = w.close()
	return w.err
}

func (w *streamWriter) close() error {
	tmpName := w.f.Name()
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		w.b.removeTemp(tmpName)
		return &keeper.StorageError{Op: "sync", Path: tmpName, Err: err}
	}
	if err := w.f.Close(); err != nil {
		w.b.removeTemp(tmpName)
		return &keeper.StorageError{Op: "close", Path: tmpName, Err: err}
	}
	if err := w.b.checkOpen(); err != nil {
		w.b.removeTemp(tmpName)
		return err
	}

	key := w.hasher.Sum()
	if err := w.b.commit(tmpName, key); err != nil {
		return err
	}
	w.key, w.done = key, true
	return nil
}

func (w *streamWriter) Key() (keeper.Key, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return keeper.Zero, w.err
	}
	if !w.done {
		return keeper.Zero, keeper.ErrStreamOpen
	}
	return w.key, nil
}

func (w *streamWriter) Discard() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	w.f.Close()
	w.b.removeTemp(w.f.Name())
	return nil
}
