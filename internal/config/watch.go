package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads an options file on change and delivers validated options.
// A file that fails to load is reported on the error channel and the last
// good options stay in force; the watcher keeps running.
type Watcher struct {
	w    *fsnotify.Watcher
	path string
	opts chan *Options
	errs chan error
	done chan struct{}
}

// Watch starts watching the options file at path. The parent directory is
// watched rather than the file itself so editor rename-and-replace saves are
// seen.
func Watch(path string) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}
	cw := &Watcher{
		w:    w,
		path: abs,
		opts: make(chan *Options, 1),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
	go cw.loop()
	return cw, nil
}

func (cw *Watcher) loop() {
	for {
		select {
		case ev, ok := <-cw.w.Events:
			if !ok {
				return
			}
			if ev.Name != cw.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			o, err := Load(cw.path)
			if err != nil {
				cw.report(err)
				continue
			}
			cw.deliver(o)
		case err, ok := <-cw.w.Errors:
			if !ok {
				return
			}
			cw.report(err)
		case <-cw.done:
			return
		}
	}
}

// deliver keeps only the newest options if the consumer lags.
func (cw *Watcher) deliver(o *Options) {
	for {
		select {
		case cw.opts <- o:
			return
		default:
			select {
			case <-cw.opts:
			default:
			}
		}
	}
}

func (cw *Watcher) report(err error) {
	select {
	case cw.errs <- err:
	default:
	}
}

// Updates delivers validated options as the file changes.
func (cw *Watcher) Updates() <-chan *Options { return cw.opts }

// Errors delivers load and watch failures.
func (cw *Watcher) Errors() <-chan error { return cw.errs }

// Close stops the watcher.
func (cw *Watcher) Close() error {
	close(cw.done)
	return cw.w.Close()
}
