package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher watches a workdir directory and invokes onChange whenever one
// of the four network configuration files is written. Only the file
// that actually changed is reloaded and handed to onChange; the other
// three workdirs are left untouched, per §8's "hot-reload only affects
// the network whose file changed" requirement.
type Watcher struct {
	dir      string
	paths    map[Network]string
	fs       *fsnotify.Watcher
	log      *zap.Logger
	onChange func(Network, *WorkdirConfig, error)
}

// NewWatcher creates a Watcher over the four per-network config files
// rooted at dir. paths maps each network to its file name inside dir
// (e.g. "mainnet.yaml").
func NewWatcher(dir string, paths map[Network]string, log *zap.Logger, onChange func(Network, *WorkdirConfig, error)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{dir: dir, paths: paths, fs: fsw, log: log, onChange: onChange}, nil
}

// Run blocks, dispatching reload callbacks until the watcher is closed.
func (w *Watcher) Run() {
	byFile := make(map[string]Network, len(w.paths))
	for net, name := range w.paths {
		byFile[filepath.Join(w.dir, name)] = net
	}

	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			network, tracked := byFile[filepath.Clean(event.Name)]
			if !tracked {
				continue
			}
			cfg, err := Load(network, event.Name)
			if err != nil {
				w.log.Warn("configuration reload rejected, keeping prior configuration",
					zap.String("network", string(network)),
					zap.Error(err))
				w.onChange(network, nil, err)
				continue
			}
			w.onChange(network, cfg, nil)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Error("configuration watcher error", zap.Error(err))
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
