// Package seed watches a directory for dropped op-log files and feeds them
// into OpStore as remote operations. spec §1 treats the demo's initial
// seeding as an external collaborator with a real interface; this is that
// interface's Go-native form, built in the teacher's plain-loop style
// (the teacher itself has no seeding code to ground this on directly).
package seed

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"

	"github.com/collabtree/treecrdt"
	"github.com/collabtree/treecrdt/wire"
)

// Watcher watches dir for new files and decodes each as a batch of
// operations, applying them via apply.
type Watcher struct {
	watcher *fsnotify.Watcher
	dir     string
	apply   func(treecrdt.Operation)
	done    chan struct{}
}

// Watch starts watching dir. Every create/write event on a regular file
// is read, decoded as a msgpack batch of operations, and applied.
func Watch(dir string, apply func(treecrdt.Operation)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{watcher: fw, dir: dir, apply: apply, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

// Close stops watching and releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.ingest(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			glog.Errorf("[seed] watch error on %s: %v", w.dir, err)
		}
	}
}

func (w *Watcher) ingest(path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	b, err := os.ReadFile(path)
	if err != nil {
		glog.Errorf("[seed] read %s: %v", path, err)
		return
	}
	ops, err := wire.DecodeBatch(b)
	if err != nil {
		glog.Errorf("[seed] decode %s: %v", path, err)
		return
	}
	glog.Infof("[seed] ingesting %d ops from %s", len(ops), filepath.Base(path))
	for _, op := range ops {
		w.apply(op)
	}
}
