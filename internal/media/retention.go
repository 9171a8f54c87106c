package media

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Retention keeps only the newest segments in an HLS directory. ffmpeg already
// deletes old segments itself; this catches the ones left behind after a crash or
// restart.
type Retention struct {
	dir     string
	keep    int
	watcher *fsnotify.Watcher
	log     zerolog.Logger

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewRetention(dir string, keep int, log zerolog.Logger) (*Retention, error) {
	if keep < 1 {
		keep = 1
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	r := &Retention{
		dir:     dir,
		keep:    keep,
		watcher: w,
		log:     log,
		done:    make(chan struct{}),
	}
	r.Prune()

	r.wg.Add(1)
	go r.loop()
	return r, nil
}

func (r *Retention) loop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create != 0 && isSegment(ev.Name) {
				r.Prune()
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn().Err(err).Msg("segment watcher error")
		}
	}
}

// Prune removes all but the newest keep segments and returns how many it deleted.
func (r *Retention) Prune() int {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0
	}

	type seg struct {
		name string
		mod  int64
	}
	var segs []seg
	for _, e := range entries {
		if e.IsDir() || !isSegment(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		segs = append(segs, seg{name: e.Name(), mod: info.ModTime().UnixNano()})
	}
	if len(segs) <= r.keep {
		return 0
	}

	sort.Slice(segs, func(i, j int) bool {
		if segs[i].mod != segs[j].mod {
			return segs[i].mod > segs[j].mod
		}
		return segs[i].name > segs[j].name
	})

	removed := 0
	for _, s := range segs[r.keep:] {
		if err := os.Remove(filepath.Join(r.dir, s.name)); err == nil {
			removed++
		}
	}
	if removed > 0 {
		r.log.Debug().Int("removed", removed).Msg("pruned old segments")
	}
	return removed
}

func (r *Retention) Close() {
	r.once.Do(func() {
		close(r.done)
		r.watcher.Close()
		r.wg.Wait()
	})
}

func isSegment(name string) bool {
	return strings.HasSuffix(filepath.Base(name), ".ts")
}
