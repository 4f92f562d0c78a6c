package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meeting-voice-lab/internal/logging"
)

type pair struct {
	jsonPath string
	wavPath  string
	mod      time.Time
}

// Prune removes recordings older than retention, then the oldest ones
// beyond maxFiles. Zero disables either limit. It returns how many pairs
// were removed.
func (s *Store) Prune(retention time.Duration, maxFiles int) int {
	if s == nil {
		return 0
	}
	files, err := os.ReadDir(s.Dir)
	if err != nil {
		logging.Debugw("archive: prune readDir failed", "dir", s.Dir, "err", err)
		return 0
	}
	var pairs []pair
	for _, fi := range files {
		name := fi.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		jsonPath := filepath.Join(s.Dir, name)
		info, err := fi.Info()
		if err != nil {
			continue
		}
		wavPath := strings.TrimSuffix(jsonPath, ".json") + ".wav"
		if b, err := os.ReadFile(jsonPath); err == nil {
			var sc Sidecar
			if json.Unmarshal(b, &sc) == nil && sc.WavPath != "" {
				wavPath = sc.WavPath
			}
		}
		pairs = append(pairs, pair{jsonPath: jsonPath, wavPath: wavPath, mod: info.ModTime()})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].mod.Before(pairs[j].mod) })

	removed := 0
	if retention > 0 {
		cutoff := time.Now().Add(-retention)
		for _, p := range pairs {
			if !p.mod.Before(cutoff) {
				break
			}
			p.remove()
			removed++
		}
	}
	if left := len(pairs) - removed; maxFiles > 0 && left > maxFiles {
		for _, p := range pairs[removed : removed+left-maxFiles] {
			p.remove()
			removed++
		}
	}
	if removed > 0 {
		logging.Infow("archive: pruned recordings", "dir", s.Dir, "removed", removed)
	}
	return removed
}

func (p pair) remove() {
	_ = os.Remove(p.jsonPath)
	if err := os.Remove(p.wavPath); err != nil && !os.IsNotExist(err) {
		logging.Debugw("archive: remove wav failed", "path", p.wavPath, "err", err)
	}
}

// StartCleaner prunes every interval until ctx is done. Caller must call
// wg.Add(1) first; the goroutine calls wg.Done on exit.
func (s *Store) StartCleaner(ctx context.Context, wg *sync.WaitGroup, retention, interval time.Duration, maxFiles int) {
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Prune(retention, maxFiles)
			}
		}
	}()
}
