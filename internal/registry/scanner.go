package registry

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"go.uber.org/zap"

	"github.com/wardenos/warden/internal/logging"
)

// DefaultPattern matches manifest files anywhere under the root.
const DefaultPattern = "**/*.manifest.{yaml,yml,toml,json}"

// Scanner finds module manifests under a directory tree.
type Scanner struct {
	root    string
	pattern string
	log     *logging.Logger
}

func NewScanner(root, pattern string, log *logging.Logger) *Scanner {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Scanner{root: root, pattern: pattern, log: log.Named("scanner")}
}

// Scan walks the root and returns matching manifest paths in sorted
// order, so boot loads are deterministic. A missing root is not an
// error; the daemon can run with nothing preloaded.
func (s *Scanner) Scan(ctx context.Context) ([]string, error) {
	if _, err := os.Stat(s.root); os.IsNotExist(err) {
		s.log.Warn("modules directory not found", zap.String("root", s.root))
		return nil, nil
	}

	var mu sync.Mutex
	found := []string{}
	conf := fastwalk.Config{Follow: false}

	err := fastwalk.Walk(&conf, s.root, func(p string, d os.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil || d.IsDir() {
			return nil
		}

		rel, rerr := filepath.Rel(s.root, p)
		if rerr != nil {
			return nil
		}
		matched, merr := doublestar.Match(s.pattern, filepath.ToSlash(rel))
		if merr != nil {
			return merr
		}
		if matched {
			mu.Lock()
			found = append(found, p)
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(found)
	s.log.Debug("scan complete",
		zap.String("root", s.root),
		zap.String("pattern", s.pattern),
		zap.Int("manifests", len(found)))
	return found, nil
}
