package auth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ggoodman/wwwauth-go/challenge"
)

// Policy is the table of schemes a Registry refuses to hand out
// authenticators for, regardless of what providers are registered.
//
// A Policy is safe for concurrent use and may be replaced in place while
// registries consult it.
type Policy struct {
	mu         sync.RWMutex
	prohibited map[string]struct{}
}

// DefaultPolicy prohibits Basic and Digest.
func DefaultPolicy() *Policy {
	return NewPolicy(challenge.Basic, challenge.Digest)
}

// NewPolicy returns a Policy prohibiting the given schemes.
func NewPolicy(prohibited ...string) *Policy {
	p := &Policy{prohibited: make(map[string]struct{})}
	p.Prohibit(prohibited...)
	return p
}

// Allows reports whether scheme may be negotiated. A nil Policy allows
// everything.
func (p *Policy) Allows(scheme string) bool {
	if p == nil {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.prohibited[strings.ToLower(scheme)]
	return !ok
}

// Prohibit adds schemes to the prohibited set.
func (p *Policy) Prohibit(schemes ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range schemes {
		if s = strings.TrimSpace(s); s != "" {
			p.prohibited[strings.ToLower(s)] = struct{}{}
		}
	}
}

// Allow removes schemes from the prohibited set.
func (p *Policy) Allow(schemes ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range schemes {
		delete(p.prohibited, strings.ToLower(strings.TrimSpace(s)))
	}
}

// Prohibited returns the prohibited schemes in canonical form, sorted.
func (p *Policy) Prohibited() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.prohibited))
	for s := range p.prohibited {
		out = append(out, challenge.CanonicalScheme(s))
	}
	sort.Strings(out)
	return out
}

func (p *Policy) replace(from *Policy) {
	next := make(map[string]struct{}, len(from.prohibited))
	from.mu.RLock()
	for s := range from.prohibited {
		next[s] = struct{}{}
	}
	from.mu.RUnlock()

	p.mu.Lock()
	p.prohibited = next
	p.mu.Unlock()
}

// policyFile is the on-disk form:
//
//	prohibited: [Basic, Digest, NTLM]
//	allowed: [Basic]
//
// Defaults are applied first, then prohibited, then allowed.
type policyFile struct {
	Prohibited []string `yaml:"prohibited"`
	Allowed    []string `yaml:"allowed"`
}

// ParsePolicy decodes a YAML policy document on top of DefaultPolicy.
func ParsePolicy(data []byte) (*Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	p := DefaultPolicy()
	p.Prohibit(f.Prohibited...)
	p.Allow(f.Allowed...)
	return p, nil
}

// LoadPolicyFile reads a YAML policy document from path.
func LoadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(data)
}

// WatchPolicyFile reloads path into p whenever it changes, until ctx is
// done. The file is loaded once before watching starts; an error from that
// first load is returned. Later reload failures are logged and leave p
// unchanged.
//
// The parent directory is watched rather than the file so that editors
// replacing the file by rename are picked up.
func WatchPolicyFile(ctx context.Context, path string, p *Policy, log *slog.Logger) error {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	initial, err := LoadPolicyFile(path)
	if err != nil {
		return err
	}
	p.replace(initial)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch policy: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = w.Close()
		return fmt.Errorf("watch policy: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch policy: %w", err)
	}

	go func() {
		defer func() {
			_ = w.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				next, err := LoadPolicyFile(abs)
				if err != nil {
					log.DebugContext(ctx, "policy reload failed", slog.String("path", abs), slog.String("err", err.Error()))
					continue
				}
				p.replace(next)
				log.DebugContext(ctx, "policy reloaded", slog.String("path", abs), slog.Any("prohibited", next.Prohibited()))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.DebugContext(ctx, "policy watcher error", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}
