package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/xela07ax/spaceai-mesh/internal/domain"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// RuleSet: формат файла правил встроенного PDP
//
//	default_effect: deny
//	rules:
//	  - id: sales-crm
//	    requester: "sales-*"
//	    target: crm-db
//	    operation: query
//	    effect: allow
//	    mask: [email, phone]
type RuleSet struct {
	DefaultEffect domain.PolicyEffect `yaml:"default_effect"`
	Rules         []domain.PolicyRule `yaml:"rules"`
}

// StaticEngine реализует встроенный PDP. Первое совпавшее правило побеждает, иначе default_effect.
// Хранит только правила; решения вычисляются на каждый запрос.
type StaticEngine struct {
	mu   sync.RWMutex
	set  RuleSet
	hash string
	file string
	// Эффект для файла без default_effect
	fallback domain.PolicyEffect
	logger   *zap.Logger
}

type EngineOption func(*StaticEngine)

// WithFallbackEffect задает эффект, если в файле правил default_effect не указан
func WithFallbackEffect(effect domain.PolicyEffect) EngineOption {
	return func(e *StaticEngine) {
		if effect != "" {
			e.fallback = effect
		}
	}
}

func NewStaticEngine(set RuleSet, logger *zap.Logger) *StaticEngine {
	return &StaticEngine{
		set:      normalize(set, domain.EffectDeny),
		fallback: domain.EffectDeny,
		logger:   logger.Named("policy.static"),
	}
}

// LoadStaticEngine читает правила из YAML. Отсутствующий файл: ошибка.
func LoadStaticEngine(file string, logger *zap.Logger, opts ...EngineOption) (*StaticEngine, error) {
	e := NewStaticEngine(RuleSet{}, logger)
	e.file = file
	for _, opt := range opts {
		opt(e)
	}
	if _, err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

func readRuleSet(file string) (RuleSet, string, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return RuleSet{}, "", fmt.Errorf("policy: read rules: %w", err)
	}
	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return RuleSet{}, "", fmt.Errorf("policy: parse rules: %w", err)
	}
	for i, r := range set.Rules {
		for _, p := range []string{r.Requester, r.Target, r.Operation} {
			if _, err := path.Match(p, ""); err != nil {
				return RuleSet{}, "", fmt.Errorf("policy: rule #%d (%s): bad pattern %q: %w", i, r.ID, p, err)
			}
		}
	}
	h := sha256.Sum256(data)
	return set, "sha256:" + hex.EncodeToString(h[:]), nil
}

func normalize(set RuleSet, fallback domain.PolicyEffect) RuleSet {
	if set.DefaultEffect == "" {
		set.DefaultEffect = fallback
	}
	rules := make([]domain.PolicyRule, len(set.Rules))
	for i, r := range set.Rules {
		if r.Requester == "" {
			r.Requester = "*"
		}
		if r.Target == "" {
			r.Target = "*"
		}
		if r.Operation == "" {
			r.Operation = "*"
		}
		r.Mask = append([]string(nil), r.Mask...)
		rules[i] = r
	}
	set.Rules = rules
	return set
}

// Reload перечитывает файл; при ошибке остаются прежние правила
func (e *StaticEngine) Reload() (string, error) {
	if e.file == "" {
		return "", fmt.Errorf("policy: engine has no rules file")
	}
	set, hash, err := readRuleSet(e.file)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	e.set = normalize(set, e.fallback)
	e.hash = hash
	e.mu.Unlock()

	e.logger.Info("policy rules loaded",
		zap.Int("count", len(set.Rules)),
		zap.String("hash", hash))
	return hash, nil
}

func (e *StaticEngine) SetRules(set RuleSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.set = normalize(set, e.fallback)
}

// Hash возвращает хеш последнего загруженного файла правил
func (e *StaticEngine) Hash() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hash
}

func (e *StaticEngine) DefaultEffect() domain.PolicyEffect {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.set.DefaultEffect
}

func (e *StaticEngine) Rules() []domain.PolicyRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]domain.PolicyRule(nil), e.set.Rules...)
}

func (e *StaticEngine) Evaluate(ctx context.Context, req Request) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	e.mu.RLock()
	rule, def := e.match(req), e.set.DefaultEffect
	e.mu.RUnlock()

	if rule == nil {
		if def == domain.EffectAllow {
			return Decision{Allow: true}, nil
		}
		return Decision{DenyReason: fmt.Sprintf("no policy allows %s to %s on %s", req.Requester, req.Operation, req.Target)}, nil
	}

	if rule.Decide() == domain.EffectDeny {
		reason := rule.Reason
		if reason == "" {
			reason = fmt.Sprintf("denied by policy %s", rule.ID)
		}
		return Decision{DenyReason: reason}, nil
	}

	masked := append([]string(nil), rule.Mask...)
	sort.Strings(masked)
	return Decision{Allow: true, MaskedFields: masked}, nil
}

// match вызывается под RLock
func (e *StaticEngine) match(req Request) *domain.PolicyRule {
	for i := range e.set.Rules {
		r := &e.set.Rules[i]
		if glob(r.Requester, req.Requester) && glob(r.Target, req.Target) && glob(r.Operation, req.Operation) {
			return r
		}
	}
	return nil
}

func glob(pattern, value string) bool {
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// Watch перечитывает файл правил при изменении. Следим за каталогом: редакторы
// и ConfigMap в k8s заменяют файл через rename. Блокируется до отмены ctx.
func (e *StaticEngine) Watch(ctx context.Context, onReload func(hash string, err error)) error {
	if e.file == "" {
		return fmt.Errorf("policy: engine has no rules file")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(e.file)); err != nil {
		return fmt.Errorf("failed to watch %q: %w", e.file, err)
	}
	target := filepath.Clean(e.file)

	// Debounce: ждем 300ms после последней записи
	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(300*time.Millisecond, func() {
					hash, err := e.Reload()
					if err != nil {
						e.logger.Error("policy hot-reload failed", zap.Error(err))
					}
					if onReload != nil {
						onReload(hash, err)
					}
				})
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}
