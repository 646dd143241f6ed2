// Package credential maps model names to the API credentials that serve
// them.
package credential

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Credential is one API key slot. The scheduler runs at most one shard at
// a time against it.
type Credential struct {
	ID int `yaml:"id"`
	// APIKeyEnv names the secret holding the key.
	APIKeyEnv         string  `yaml:"api_key_env"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Pool is read-only after construction and safe for concurrent use.
type Pool struct {
	creds    []Credential
	byID     map[int]int
	classes  map[string]int
	limiters map[int]*rate.Limiter
	fallback int
	logger   *zap.Logger
}

// NewPool validates creds and the class table. Class names are matched
// case-insensitively. IDs must not be negative. Models whose class is
// unknown go to credential 0, or to the lowest ID when 0 is not configured.
func NewPool(creds []Credential, classes map[string]int, logger *zap.Logger) (*Pool, error) {
	if len(creds) == 0 {
		return nil, fmt.Errorf("credential pool is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		creds:    append([]Credential(nil), creds...),
		byID:     make(map[int]int, len(creds)),
		classes:  make(map[string]int, len(classes)),
		limiters: make(map[int]*rate.Limiter),
		logger:   logger,
	}
	sort.Slice(p.creds, func(i, j int) bool { return p.creds[i].ID < p.creds[j].ID })
	for i, c := range p.creds {
		if c.ID < 0 {
			return nil, fmt.Errorf("credential id %d must not be negative", c.ID)
		}
		if _, dup := p.byID[c.ID]; dup {
			return nil, fmt.Errorf("duplicate credential id %d", c.ID)
		}
		if c.RequestsPerSecond < 0 || c.Burst < 0 {
			return nil, fmt.Errorf("credential %d: negative rate limit", c.ID)
		}
		p.byID[c.ID] = i
		if c.RequestsPerSecond > 0 {
			burst := c.Burst
			if burst == 0 {
				burst = 1
			}
			p.limiters[c.ID] = rate.NewLimiter(rate.Limit(c.RequestsPerSecond), burst)
		}
	}
	p.fallback = p.creds[0].ID
	if _, ok := p.byID[0]; ok {
		p.fallback = 0
	}
	for class, id := range classes {
		if _, ok := p.byID[id]; !ok {
			return nil, fmt.Errorf("class %q maps to unknown credential %d", class, id)
		}
		name := strings.ToLower(strings.TrimSpace(class))
		if name == "" {
			return nil, fmt.Errorf("empty class name")
		}
		p.classes[name] = id
	}
	return p, nil
}

func tokens(model string) []string {
	return strings.FieldsFunc(model, func(r rune) bool {
		switch r {
		case '-', '_', '/', ':':
			return true
		}
		return false
	})
}

// ClassOf returns the class that matches model: the whole lowercased name
// first, then each of its tokens in order.
func (p *Pool) ClassOf(model string) (string, bool) {
	name := strings.ToLower(strings.TrimSpace(model))
	if _, ok := p.classes[name]; ok {
		return name, true
	}
	for _, tok := range tokens(name) {
		if _, ok := p.classes[tok]; ok {
			return tok, true
		}
	}
	return "", false
}

// AssignCredential returns the credential id for model. It never fails;
// unknown classes fall back to the lowest credential id.
func (p *Pool) AssignCredential(model string) int {
	if class, ok := p.ClassOf(model); ok {
		return p.classes[class]
	}
	p.logger.Warn("no credential class for model, using fallback",
		zap.String("model", model),
		zap.Int("credential", p.fallback))
	return p.fallback
}

// Credentials returns the pool's credentials ordered by id.
func (p *Pool) Credentials() []Credential {
	return append([]Credential(nil), p.creds...)
}

func (p *Pool) Get(id int) (Credential, bool) {
	i, ok := p.byID[id]
	if !ok {
		return Credential{}, false
	}
	return p.creds[i], true
}

// Limiter returns the request limiter for id, or nil when the credential
// is unlimited.
func (p *Pool) Limiter(id int) *rate.Limiter {
	return p.limiters[id]
}
