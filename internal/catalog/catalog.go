package catalog

import (
	"fmt"

	"flexllama/internal/config"
)

// Kind classifies what a model can serve.
type Kind string

const (
	KindChat      Kind = "chat"
	KindEmbedding Kind = "embedding"
	KindReranking Kind = "reranking"
	KindVision    Kind = "vision"
)

// ModelSpec is one immutable catalog entry.
type ModelSpec struct {
	Alias    string
	RunnerID string
	Path     string
	Kind     Kind
	cfg      config.ModelConfig
}

// Config returns the raw model configuration the spec was built from.
func (m ModelSpec) Config() config.ModelConfig { return m.cfg }

// Catalog is the immutable alias -> ModelSpec table. It is built once at
// startup and shared read-only by every component.
type Catalog struct {
	byAlias  map[string]ModelSpec
	order    []string
	byRunner map[string][]string
}

// New builds the catalog from validated configuration.
func New(cfg config.Config) (*Catalog, error) {
	c := &Catalog{
		byAlias:  make(map[string]ModelSpec, len(cfg.Models)),
		byRunner: make(map[string][]string),
	}
	for _, m := range cfg.Models {
		alias := m.Alias()
		if _, dup := c.byAlias[alias]; dup {
			return nil, fmt.Errorf("duplicate model alias %q", alias)
		}
		spec := ModelSpec{
			Alias:    alias,
			RunnerID: m.Runner,
			Path:     m.Model,
			Kind:     kindOf(m),
			cfg:      m,
		}
		c.byAlias[alias] = spec
		c.order = append(c.order, alias)
		c.byRunner[m.Runner] = append(c.byRunner[m.Runner], alias)
	}
	return c, nil
}

func kindOf(m config.ModelConfig) Kind {
	switch {
	case m.Reranking:
		return KindReranking
	case m.Embedding:
		return KindEmbedding
	case m.MMProj != "":
		return KindVision
	default:
		return KindChat
	}
}

// Lookup returns the spec for a public alias.
func (c *Catalog) Lookup(alias string) (ModelSpec, bool) {
	s, ok := c.byAlias[alias]
	return s, ok
}

// Aliases returns every alias in declaration order.
func (c *Catalog) Aliases() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// DefaultAlias returns the alias used when a request omits "model": the
// first declared model.
func (c *Catalog) DefaultAlias() string {
	if len(c.order) == 0 {
		return ""
	}
	return c.order[0]
}

// ForRunner returns the aliases assigned to a runner, in declaration order.
func (c *Catalog) ForRunner(runnerID string) []string {
	out := make([]string, len(c.byRunner[runnerID]))
	copy(out, c.byRunner[runnerID])
	return out
}
