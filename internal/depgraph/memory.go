package depgraph

import (
	"context"
	"sort"
	"sync"
)

// MemGraph is an in-memory Graph for the memory db driver and tests.
type MemGraph struct {
	mu   sync.RWMutex
	rels map[[3]string]Relationship
}

func NewMemGraph() *MemGraph {
	return &MemGraph{rels: make(map[[3]string]Relationship)}
}

func (g *MemGraph) Consumers(_ context.Context, repo string) ([]Edge, error) {
	return g.collect(func(r Relationship) (string, bool) {
		return r.Source, r.Target == repo && r.Type == TypeConsumes
	}), nil
}

func (g *MemGraph) Providers(_ context.Context, repo string) ([]Edge, error) {
	return g.collect(func(r Relationship) (string, bool) {
		return r.Target, r.Source == repo
	}), nil
}

func (g *MemGraph) TemplateDerivatives(_ context.Context, repo string) ([]Edge, error) {
	return g.collect(func(r Relationship) (string, bool) {
		return r.Source, r.Target == repo && r.Type == TypeTemplate
	}), nil
}

func (g *MemGraph) Upsert(_ context.Context, rel Relationship) error {
	if rel.Type == "" {
		rel.Type = TypeConsumes
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rels[[3]string{rel.Source, rel.Target, rel.Type}] = rel
	return nil
}

func (g *MemGraph) collect(match func(Relationship) (string, bool)) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Edge
	for _, r := range g.rels {
		if repo, ok := match(r); ok {
			out = append(out, Edge{Repository: repo, Type: r.Type, Strength: r.Strength})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return out[i].Repository < out[j].Repository
	})
	return out
}
