package metadata

import (
	"reflect"
	"sync"
)

// Provider declares handlers on a registry. Provider values are used as map
// keys by every loader, so they must be comparable; pointers are typical.
type Provider interface {
	Declare(reg *Registry)
}

// NamedProvider lets a provider choose the name used in logs and tick ids.
type NamedProvider interface {
	ProviderName() string
}

// ProviderName returns the provider's log name: ProviderName() when
// implemented, otherwise the dynamic type name without package or pointer.
func ProviderName(p Provider) string {
	if p == nil {
		return "<nil>"
	}
	if named, ok := p.(NamedProvider); ok {
		if name := named.ProviderName(); name != "" {
			return name
		}
	}
	t := reflect.TypeOf(p)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}

// Catalog describes each provider once and hands the same registry to every
// loader that asks for it.
type Catalog struct {
	mu   sync.Mutex
	regs map[Provider]*Registry
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{regs: make(map[Provider]*Registry)}
}

// Describe returns the provider's registry, calling Declare on first use.
func (c *Catalog) Describe(p Provider) *Registry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if reg, ok := c.regs[p]; ok {
		return reg
	}
	reg := NewRegistry()
	p.Declare(reg)
	c.regs[p] = reg
	return reg
}

// Forget drops the cached registry so the next Describe declares again.
func (c *Catalog) Forget(p Provider) {
	c.mu.Lock()
	delete(c.regs, p)
	c.mu.Unlock()
}

// Len reports how many providers have been described.
func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.regs)
}
