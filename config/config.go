// Package config loads an AgentDescriptor from YAML. The core
// never imports concrete tool/provider/memory packages, so the
// loader resolves the string names it reads from YAML against
// caller-supplied registries rather than constructing anything itself.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"goa.design/agentcore/guardrail"
	"goa.design/agentcore/memory"
	"goa.design/agentcore/model"
	"goa.design/agentcore/tools"
)

// GuardrailRef names a built-in or registered guardrail by id, with its
// configurable knobs (word lists, digit thresholds, modes) passed through
// opaquely.
type GuardrailRef struct {
	ID      string         `yaml:"id"`
	Options map[string]any `yaml:"options"`
}

// Document is the on-disk shape of one agent's static configuration,
// before names are resolved against registries.
type Document struct {
	ID           string         `yaml:"id"`
	Name         string         `yaml:"name"`
	Instructions string         `yaml:"instructions"`
	Model        string         `yaml:"model"`
	Provider     string         `yaml:"provider"`
	Tools        []string       `yaml:"tools"`
	SubAgents    []string       `yaml:"subAgents"`
	Retriever    string         `yaml:"retriever,omitempty"`
	Memory       string         `yaml:"memory,omitempty"`
	MaxHistory   int            `yaml:"maxHistory"`
	Markdown     bool           `yaml:"markdown"`
	InputGuards  []GuardrailRef `yaml:"inputGuardrails"`
	OutputGuards []GuardrailRef `yaml:"outputGuardrails"`
}

const defaultMaxHistory = 100

// SetDefaults fills zero-valued fields with their defaults.
func (d *Document) SetDefaults() {
	if d.MaxHistory == 0 {
		d.MaxHistory = defaultMaxHistory
	}
}

// Validate reports the minimal shape a Document must satisfy to be loadable.
func (d *Document) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("config: agent descriptor missing id")
	}
	if d.Name == "" {
		return fmt.Errorf("config: agent descriptor %q missing name", d.ID)
	}
	if d.Model == "" {
		return fmt.Errorf("config: agent descriptor %q missing model", d.ID)
	}
	return nil
}

// ToolRegistry resolves a tool name to a wrapped Handle. Callers own the
// concrete tool implementations; the core only ever sees Handle.
type ToolRegistry interface {
	Tool(name string) (tools.Handle, bool)
}

// ProviderRegistry resolves a provider name to a model.Provider.
type ProviderRegistry interface {
	Provider(name string) (model.Provider, bool)
}

// MemoryRegistry resolves a memory backend name.
type MemoryRegistry interface {
	Backend(name string) (memory.Backend, bool)
}

// GuardrailRegistry resolves a guardrail id (a built-in, or a
// caller-registered custom guardrail) plus its options into an input or
// output guardrail value.
type GuardrailRegistry interface {
	InputGuardrail(ref GuardrailRef) (guardrail.InputGuardrail, bool)
	OutputGuardrail(ref GuardrailRef) (guardrail.OutputGuardrail, bool)
}

// Registries bundles every lookup Resolve needs. A nil registry simply
// yields no matches for that category, rather than failing the whole load.
type Registries struct {
	Tools      ToolRegistry
	Providers  ProviderRegistry
	Memories   MemoryRegistry
	Guardrails GuardrailRegistry
}

// Descriptor is the resolved, ready-to-construct-an-Agent-from shape of an
// AgentDescriptor: every name in Document has been looked up.
type Descriptor struct {
	ID           string
	Name         string
	Instructions string
	ModelName    string
	Provider     model.Provider
	Tools        []tools.Handle
	SubAgentIDs  []string
	MemoryStore  memory.Backend
	MaxHistory   int
	Markdown     bool
	InputGuards  []guardrail.InputGuardrail
	OutputGuards []guardrail.OutputGuardrail

	// UnresolvedTools/UnresolvedGuardrails record names the registries
	// couldn't find, so a caller can decide whether a missing optional
	// dependency should hard-fail construction.
	UnresolvedTools      []string
	UnresolvedGuardrails []string
}

// Load reads and parses path into a Document, applying defaults and running
// Validate.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes raw YAML bytes into a Document.
func Parse(raw []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parsing document: %w", err)
	}
	doc.SetDefaults()
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Resolve turns a parsed Document into a Descriptor by looking every named
// dependency up in reg. Sub-agents resolve to bare ids, never owning
// pointers, so the orchestrator wires them up through its own registry.
func Resolve(doc *Document, reg Registries) (*Descriptor, error) {
	d := &Descriptor{
		ID:           doc.ID,
		Name:         doc.Name,
		Instructions: doc.Instructions,
		ModelName:    doc.Model,
		SubAgentIDs:  append([]string(nil), doc.SubAgents...),
		MaxHistory:   doc.MaxHistory,
		Markdown:     doc.Markdown,
	}

	if doc.Provider != "" && reg.Providers != nil {
		if p, ok := reg.Providers.Provider(doc.Provider); ok {
			d.Provider = p
		} else {
			return nil, fmt.Errorf("config: unknown provider %q for agent %q", doc.Provider, doc.ID)
		}
	}

	if doc.Memory != "" && reg.Memories != nil {
		if m, ok := reg.Memories.Backend(doc.Memory); ok {
			d.MemoryStore = m
		}
	}

	if reg.Tools != nil {
		for _, name := range doc.Tools {
			if h, ok := reg.Tools.Tool(name); ok {
				d.Tools = append(d.Tools, h)
			} else {
				d.UnresolvedTools = append(d.UnresolvedTools, name)
			}
		}
	} else {
		d.UnresolvedTools = append(d.UnresolvedTools, doc.Tools...)
	}

	if reg.Guardrails != nil {
		for _, ref := range doc.InputGuards {
			if g, ok := reg.Guardrails.InputGuardrail(ref); ok {
				d.InputGuards = append(d.InputGuards, g)
			} else {
				d.UnresolvedGuardrails = append(d.UnresolvedGuardrails, ref.ID)
			}
		}
		for _, ref := range doc.OutputGuards {
			if g, ok := reg.Guardrails.OutputGuardrail(ref); ok {
				d.OutputGuards = append(d.OutputGuards, g)
			} else {
				d.UnresolvedGuardrails = append(d.UnresolvedGuardrails, ref.ID)
			}
		}
	} else {
		for _, ref := range append(append([]GuardrailRef(nil), doc.InputGuards...), doc.OutputGuards...) {
			d.UnresolvedGuardrails = append(d.UnresolvedGuardrails, ref.ID)
		}
	}

	return d, nil
}

// LoadAgentConfig reads path, parses it, and resolves it against reg in one
// call, the common case for process startup.
func LoadAgentConfig(path string, reg Registries) (*Descriptor, error) {
	doc, err := Load(path)
	if err != nil {
		return nil, err
	}
	return Resolve(doc, reg)
}
