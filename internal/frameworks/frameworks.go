// Package frameworks describes the agent frameworks, models and vector
// stores whose requests are measured. The catalog is built once at startup
// and passed to the components that need it.
package frameworks

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

type ID string

const (
	LangGraph  ID = "langgraph"
	AutoGen    ID = "autogen"
	LlamaIndex ID = "llamaindex"
	DSPy       ID = "dspy"
)

// AllIDs lists every supported framework in display order.
func AllIDs() []ID {
	return []ID{LangGraph, AutoGen, LlamaIndex, DSPy}
}

func ParseID(raw string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(raw)))
	switch id {
	case LangGraph, AutoGen, LlamaIndex, DSPy:
		return id, nil
	default:
		return "", fmt.Errorf("unknown framework %q", raw)
	}
}

type Framework interface {
	ID() ID
	DisplayName() string
	// SupportedModels is the set of models the framework adapter can drive.
	SupportedModels() []string
}

// New returns the implementation for id.
func New(id ID) (Framework, error) {
	switch id {
	case LangGraph:
		return langGraph{}, nil
	case AutoGen:
		return autoGen{}, nil
	case LlamaIndex:
		return llamaIndex{}, nil
	case DSPy:
		return dspy{}, nil
	default:
		return nil, fmt.Errorf("unknown framework %q", id)
	}
}

var (
	openAIModels = []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1", "gpt-4.1-mini", "gpt-3.5-turbo"}
	groqModels   = []string{"llama3-8b-8192", "gemma2-9b-it", "llama-3.3-70b-versatile"}
	googleModels = []string{"gemini-2.0-flash"}
)

func allModels() []string {
	return slices.Concat(openAIModels, groqModels, googleModels)
}

type langGraph struct{}

func (langGraph) ID() ID                    { return LangGraph }
func (langGraph) DisplayName() string       { return "LangGraph" }
func (langGraph) SupportedModels() []string { return allModels() }

// autoGen only wires OpenAI-compatible chat clients.
type autoGen struct{}

func (autoGen) ID() ID                    { return AutoGen }
func (autoGen) DisplayName() string       { return "AutoGen" }
func (autoGen) SupportedModels() []string { return slices.Clone(openAIModels) }

type llamaIndex struct{}

func (llamaIndex) ID() ID                    { return LlamaIndex }
func (llamaIndex) DisplayName() string       { return "LlamaIndex" }
func (llamaIndex) SupportedModels() []string { return slices.Concat(openAIModels, groqModels) }

type dspy struct{}

func (dspy) ID() ID                    { return DSPy }
func (dspy) DisplayName() string       { return "DSPy" }
func (dspy) SupportedModels() []string { return allModels() }

// Provider names the LLM vendor serving model, or "unknown".
func Provider(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	switch {
	case slices.Contains(openAIModels, model), strings.HasPrefix(model, "gpt-"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return "openai"
	case slices.Contains(groqModels, model), strings.HasPrefix(model, "llama"), strings.HasPrefix(model, "gemma"), strings.HasPrefix(model, "mixtral"):
		return "groq"
	case strings.HasPrefix(model, "gemini"):
		return "google"
	default:
		return "unknown"
	}
}

// DefaultVectorStores are the stores the RAG layer ships indexes for.
func DefaultVectorStores() []string {
	return []string{"faiss", "chroma", "annoy"}
}

type Catalog struct {
	frameworks   map[ID]Framework
	order        []ID
	vectorStores []string
}

// NewCatalog builds a catalog of the given frameworks and vector stores.
// Empty arguments select every framework and the default stores.
func NewCatalog(names []string, vectorStores []string) (*Catalog, error) {
	ids := make([]ID, 0, len(names))
	for _, name := range names {
		id, err := ParseID(name)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		ids = AllIDs()
	}

	c := &Catalog{frameworks: make(map[ID]Framework, len(ids)), order: ids}
	for _, id := range ids {
		fw, err := New(id)
		if err != nil {
			return nil, err
		}
		c.frameworks[id] = fw
	}

	for _, store := range vectorStores {
		store = strings.ToLower(strings.TrimSpace(store))
		if store == "" {
			return nil, fmt.Errorf("vector store name cannot be empty")
		}
		if !slices.Contains(c.vectorStores, store) {
			c.vectorStores = append(c.vectorStores, store)
		}
	}
	if len(c.vectorStores) == 0 {
		c.vectorStores = DefaultVectorStores()
	}
	return c, nil
}

// DefaultCatalog holds every framework and the default vector stores.
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog(nil, nil)
	return c
}

func (c *Catalog) Get(id ID) (Framework, bool) {
	fw, ok := c.frameworks[id]
	return fw, ok
}

// Lookup resolves a free-form framework tag.
func (c *Catalog) Lookup(name string) (Framework, bool) {
	id, err := ParseID(name)
	if err != nil {
		return nil, false
	}
	return c.Get(id)
}

func (c *Catalog) Frameworks() []Framework {
	out := make([]Framework, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.frameworks[id])
	}
	return out
}

func (c *Catalog) VectorStores() []string {
	return slices.Clone(c.vectorStores)
}

func (c *Catalog) HasVectorStore(name string) bool {
	return slices.Contains(c.vectorStores, strings.ToLower(strings.TrimSpace(name)))
}

// Models is the sorted union of models supported by catalog frameworks.
func (c *Catalog) Models() []string {
	seen := map[string]struct{}{}
	for _, fw := range c.frameworks {
		for _, model := range fw.SupportedModels() {
			seen[model] = struct{}{}
		}
	}
	models := make([]string, 0, len(seen))
	for model := range seen {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}

// Tags canonicalizes the framework and vector store labels attached to a
// metric. Unknown values are lowercased and kept so that no request goes
// unrecorded; known reports whether both resolved against the catalog.
func (c *Catalog) Tags(framework, vectorStore string) (fw string, vs string, known bool) {
	fw = strings.ToLower(strings.TrimSpace(framework))
	vs = strings.ToLower(strings.TrimSpace(vectorStore))
	_, fwKnown := c.Lookup(fw)
	vsKnown := vs == "" || c.HasVectorStore(vs)
	return fw, vs, fwKnown && vsKnown
}

// Warnings lists the ways an interaction's tags fall outside the catalog.
// They never block recording; an empty result means every tag resolved.
func (c *Catalog) Warnings(framework, model, vectorStore string) []string {
	warnings := make([]string, 0, 3)
	fw, ok := c.Lookup(framework)
	switch {
	case strings.TrimSpace(framework) == "":
		warnings = append(warnings, "framework is empty; recorded as unknown")
	case !ok:
		warnings = append(warnings, fmt.Sprintf("framework %q is not enabled", framework))
	}
	if vs := strings.TrimSpace(vectorStore); vs != "" && !c.HasVectorStore(vs) {
		warnings = append(warnings, fmt.Sprintf("vector store %q is not enabled", vectorStore))
	}
	if ok && strings.TrimSpace(model) != "" && !slices.Contains(fw.SupportedModels(), strings.ToLower(strings.TrimSpace(model))) {
		warnings = append(warnings, fmt.Sprintf("model %q is not supported by %s", model, fw.DisplayName()))
	}
	return warnings
}
