package llm

import (
	"sort"
	"sync"
)

// Capabilities lists the input kinds and features a model accepts.
type Capabilities struct {
	Images    bool `json:"images"`
	Documents bool `json:"documents"`
	Tools     bool `json:"tools"`
	Reasoning bool `json:"reasoning"`
}

// ModelInfo is one entry of the model catalog.
type ModelInfo struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Icon          string       `json:"icon"`
	Provider      Provider     `json:"provider"`
	ProviderModel string       `json:"-"`
	Cost          int64        `json:"cost"`
	Capabilities  Capabilities `json:"capabilities"`
}

// DefaultCatalog returns the built-in model list.
func DefaultCatalog() []ModelInfo {
	return []ModelInfo{
		{
			ID: "gpt-4o-mini", Name: "GPT-4o mini", Icon: "openai",
			Provider: ProviderOpenAI, ProviderModel: "gpt-4o-mini", Cost: 1,
			Capabilities: Capabilities{Images: true, Documents: true, Tools: true},
		},
		{
			ID: "gpt-4o", Name: "GPT-4o", Icon: "openai",
			Provider: ProviderOpenAI, ProviderModel: "gpt-4o", Cost: 5,
			Capabilities: Capabilities{Images: true, Documents: true, Tools: true},
		},
		{
			ID: "claude-3-5-sonnet", Name: "Claude 3.5 Sonnet", Icon: "anthropic",
			Provider: ProviderAnthropic, ProviderModel: "claude-3-5-sonnet-20241022", Cost: 5,
			Capabilities: Capabilities{Documents: true},
		},
		{
			ID: "claude-3-5-haiku", Name: "Claude 3.5 Haiku", Icon: "anthropic",
			Provider: ProviderAnthropic, ProviderModel: "claude-3-5-haiku-20241022", Cost: 1,
			Capabilities: Capabilities{Documents: true},
		},
		{
			ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", Icon: "google",
			Provider: ProviderOpenRouter, ProviderModel: "google/gemini-2.0-flash-001", Cost: 1,
			Capabilities: Capabilities{Images: true, Documents: true, Tools: true},
		},
		{
			ID: "llama-3.3-70b", Name: "Llama 3.3 70B", Icon: "meta",
			Provider: ProviderOpenRouter, ProviderModel: "meta-llama/llama-3.3-70b-instruct", Cost: 1,
			Capabilities: Capabilities{Tools: true},
		},
		{
			ID: "deepseek-r1", Name: "DeepSeek R1", Icon: "deepseek",
			Provider: ProviderOpenRouter, ProviderModel: "deepseek/deepseek-r1", Cost: 3,
			Capabilities: Capabilities{Reasoning: true},
		},
	}
}

// Registry resolves catalog models to provider clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[Provider]Client
	models  map[string]ModelInfo
}

// NewRegistry creates a registry over the given clients. Clients are keyed
// by their Name.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{
		clients: make(map[Provider]Client),
		models:  make(map[string]ModelInfo),
	}
	for _, c := range clients {
		r.clients[Provider(c.Name())] = c
	}
	return r
}

// Register adds or replaces a catalog entry.
func (r *Registry) Register(models ...ModelInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range models {
		r.models[m.ID] = m
	}
}

// Lookup returns a model and its client. Models whose provider has no
// configured client are reported as missing.
func (r *Registry) Lookup(id string) (ModelInfo, Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	if !ok {
		return ModelInfo{}, nil, false
	}
	c, ok := r.clients[m.Provider]
	if !ok {
		return ModelInfo{}, nil, false
	}
	return m, c, true
}

// Models returns the available models ordered by cost, then name.
func (r *Registry) Models() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelInfo, 0, len(r.models))
	for _, m := range r.models {
		if _, ok := r.clients[m.Provider]; ok {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cost != out[j].Cost {
			return out[i].Cost < out[j].Cost
		}
		return out[i].Name < out[j].Name
	})
	return out
}
