// Package catalog defines the declarative intent catalog: the patterns the
// matcher scores against and the intent → tool routing table the orchestrator
// resolves with.  Catalogs are loaded from YAML (or built in code) and fully
// validated up front so a missing route or bad slot regex is a startup error,
// never a runtime surprise.
package catalog

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/solari-hq/spine/internal/assistant/intent"
)

// Version is the catalog schema version accepted by this build.
const Version = 1

// Document is the top-level YAML structure.
type Document struct {
	Version int          `yaml:"version"`
	Intents []IntentSpec `yaml:"intents"`
}

// IntentSpec declares one intent: how to recognise it and where to route it.
type IntentSpec struct {
	// Name is the intent name, e.g. "invoices.refund".
	Name string `yaml:"name"`
	// Phrases are the example utterances scored by the matcher.
	Phrases []string `yaml:"phrases"`
	// Slots declares the entities extracted when this intent wins.
	Slots []SlotSpec `yaml:"slots"`
	// FollowsFrom lists intents this one is a logical follow-up to.
	FollowsFrom []string `yaml:"followsFrom"`
	// Route maps the intent to a tool invocation.
	Route RouteSpec `yaml:"route"`
}

// SlotSpec declares one extractable entity.
type SlotSpec struct {
	Name string `yaml:"name"`
	// Kind is "string" (default) or "number".
	Kind string `yaml:"kind"`
	// Pattern is a regular expression with exactly one capture group.
	Pattern string `yaml:"pattern"`
}

// RouteSpec binds an intent to a tool and describes how the tool input is
// built from the extracted slots.
type RouteSpec struct {
	// Tool is the registered tool name.
	Tool string `yaml:"tool"`
	// Input maps tool input fields to values.  A value starting with "$"
	// references a slot by name and is included only when the slot was
	// extracted; any other value is a literal.
	Input map[string]string `yaml:"input"`
}

// Route is the resolved routing entry for one intent.
type Route struct {
	Intent string
	Tool   string
	input  map[string]string
}

// BuildInput derives the tool input from the extracted slots.  Slot
// references with no extracted value are omitted, never defaulted to a
// placeholder.  The returned map is freshly allocated on every call.
func (r Route) BuildInput(slots map[string]any) map[string]any {
	input := make(map[string]any, len(r.input))
	for field, value := range r.input {
		if slotName, ok := strings.CutPrefix(value, "$"); ok {
			if v, present := slots[slotName]; present {
				input[field] = v
			}
			continue
		}
		input[field] = value
	}
	return input
}

// Catalog is a validated intent catalog.
type Catalog struct {
	intents []IntentSpec
	routes  map[string]Route
}

// Parse decodes a catalog YAML document and validates it.  It is the
// canonical entry point for loading catalogs from configuration.
func Parse(data []byte) (*Catalog, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog parse: %w", err)
	}
	return New(doc)
}

// New validates a Document and builds the Catalog.
func New(doc Document) (*Catalog, error) {
	if doc.Version != Version {
		return nil, fmt.Errorf("catalog version must be %d, got %d", Version, doc.Version)
	}
	if len(doc.Intents) == 0 {
		return nil, fmt.Errorf("catalog must declare at least one intent")
	}

	routes := make(map[string]Route, len(doc.Intents))
	seen := make(map[string]struct{}, len(doc.Intents))
	for i, spec := range doc.Intents {
		if strings.TrimSpace(spec.Name) == "" {
			return nil, fmt.Errorf("intents[%d]: name must not be empty", i)
		}
		if _, dup := seen[spec.Name]; dup {
			return nil, fmt.Errorf("intents[%d]: duplicate intent %q", i, spec.Name)
		}
		seen[spec.Name] = struct{}{}

		if len(spec.Phrases) == 0 {
			return nil, fmt.Errorf("intent %q: at least one phrase is required", spec.Name)
		}
		for _, slot := range spec.Slots {
			switch slot.Kind {
			case "", string(intent.SlotString), string(intent.SlotNumber):
			default:
				return nil, fmt.Errorf("intent %q: slot %q: unknown kind %q", spec.Name, slot.Name, slot.Kind)
			}
		}
		if strings.TrimSpace(spec.Route.Tool) == "" {
			return nil, fmt.Errorf("intent %q: route.tool must not be empty", spec.Name)
		}
		for field, value := range spec.Route.Input {
			if value == "$" {
				return nil, fmt.Errorf("intent %q: route.input[%q]: empty slot reference", spec.Name, field)
			}
			if slotName, ok := strings.CutPrefix(value, "$"); ok && !hasSlot(spec.Slots, slotName) {
				return nil, fmt.Errorf("intent %q: route.input[%q]: references undeclared slot %q", spec.Name, field, slotName)
			}
		}

		routes[spec.Name] = Route{
			Intent: spec.Name,
			Tool:   spec.Route.Tool,
			input:  spec.Route.Input,
		}
	}

	return &Catalog{intents: doc.Intents, routes: routes}, nil
}

// Patterns converts the catalog into the matcher's pattern form, preserving
// declaration order (the matcher tie-breaks by registration order).
func (c *Catalog) Patterns() []intent.Pattern {
	patterns := make([]intent.Pattern, 0, len(c.intents))
	for _, spec := range c.intents {
		p := intent.Pattern{
			Intent:      spec.Name,
			Phrases:     spec.Phrases,
			FollowsFrom: spec.FollowsFrom,
		}
		for _, slot := range spec.Slots {
			kind := intent.SlotKind(slot.Kind)
			if kind == "" {
				kind = intent.SlotString
			}
			p.Slots = append(p.Slots, intent.SlotPattern{
				Name:    slot.Name,
				Kind:    kind,
				Pattern: slot.Pattern,
			})
		}
		patterns = append(patterns, p)
	}
	return patterns
}

// Route returns the routing entry for the named intent.
func (c *Catalog) Route(intentName string) (Route, bool) {
	r, ok := c.routes[intentName]
	return r, ok
}

// Tools returns the distinct tool names referenced by the routing table.
// Used at startup to validate the catalog against the tool registry.
func (c *Catalog) Tools() []string {
	seen := make(map[string]struct{}, len(c.routes))
	var tools []string
	for _, spec := range c.intents {
		if _, dup := seen[spec.Route.Tool]; dup {
			continue
		}
		seen[spec.Route.Tool] = struct{}{}
		tools = append(tools, spec.Route.Tool)
	}
	return tools
}

func hasSlot(slots []SlotSpec, name string) bool {
	for _, s := range slots {
		if s.Name == name {
			return true
		}
	}
	return false
}
