// Package loader builds flow definitions from YAML documents.
//
// Hooks and actions are referenced by name and resolved through a
// flow.Registry; guards and validations may instead be given as inline
// expressions, compiled with the expreval package. The loader only assembles
// the configuration; all structural invariants are enforced by
// flow.NewDefinition.
package loader

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/stateflow-go/flow"
	"github.com/dshills/stateflow-go/flow/expreval"
)

// Document is the YAML shape of a flow definition.
type Document struct {
	ID      string                  `yaml:"id"`
	Version string                  `yaml:"version"`
	Initial string                  `yaml:"initial"`
	States  map[string]stateDoc     `yaml:"states"`
	Global  []transitionDoc         `yaml:"global"`
	OnError string                  `yaml:"onError"`
}

type stateDoc struct {
	// Kind is atomic, final, parallel, or compound. Defaults to atomic;
	// final is shorthand for an atomic state with final: true.
	Kind        string          `yaml:"kind"`
	Final       bool            `yaml:"final"`
	Transitions []transitionDoc `yaml:"transitions"`
	OnEntry     string          `yaml:"onEntry"`
	OnExit      string          `yaml:"onExit"`
	Validation  *validationDoc  `yaml:"validation"`

	// Parallel fields.
	Regions []regionDoc `yaml:"regions"`

	// Compound fields.
	Initial  string   `yaml:"initial"`
	Children []string `yaml:"children"`
}

type regionDoc struct {
	Name    string   `yaml:"name"`
	Initial string   `yaml:"initial"`
	States  []string `yaml:"states"`
}

type transitionDoc struct {
	From  string `yaml:"from"`
	Event string `yaml:"event"`
	To    string `yaml:"to"`

	// Guard names a registered guard; When is an inline expression. At most
	// one may be set.
	Guard string `yaml:"guard"`
	When  string `yaml:"when"`

	Action string    `yaml:"action"`
	Retry  *retryDoc `yaml:"retry"`
}

type retryDoc struct {
	MaxAttempts int    `yaml:"maxAttempts"`
	Backoff     string `yaml:"backoff"`
	DelayMs     int    `yaml:"delayMs"`
}

type validationDoc struct {
	// Name references a registered validation; Expr is an inline expression.
	// At most one may be set.
	Name         string `yaml:"name"`
	Expr         string `yaml:"expr"`
	ErrorMessage string `yaml:"errorMessage"`
}

// Load reads a YAML document and assembles a validated definition. reg
// resolves hook and action names; it may be nil when the document references
// none.
func Load(r io.Reader, reg *flow.Registry) (*flow.FlowDefinition, error) {
	var doc Document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode flow document: %w", err)
	}
	return Build(&doc, reg)
}

// LoadFile is Load over a file path.
func LoadFile(path string, reg *flow.Registry) (*flow.FlowDefinition, error) {
	f, err := os.Open(path) // #nosec G304 -- path is operator-supplied configuration
	if err != nil {
		return nil, fmt.Errorf("failed to open flow document: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(f, reg)
}

// Build assembles a validated definition from an already-decoded document.
func Build(doc *Document, reg *flow.Registry) (*flow.FlowDefinition, error) {
	b := &builder{reg: reg}

	states := make(map[string]flow.StateNode, len(doc.States))
	for name, sd := range doc.States {
		node, err := b.state(name, sd)
		if err != nil {
			return nil, err
		}
		states[name] = node
	}

	global := make([]flow.Transition, 0, len(doc.Global))
	for _, td := range doc.Global {
		t, err := b.transition(td, true)
		if err != nil {
			return nil, err
		}
		global = append(global, t)
	}

	def := flow.FlowDefinition{
		ID:           doc.ID,
		Version:      doc.Version,
		InitialState: doc.Initial,
		States:       states,
		Global:       global,
	}
	if doc.OnError != "" {
		hook, err := b.action(doc.OnError)
		if err != nil {
			return nil, err
		}
		def.OnError = hook
	}

	return flow.NewDefinition(def)
}

type builder struct {
	reg *flow.Registry
}

func (b *builder) state(name string, sd stateDoc) (flow.StateNode, error) {
	onEntry, err := b.optionalAction(sd.OnEntry)
	if err != nil {
		return nil, fmt.Errorf("state %q: %w", name, err)
	}
	onExit, err := b.optionalAction(sd.OnExit)
	if err != nil {
		return nil, fmt.Errorf("state %q: %w", name, err)
	}

	switch sd.Kind {
	case "", "atomic", "final":
		transitions, err := b.transitions(sd.Transitions)
		if err != nil {
			return nil, fmt.Errorf("state %q: %w", name, err)
		}
		validation, err := b.validation(sd.Validation)
		if err != nil {
			return nil, fmt.Errorf("state %q: %w", name, err)
		}
		return &flow.AtomicState{
			Name:        name,
			Final:       sd.Final || sd.Kind == "final",
			Transitions: transitions,
			OnEntry:     onEntry,
			OnExit:      onExit,
			Validation:  validation,
		}, nil

	case "parallel":
		transitions, err := b.transitions(sd.Transitions)
		if err != nil {
			return nil, fmt.Errorf("state %q: %w", name, err)
		}
		regions := make([]flow.Region, 0, len(sd.Regions))
		for _, rd := range sd.Regions {
			regions = append(regions, flow.Region{
				Name:         rd.Name,
				InitialState: rd.Initial,
				States:       rd.States,
			})
		}
		return &flow.ParallelState{
			Name:        name,
			Regions:     regions,
			Transitions: transitions,
			OnEntry:     onEntry,
			OnExit:      onExit,
		}, nil

	case "compound":
		return &flow.CompoundState{
			Name:            name,
			InitialSubState: sd.Initial,
			ChildStates:     sd.Children,
			OnEntry:         onEntry,
			OnExit:          onExit,
			Final:           sd.Final,
		}, nil

	default:
		return nil, fmt.Errorf("state %q: unknown kind %q", name, sd.Kind)
	}
}

func (b *builder) transitions(docs []transitionDoc) ([]flow.Transition, error) {
	out := make([]flow.Transition, 0, len(docs))
	for _, td := range docs {
		t, err := b.transition(td, false)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (b *builder) transition(td transitionDoc, global bool) (flow.Transition, error) {
	t := flow.Transition{Event: td.Event, To: td.To}
	if global {
		t.From = td.From
	}

	switch {
	case td.Guard != "" && td.When != "":
		return t, fmt.Errorf("transition %q: guard and when are mutually exclusive", td.Event)
	case td.Guard != "":
		if b.reg == nil {
			return t, fmt.Errorf("transition %q: no registry to resolve guard %q", td.Event, td.Guard)
		}
		guard, ok := b.reg.Guard(td.Guard)
		if !ok {
			return t, fmt.Errorf("transition %q: guard %q not registered", td.Event, td.Guard)
		}
		t.Guard = guard
	case td.When != "":
		guard, err := expreval.Guard(td.When)
		if err != nil {
			return t, fmt.Errorf("transition %q: %w", td.Event, err)
		}
		t.Guard = guard
	}

	if td.Action != "" {
		action, err := b.action(td.Action)
		if err != nil {
			return t, fmt.Errorf("transition %q: %w", td.Event, err)
		}
		t.Action = action
	}

	if td.Retry != nil {
		t.Retry = &flow.RetryPolicy{
			MaxAttempts: td.Retry.MaxAttempts,
			Backoff:     flow.Backoff(td.Retry.Backoff),
			Delay:       time.Duration(td.Retry.DelayMs) * time.Millisecond,
		}
	}

	return t, nil
}

func (b *builder) validation(vd *validationDoc) (*flow.Validation, error) {
	if vd == nil {
		return nil, nil
	}
	switch {
	case vd.Name != "" && vd.Expr != "":
		return nil, fmt.Errorf("validation: name and expr are mutually exclusive")
	case vd.Name != "":
		if b.reg == nil {
			return nil, fmt.Errorf("no registry to resolve validation %q", vd.Name)
		}
		predicate, ok := b.reg.Validation(vd.Name)
		if !ok {
			return nil, fmt.Errorf("validation %q not registered", vd.Name)
		}
		return &flow.Validation{Predicate: predicate, ErrorMessage: vd.ErrorMessage}, nil
	case vd.Expr != "":
		predicate, err := expreval.Validate(vd.Expr)
		if err != nil {
			return nil, err
		}
		return &flow.Validation{Predicate: predicate, ErrorMessage: vd.ErrorMessage}, nil
	default:
		return nil, fmt.Errorf("validation requires a name or an expr")
	}
}

func (b *builder) action(name string) (flow.HookFunc, error) {
	if b.reg == nil {
		return nil, fmt.Errorf("no registry to resolve action %q", name)
	}
	action, ok := b.reg.Action(name)
	if !ok {
		return nil, fmt.Errorf("action %q not registered", name)
	}
	return action, nil
}

func (b *builder) optionalAction(name string) (flow.HookFunc, error) {
	if name == "" {
		return nil, nil
	}
	return b.action(name)
}
