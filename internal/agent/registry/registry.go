// Package registry holds the static catalogue of agent variants: how to
// launch each one, which wire framing it speaks and which parameter casing
// its mode/model calls expect.
package registry

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/kandev/acpbridge/pkg/acp/jsonrpc"
)

//go:embed agents.yaml
var defaultCatalogue []byte

// Casing is the key style an agent expects in mode/model parameters.
type Casing string

const (
	CasingCamel Casing = "camel"
	CasingSnake Casing = "snake"
)

// Variant describes one agent binary.
type Variant struct {
	ID          string            `yaml:"id" json:"id"`
	Name        string            `yaml:"name" json:"name"`
	Command     string            `yaml:"command" json:"command"`
	Args        []string          `yaml:"args" json:"args,omitempty"`
	LocalBin    string            `yaml:"localBin" json:"localBin,omitempty"`
	Match       []string          `yaml:"match" json:"-"`
	Env         map[string]string `yaml:"env" json:"-"`
	FramingName string            `yaml:"framing" json:"-"`
	ParamCasing Casing            `yaml:"paramCasing" json:"paramCasing"`

	Framing jsonrpc.Framing `yaml:"-" json:"framing"`
}

type catalogue struct {
	Version string     `yaml:"version"`
	Agents  []*Variant `yaml:"agents"`
}

// Registry is the loaded catalogue.
type Registry struct {
	variants []*Variant
	byID     map[string]*Variant
}

// Load reads the catalogue at path, or the embedded one when path is empty.
func Load(path string) (*Registry, error) {
	data := defaultCatalogue
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read agent catalogue: %w", err)
		}
	}
	return Parse(data)
}

// Parse builds a registry from YAML.
func Parse(data []byte) (*Registry, error) {
	var c catalogue
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse agent catalogue: %w", err)
	}

	r := &Registry{byID: make(map[string]*Variant, len(c.Agents))}
	for _, v := range c.Agents {
		if v.ID == "" {
			return nil, fmt.Errorf("agent catalogue entry without id")
		}
		if _, dup := r.byID[v.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id %q", v.ID)
		}
		if err := v.normalize(); err != nil {
			return nil, fmt.Errorf("agent %q: %w", v.ID, err)
		}
		r.variants = append(r.variants, v)
		r.byID[v.ID] = v
	}
	return r, nil
}

func (v *Variant) normalize() error {
	framing, err := jsonrpc.ParseFraming(v.FramingName)
	if err != nil {
		return err
	}
	v.Framing = framing
	switch v.ParamCasing {
	case "":
		v.ParamCasing = CasingCamel
	case CasingCamel, CasingSnake:
	default:
		return fmt.Errorf("unknown param casing %q", v.ParamCasing)
	}
	return nil
}

// Get returns the variant with the given id.
func (r *Registry) Get(id string) (*Variant, bool) {
	v, ok := r.byID[id]
	return v, ok
}

// List returns every variant in catalogue order.
func (r *Registry) List() []*Variant {
	out := make([]*Variant, len(r.variants))
	copy(out, r.variants)
	return out
}

// Resolve classifies an arbitrary command line by substring match against
// each variant's Match list. Unknown commands get newline framing and camel casing.
func (r *Registry) Resolve(command string, args []string) *Variant {
	haystack := strings.ToLower(strings.Join(append([]string{command}, args...), " "))
	for _, v := range r.variants {
		for _, m := range v.Match {
			if m != "" && strings.Contains(haystack, strings.ToLower(m)) {
				return v.withCommand(command, args)
			}
		}
	}
	return &Variant{
		ID:          "custom",
		Name:        filepath.Base(command),
		Command:     command,
		Args:        args,
		Framing:     jsonrpc.FramingNewline,
		ParamCasing: CasingCamel,
	}
}

func (v *Variant) withCommand(command string, args []string) *Variant {
	cp := *v
	cp.Command = command
	cp.Args = args
	return &cp
}

// WithOverrides returns a copy with non-empty framing and casing replaced.
func (v *Variant) WithOverrides(framing jsonrpc.Framing, casing Casing) *Variant {
	cp := *v
	if framing != "" {
		cp.Framing = framing
	}
	if casing != "" {
		cp.ParamCasing = casing
	}
	return &cp
}

// Params renders camelCase keys in the variant's casing.
func (v *Variant) Params(params map[string]any) map[string]any {
	if v == nil || v.ParamCasing != CasingSnake {
		return params
	}
	out := make(map[string]any, len(params))
	for k, val := range params {
		out[toSnake(k)] = val
	}
	return out
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
