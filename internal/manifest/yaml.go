package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sbtc/oss-medical-record/internal/domain"
)

type yamlDocument struct {
	APIVersion string       `yaml:"apiVersion"`
	Kind       string       `yaml:"kind"`
	Metadata   yamlMetadata `yaml:"metadata"`
	Spec       yamlSpec     `yaml:"spec"`
}

type yamlMetadata struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
}

type yamlSpec struct {
	Ordering string     `yaml:"ordering,omitempty"`
	Steps    []yamlStep `yaml:"steps"`
}

type yamlStep struct {
	Name      string          `yaml:"name"`
	DependsOn []string        `yaml:"dependsOn,omitempty"`
	Deploy    []yamlComponent `yaml:"deploy,omitempty"`
	Calls     []yamlCall      `yaml:"calls,omitempty"`
	Registry  []yamlDirective `yaml:"registry,omitempty"`
}

type yamlComponent struct {
	Name     string `yaml:"name"`
	Artifact string `yaml:"artifact,omitempty"`
	Args     []any  `yaml:"args,omitempty"`
	Logic    string `yaml:"logic,omitempty"`
}

type yamlCall struct {
	Target any    `yaml:"target"`
	Method string `yaml:"method"`
	Args   []any  `yaml:"args,omitempty"`
	Read   bool   `yaml:"read,omitempty"`
	Expect any    `yaml:"expect,omitempty"`
}

// yamlDirective accepts either {action, name} or the shorthand
// {register: NAME} / {upgrade: NAME}.
type yamlDirective struct {
	Action    string `yaml:"action,omitempty"`
	Name      string `yaml:"name,omitempty"`
	Register  string `yaml:"register,omitempty"`
	Upgrade   string `yaml:"upgrade,omitempty"`
	Component string `yaml:"component,omitempty"`
	Logic     string `yaml:"logic,omitempty"`
	Version   int    `yaml:"version,omitempty"`
}

// ParseYAML decodes a single YAML pipeline document. Unknown fields are
// rejected.
func ParseYAML(input []byte) (domain.PipelineSpec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(input))
	dec.KnownFields(true)

	var doc yamlDocument
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.PipelineSpec{}, errors.New("decode manifest: document is empty")
		}
		return domain.PipelineSpec{}, fmt.Errorf("decode manifest: %w", err)
	}
	return doc.toDomain()
}

func (d yamlDocument) toDomain() (domain.PipelineSpec, error) {
	spec := domain.PipelineSpec{
		APIVersion: d.APIVersion,
		Kind:       d.Kind,
		Metadata: domain.PipelineMetadata{
			Name:        d.Metadata.Name,
			Description: d.Metadata.Description,
			Labels:      d.Metadata.Labels,
		},
		Spec: domain.PipelineSpecBody{Ordering: domain.Ordering(strings.TrimSpace(d.Spec.Ordering))},
	}

	for i, s := range d.Spec.Steps {
		at := fmt.Sprintf("spec.steps[%d]", i)
		step := domain.PipelineStep{Name: strings.TrimSpace(s.Name), DependsOn: s.DependsOn}

		for j, c := range s.Deploy {
			cat := fmt.Sprintf("%s.deploy[%d]", at, j)
			args, err := parseArgs(c.Args)
			if err != nil {
				return domain.PipelineSpec{}, fmt.Errorf("%s.args: %w", cat, err)
			}
			logic, err := optionalArg(c.Logic)
			if err != nil {
				return domain.PipelineSpec{}, fmt.Errorf("%s.logic: %w", cat, err)
			}
			step.Deploy = append(step.Deploy, domain.ComponentDescriptor{
				Name:     strings.TrimSpace(c.Name),
				Artifact: strings.TrimSpace(c.Artifact),
				Args:     args,
				Logic:    logic,
			})
		}

		for j, c := range s.Calls {
			cat := fmt.Sprintf("%s.calls[%d]", at, j)
			if c.Target == nil {
				return domain.PipelineSpec{}, fmt.Errorf("%s.target is required", cat)
			}
			target, err := parseTarget(c.Target)
			if err != nil {
				return domain.PipelineSpec{}, fmt.Errorf("%s.target: %w", cat, err)
			}
			args, err := parseArgs(c.Args)
			if err != nil {
				return domain.PipelineSpec{}, fmt.Errorf("%s.args: %w", cat, err)
			}
			invocation := domain.Invocation{Target: target, Method: strings.TrimSpace(c.Method), Args: args, Read: c.Read}
			if c.Expect != nil {
				expect, err := domain.ParseArg(c.Expect)
				if err != nil {
					return domain.PipelineSpec{}, fmt.Errorf("%s.expect: %w", cat, err)
				}
				invocation.Expect = &expect
			}
			step.Calls = append(step.Calls, invocation)
		}

		for j, r := range s.Registry {
			rat := fmt.Sprintf("%s.registry[%d]", at, j)
			directive, err := r.toDomain()
			if err != nil {
				return domain.PipelineSpec{}, fmt.Errorf("%s: %w", rat, err)
			}
			step.Registry = append(step.Registry, directive)
		}

		spec.Spec.Steps = append(spec.Spec.Steps, step)
	}
	return spec, nil
}

func (r yamlDirective) toDomain() (domain.RegistryDirective, error) {
	action := strings.TrimSpace(r.Action)
	name := strings.TrimSpace(r.Name)
	set := 0
	if r.Register != "" {
		action, name = string(domain.DirectiveRegister), strings.TrimSpace(r.Register)
		set++
	}
	if r.Upgrade != "" {
		action, name = string(domain.DirectiveUpgrade), strings.TrimSpace(r.Upgrade)
		set++
	}
	if set > 1 || (set == 1 && (r.Action != "" || r.Name != "")) {
		return domain.RegistryDirective{}, errors.New("use either action/name or one of register/upgrade")
	}
	logic, err := optionalArg(r.Logic)
	if err != nil {
		return domain.RegistryDirective{}, fmt.Errorf("logic: %w", err)
	}
	return domain.RegistryDirective{
		Action:    domain.DirectiveAction(action),
		Name:      name,
		Component: strings.TrimSpace(r.Component),
		Logic:     logic,
		Version:   r.Version,
	}, nil
}

func parseArgs(raw []any) ([]domain.Arg, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]domain.Arg, 0, len(raw))
	for i, value := range raw {
		arg, err := domain.ParseArg(value)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out = append(out, arg)
	}
	return out, nil
}
