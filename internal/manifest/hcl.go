package manifest

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/sbtc/oss-medical-record/internal/domain"
)

type hclFile struct {
	Pipeline *hclPipeline `hcl:"pipeline,block"`
	Steps    []*hclStep   `hcl:"step,block"`
}

type hclPipeline struct {
	Name        string            `hcl:"name,label"`
	APIVersion  *string           `hcl:"api_version,optional"`
	Description *string           `hcl:"description,optional"`
	Ordering    *string           `hcl:"ordering,optional"`
	Labels      map[string]string `hcl:"labels,optional"`
}

type hclStep struct {
	Name      string          `hcl:"name,label"`
	DependsOn []string        `hcl:"depends_on,optional"`
	Deploy    []*hclComponent `hcl:"deploy,block"`
	Calls     []*hclCall      `hcl:"call,block"`
	Registry  []*hclDirective `hcl:"registry,block"`
}

type hclComponent struct {
	Name     string         `hcl:"name,label"`
	Artifact *string        `hcl:"artifact,optional"`
	Args     hcl.Expression `hcl:"args,optional"`
	Logic    hcl.Expression `hcl:"logic,optional"`
}

type hclCall struct {
	Method string         `hcl:"method,label"`
	Target hcl.Expression `hcl:"target"`
	Args   hcl.Expression `hcl:"args,optional"`
	Read   *bool          `hcl:"read,optional"`
	Expect hcl.Expression `hcl:"expect,optional"`
}

type hclDirective struct {
	Action    string         `hcl:"action,label"`
	Name      string         `hcl:"name,label"`
	Component *string        `hcl:"component,optional"`
	Logic     hcl.Expression `hcl:"logic,optional"`
	Version   *int           `hcl:"version,optional"`
}

// ParseHCL decodes an HCL pipeline. References are written as bare
// traversals, e.g. component.Logic or network.gmoCns; quoted strings are
// always literals.
func ParseHCL(src []byte, filename string) (domain.PipelineSpec, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return domain.PipelineSpec{}, fmt.Errorf("parse manifest %s: %w", filename, diags)
	}

	var root hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return domain.PipelineSpec{}, fmt.Errorf("decode manifest %s: %w", filename, diags)
	}
	return root.toDomain()
}

func (f hclFile) toDomain() (domain.PipelineSpec, error) {
	spec := domain.PipelineSpec{
		APIVersion: domain.PipelineAPIVersion,
		Kind:       domain.PipelineKind,
	}
	if p := f.Pipeline; p != nil {
		spec.Metadata = domain.PipelineMetadata{Name: p.Name, Labels: p.Labels, Description: deref(p.Description)}
		if p.APIVersion != nil {
			spec.APIVersion = strings.TrimSpace(*p.APIVersion)
		}
		spec.Spec.Ordering = domain.Ordering(strings.TrimSpace(deref(p.Ordering)))
	}

	for _, s := range f.Steps {
		at := fmt.Sprintf("step %q", s.Name)
		step := domain.PipelineStep{Name: strings.TrimSpace(s.Name), DependsOn: s.DependsOn}

		for _, c := range s.Deploy {
			cat := fmt.Sprintf("%s deploy %q", at, c.Name)
			args, err := exprArgs(c.Args)
			if err != nil {
				return domain.PipelineSpec{}, fmt.Errorf("%s args: %w", cat, err)
			}
			logic, err := exprOptionalArg(c.Logic)
			if err != nil {
				return domain.PipelineSpec{}, fmt.Errorf("%s logic: %w", cat, err)
			}
			step.Deploy = append(step.Deploy, domain.ComponentDescriptor{
				Name:     strings.TrimSpace(c.Name),
				Artifact: strings.TrimSpace(deref(c.Artifact)),
				Args:     args,
				Logic:    logic,
			})
		}

		for _, c := range s.Calls {
			cat := fmt.Sprintf("%s call %q", at, c.Method)
			target, ok, err := exprArg(c.Target)
			if err != nil {
				return domain.PipelineSpec{}, fmt.Errorf("%s target: %w", cat, err)
			}
			if !ok {
				return domain.PipelineSpec{}, fmt.Errorf("%s target is required", cat)
			}
			if !target.IsReference() {
				if target, err = parseTarget(target.Value); err != nil {
					return domain.PipelineSpec{}, fmt.Errorf("%s target: %w", cat, err)
				}
			}
			args, err := exprArgs(c.Args)
			if err != nil {
				return domain.PipelineSpec{}, fmt.Errorf("%s args: %w", cat, err)
			}
			expect, err := exprOptionalArg(c.Expect)
			if err != nil {
				return domain.PipelineSpec{}, fmt.Errorf("%s expect: %w", cat, err)
			}
			step.Calls = append(step.Calls, domain.Invocation{
				Target: target,
				Method: strings.TrimSpace(c.Method),
				Args:   args,
				Read:   c.Read != nil && *c.Read,
				Expect: expect,
			})
		}

		for _, r := range s.Registry {
			logic, err := exprOptionalArg(r.Logic)
			if err != nil {
				return domain.PipelineSpec{}, fmt.Errorf("%s registry %q logic: %w", at, r.Name, err)
			}
			directive := domain.RegistryDirective{
				Action:    domain.DirectiveAction(strings.TrimSpace(r.Action)),
				Name:      strings.TrimSpace(r.Name),
				Component: strings.TrimSpace(deref(r.Component)),
				Logic:     logic,
			}
			if r.Version != nil {
				directive.Version = *r.Version
			}
			step.Registry = append(step.Registry, directive)
		}

		spec.Spec.Steps = append(spec.Spec.Steps, step)
	}
	return spec, nil
}

func exprArgs(expr hcl.Expression) ([]domain.Arg, error) {
	if absent(expr) {
		return nil, nil
	}
	items, diags := hcl.ExprList(expr)
	if diags.HasErrors() {
		return nil, diags
	}
	if len(items) == 0 {
		return nil, nil
	}
	out := make([]domain.Arg, 0, len(items))
	for i, item := range items {
		arg, _, err := exprArg(item)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out = append(out, arg)
	}
	return out, nil
}

func exprOptionalArg(expr hcl.Expression) (*domain.Arg, error) {
	arg, ok, err := exprArg(expr)
	if err != nil || !ok {
		return nil, err
	}
	return &arg, nil
}

// exprArg converts one expression. A traversal rooted at component, network
// or registry becomes a reference; anything else must evaluate without
// variables and becomes a literal. ok is false for an absent attribute.
func exprArg(expr hcl.Expression) (domain.Arg, bool, error) {
	if expr == nil {
		return domain.Arg{}, false, nil
	}
	if wrap, isWrap := expr.(*hclsyntax.TemplateWrapExpr); isWrap {
		expr = wrap.Wrapped
	}
	if traversal, diags := hcl.AbsTraversalForExpr(expr); !diags.HasErrors() && isReferenceRoot(traversal.RootName()) {
		ref, err := traversalRef(traversal)
		if err != nil {
			return domain.Arg{}, false, err
		}
		arg, err := domain.ParseReference(ref)
		return arg, err == nil, err
	}

	value, diags := expr.Value(nil)
	if diags.HasErrors() {
		return domain.Arg{}, false, diags
	}
	if value.IsNull() {
		return domain.Arg{}, false, nil
	}
	goValue, err := ctyToGo(value)
	if err != nil {
		return domain.Arg{}, false, err
	}
	return domain.Literal(goValue), true, nil
}

func absent(expr hcl.Expression) bool {
	if expr == nil {
		return true
	}
	value, diags := expr.Value(nil)
	return !diags.HasErrors() && value.IsNull()
}

func isReferenceRoot(name string) bool {
	switch domain.ArgKind(name) {
	case domain.ArgComponent, domain.ArgNetwork, domain.ArgRegistry:
		return true
	default:
		return false
	}
}

func traversalRef(traversal hcl.Traversal) (string, error) {
	parts := make([]string, 0, len(traversal))
	for _, step := range traversal {
		switch t := step.(type) {
		case hcl.TraverseRoot:
			parts = append(parts, t.Name)
		case hcl.TraverseAttr:
			parts = append(parts, t.Name)
		default:
			return "", fmt.Errorf("%w: only attribute access is allowed in references", domain.ErrInvalidReference)
		}
	}
	return strings.Join(parts, "."), nil
}

func ctyToGo(value cty.Value) (any, error) {
	if value.IsNull() {
		return nil, nil
	}
	if !value.IsKnown() {
		return nil, errors.New("value is not known")
	}
	ty := value.Type()
	switch {
	case ty == cty.String:
		return value.AsString(), nil
	case ty == cty.Bool:
		return value.True(), nil
	case ty == cty.Number:
		bf := value.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return int(i), nil
			}
			// Integers beyond int64, e.g. token amounts, keep full precision.
			return bf.Text('f', 0), nil
		}
		f, _ := bf.Float64()
		return f, nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]any, 0, value.LengthInt())
		for it := value.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			v, err := ctyToGo(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case ty.IsMapType() || ty.IsObjectType():
		out := make(map[string]any, value.LengthInt())
		for it := value.ElementIterator(); it.Next(); {
			key, elem := it.Element()
			v, err := ctyToGo(elem)
			if err != nil {
				return nil, err
			}
			out[key.AsString()] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
