package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ArgKind identifies how a constructor or call argument is resolved.
type ArgKind string

const (
	ArgLiteral   ArgKind = "literal"
	ArgComponent ArgKind = "component"
	ArgNetwork   ArgKind = "network"
	ArgRegistry  ArgKind = "registry"
)

// FieldLogic selects the logic address of a component or registry entry
// instead of its front-facing address.
const FieldLogic = "logic"

var ErrInvalidReference = errors.New("invalid reference")

// Arg is one constructor or method argument: a literal passed through as-is,
// or a symbolic reference resolved when its step runs.
type Arg struct {
	Kind  ArgKind
	Value any
	Ref   string
	Field string
}

func Literal(value any) Arg {
	return Arg{Kind: ArgLiteral, Value: value}
}

func ComponentRef(name string) Arg {
	return Arg{Kind: ArgComponent, Ref: name}
}

func ComponentLogicRef(name string) Arg {
	return Arg{Kind: ArgComponent, Ref: name, Field: FieldLogic}
}

func NetworkRef(key string) Arg {
	return Arg{Kind: ArgNetwork, Ref: key}
}

func RegistryRef(name string) Arg {
	return Arg{Kind: ArgRegistry, Ref: name}
}

func RegistryLogicRef(name string) Arg {
	return Arg{Kind: ArgRegistry, Ref: name, Field: FieldLogic}
}

func (a Arg) IsReference() bool {
	return a.Kind != ArgLiteral && a.Kind != ""
}

// String renders references in manifest syntax, e.g. ${component.Logic}.
func (a Arg) String() string {
	if !a.IsReference() {
		return fmt.Sprint(a.Value)
	}
	expr := string(a.Kind) + "." + a.Ref
	if a.Field != "" {
		expr += "." + a.Field
	}
	return "${" + expr + "}"
}

// ParseArg converts a raw manifest value into an Arg. Strings of the form
// ${kind.name[.logic]} become references; "$${" escapes a literal "${".
func ParseArg(raw any) (Arg, error) {
	s, ok := raw.(string)
	if !ok {
		return Literal(raw), nil
	}
	if strings.HasPrefix(s, "$${") {
		return Literal(s[1:]), nil
	}
	if !strings.HasPrefix(s, "${") {
		return Literal(s), nil
	}
	if !strings.HasSuffix(s, "}") {
		return Arg{}, fmt.Errorf("%w: unterminated reference %q", ErrInvalidReference, s)
	}
	return ParseReference(s[2 : len(s)-1])
}

// ParseReference parses a bare reference expression such as
// "component.Logic", "registry.Proxy.logic" or "network.gmoCns".
func ParseReference(expr string) (Arg, error) {
	expr = strings.TrimSpace(expr)
	parts := strings.Split(expr, ".")
	if len(parts) < 2 {
		return Arg{}, fmt.Errorf("%w: %q must be kind.name", ErrInvalidReference, expr)
	}
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return Arg{}, fmt.Errorf("%w: empty segment in %q", ErrInvalidReference, expr)
		}
	}

	kind := ArgKind(parts[0])
	switch kind {
	case ArgNetwork:
		// Network keys may themselves be dotted.
		return NetworkRef(strings.Join(parts[1:], ".")), nil
	case ArgComponent, ArgRegistry:
		arg := Arg{Kind: kind, Ref: parts[1]}
		switch len(parts) {
		case 2:
		case 3:
			if parts[2] != FieldLogic {
				return Arg{}, fmt.Errorf("%w: unknown field %q in %q", ErrInvalidReference, parts[2], expr)
			}
			arg.Field = FieldLogic
		default:
			return Arg{}, fmt.Errorf("%w: too many segments in %q", ErrInvalidReference, expr)
		}
		return arg, nil
	default:
		return Arg{}, fmt.Errorf("%w: unknown kind %q in %q", ErrInvalidReference, parts[0], expr)
	}
}

// ComponentDescriptor is the static description of one deployable component.
type ComponentDescriptor struct {
	Name     string
	Artifact string
	Args     []Arg
	Logic    *Arg
}

// ArtifactName returns the code identifier handed to the deployer.
func (c ComponentDescriptor) ArtifactName() string {
	if strings.TrimSpace(c.Artifact) != "" {
		return strings.TrimSpace(c.Artifact)
	}
	return strings.TrimSpace(c.Name)
}

// References returns every reference the descriptor depends on, logic first.
func (c ComponentDescriptor) References() []Arg {
	out := make([]Arg, 0, len(c.Args)+1)
	if c.Logic != nil {
		out = append(out, *c.Logic)
	}
	for _, arg := range c.Args {
		if arg.IsReference() {
			out = append(out, arg)
		}
	}
	return out
}

// DeployedHandle is the immutable outcome of a successful deployment.
type DeployedHandle struct {
	Component    string
	Artifact     string
	Address      string
	LogicAddress string
	DeployedAt   time.Time
}
