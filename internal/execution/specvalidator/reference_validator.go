package specvalidator

import (
	"context"
	"fmt"
	"strings"

	"github.com/sbtc/oss-medical-record/internal/domain"
)

// RegistryView answers read-only lookups against the registry as it stands
// before the run.
type RegistryView interface {
	Lookup(ctx context.Context, name string) (domain.RegistryEntry, bool, error)
}

// Environment is what references may resolve against besides the run's own
// outputs.
type Environment struct {
	Network   string
	Constants map[string]string
	Registry  RegistryView
}

// registryName tracks a name as the run will leave it at a given point.
type registryName struct {
	hasLogic bool
}

type refState struct {
	ctx        context.Context
	env        Environment
	components map[string]domain.ComponentDescriptor
	registered map[string]registryName
	external   map[string]lookupResult
	issues     *ValidationError
}

// ValidateReferences walks steps in execution order and reports every
// reference that nothing produces before it is needed. It never mutates
// anything; registry lookups are read-only.
func ValidateReferences(ctx context.Context, steps []domain.PipelineStep, env Environment) error {
	st := &refState{
		ctx:        ctx,
		env:        env,
		components: map[string]domain.ComponentDescriptor{},
		registered: map[string]registryName{},
		external:   map[string]lookupResult{},
		issues:     &ValidationError{},
	}

	for _, step := range steps {
		where := fmt.Sprintf("step[%s]", step.Name)

		for _, desc := range step.Deploy {
			at := fmt.Sprintf("%s component %q", where, desc.Name)
			if desc.Logic != nil {
				st.checkArg(at+" logic", *desc.Logic)
			}
			for i, arg := range desc.Args {
				st.checkArg(fmt.Sprintf("%s arg[%d]", at, i), arg)
			}
			st.components[strings.TrimSpace(desc.Name)] = desc
		}

		for i, call := range step.Calls {
			at := fmt.Sprintf("%s call[%d] %s", where, i, call.Method)
			st.checkArg(at+" target", call.Target)
			for j, arg := range call.Args {
				st.checkArg(fmt.Sprintf("%s arg[%d]", at, j), arg)
			}
			if call.Expect != nil {
				st.checkArg(at+" expect", *call.Expect)
			}
		}

		for i, directive := range step.Registry {
			st.checkDirective(fmt.Sprintf("%s registry[%d]", where, i), directive)
		}
	}

	return st.issues.OrNil()
}

func (st *refState) checkArg(at string, arg domain.Arg) {
	switch arg.Kind {
	case domain.ArgLiteral, "":
		return
	case domain.ArgComponent:
		desc, ok := st.components[arg.Ref]
		if !ok {
			st.issues.AddDangling(fmt.Sprintf("%s: %s refers to component %q which is not deployed before it", at, arg, arg.Ref))
			return
		}
		if arg.Field == domain.FieldLogic && desc.Logic == nil {
			st.issues.AddDangling(fmt.Sprintf("%s: %s refers to the logic of component %q which has none", at, arg, arg.Ref))
		}
	case domain.ArgNetwork:
		value, ok := st.env.Constants[arg.Ref]
		if !ok {
			st.issues.AddDangling(fmt.Sprintf("%s: %s is not defined for network %q", at, arg, st.env.Network))
			return
		}
		if strings.TrimSpace(value) == "" {
			st.issues.AddDangling(fmt.Sprintf("%s: %s is empty for network %q", at, arg, st.env.Network))
		}
	case domain.ArgRegistry:
		if name, ok := st.registered[arg.Ref]; ok {
			if arg.Field == domain.FieldLogic && !name.hasLogic {
				st.issues.AddDangling(fmt.Sprintf("%s: %s refers to the logic of %q which is registered without one", at, arg, arg.Ref))
			}
			return
		}
		entry, ok, failed := st.lookup(at, arg.Ref)
		if failed {
			return
		}
		if !ok {
			st.issues.AddDangling(fmt.Sprintf("%s: %s refers to registry name %q which is not registered before it", at, arg, arg.Ref))
			return
		}
		if arg.Field == domain.FieldLogic && strings.TrimSpace(entry.LogicAddress) == "" {
			st.issues.AddDangling(fmt.Sprintf("%s: %s refers to the logic of %q which is registered without one", at, arg, arg.Ref))
		}
	default:
		st.issues.Add(fmt.Sprintf("%s: unknown argument kind %q", at, arg.Kind))
	}
}

func (st *refState) checkDirective(at string, directive domain.RegistryDirective) {
	name := strings.TrimSpace(directive.Name)
	component := directive.ComponentName()
	desc, deployed := st.components[component]
	if !deployed {
		st.issues.AddDangling(fmt.Sprintf("%s: %s %q records component %q which is not deployed before it", at, directive.Action, name, component))
	}

	hasLogic := deployed && desc.Logic != nil
	if directive.Logic != nil {
		st.checkArg(at+" logic", *directive.Logic)
		hasLogic = true
	}

	switch directive.Action {
	case domain.DirectiveRegister:
		if _, ok := st.registered[name]; ok {
			st.issues.Add(fmt.Sprintf("%s: %q is registered more than once in this run; use upgrade", at, name))
			return
		}
		if directive.Version != 0 && directive.Version != 1 {
			st.issues.Add(fmt.Sprintf("%s: register of %q asks for version %d; a new name starts at version 1", at, name, directive.Version))
		}
		if existing, exists, _ := st.lookup(at, name); exists {
			st.issues.Add(fmt.Sprintf("%s: %q is already registered at version %d; use upgrade", at, name, existing.Version))
		}
	case domain.DirectiveUpgrade:
		if _, ok := st.registered[name]; !ok {
			if _, exists, failed := st.lookup(at, name); !exists && !failed {
				st.issues.AddDangling(fmt.Sprintf("%s: upgrade of %q which is not registered", at, name))
			}
		}
	default:
		return
	}
	st.registered[name] = registryName{hasLogic: hasLogic}
}

type lookupResult struct {
	entry  domain.RegistryEntry
	found  bool
	failed bool
}

// lookup consults the pre-run registry once per name. A failed lookup is
// reported once as its own issue.
func (st *refState) lookup(at, name string) (domain.RegistryEntry, bool, bool) {
	if cached, ok := st.external[name]; ok {
		return cached.entry, cached.found, cached.failed
	}
	var res lookupResult
	if st.env.Registry != nil {
		entry, found, err := st.env.Registry.Lookup(st.ctx, name)
		if err != nil {
			st.issues.Add(fmt.Sprintf("%s: registry lookup of %q failed: %v", at, name, err))
			res.failed = true
		} else {
			res.entry, res.found = entry, found
		}
	}
	st.external[name] = res
	return res.entry, res.found, res.failed
}
