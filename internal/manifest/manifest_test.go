package manifest

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sbtc/oss-medical-record/internal/domain"
)

func logicRef() *domain.Arg {
	arg := domain.ComponentRef("ProxyControllerLogic_v1")
	return &arg
}

func wantProxySpec() domain.PipelineSpec {
	return domain.PipelineSpec{
		APIVersion: domain.PipelineAPIVersion,
		Kind:       domain.PipelineKind,
		Metadata: domain.PipelineMetadata{
			Name:   "proxy-controller",
			Labels: map[string]string{"team": "core"},
		},
		Spec: domain.PipelineSpecBody{
			Ordering: domain.OrderingDependencies,
			Steps: []domain.PipelineStep{
				{
					Name:   "logic",
					Deploy: []domain.ComponentDescriptor{{Name: "ProxyControllerLogic_v1"}},
				},
				{
					Name:      "proxy",
					DependsOn: []string{"logic"},
					Deploy: []domain.ComponentDescriptor{{
						Name:  "ProxyController",
						Args:  []domain.Arg{domain.NetworkRef("gmoCns"), domain.ComponentRef("ProxyControllerLogic_v1")},
						Logic: logicRef(),
					}},
					Calls: []domain.Invocation{{
						Target: domain.ComponentRef("ProxyController"),
						Method: "implementation",
						Read:   true,
						Expect: logicRef(),
					}},
					Registry: []domain.RegistryDirective{{Action: domain.DirectiveRegister, Name: "ProxyController"}},
				},
				{
					Name:      "organizations",
					DependsOn: []string{"proxy"},
					Deploy: []domain.ComponentDescriptor{{
						Name:     "Organizations",
						Artifact: "OrganizationsLogic",
						Args:     []domain.Arg{domain.RegistryRef("ProxyController"), domain.Literal(3), domain.Literal("${literal}")},
					}},
					Registry: []domain.RegistryDirective{{Action: domain.DirectiveRegister, Name: "Organizations", Version: 1}},
				},
			},
		},
	}
}

func TestLoadYAML(t *testing.T) {
	got, err := Load("testdata/proxy.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(wantProxySpec(), got); diff != "" {
		t.Fatalf("spec mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadHCL(t *testing.T) {
	got, err := Load("testdata/proxy.hcl")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(wantProxySpec(), got); diff != "" {
		t.Fatalf("spec mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatForPath(t *testing.T) {
	cases := map[string]Format{
		"a.yaml":    FormatYAML,
		"b.YML":     FormatYAML,
		"dir/c.hcl": FormatHCL,
	}
	for path, want := range cases {
		got, err := FormatForPath(path)
		if err != nil {
			t.Fatalf("FormatForPath(%q): %v", path, err)
		}
		if got != want {
			t.Fatalf("FormatForPath(%q) = %q, want %q", path, got, want)
		}
	}
	if _, err := FormatForPath("pipeline.json"); err == nil {
		t.Fatalf("expected error for .json")
	}
}

func TestParseYAMLRejectsUnknownFields(t *testing.T) {
	src := `
apiVersion: deployctl/v1
kind: Pipeline
metadata: {name: x}
spec:
  steps:
    - name: a
      deploy:
        - name: A
          constructor: [1]
`
	_, err := ParseYAML([]byte(src))
	if err == nil || !strings.Contains(err.Error(), "constructor") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestParseYAMLEmptyDocument(t *testing.T) {
	if _, err := ParseYAML(nil); err == nil || !strings.Contains(err.Error(), "empty") {
		t.Fatalf("expected empty document error, got %v", err)
	}
}

func TestParseYAMLInvalidReference(t *testing.T) {
	src := `
metadata: {name: x}
spec:
  steps:
    - name: a
      deploy:
        - name: A
          args: ["${vault.secret}"]
`
	_, err := ParseYAML([]byte(src))
	if !errors.Is(err, domain.ErrInvalidReference) {
		t.Fatalf("expected ErrInvalidReference, got %v", err)
	}
	if !strings.Contains(err.Error(), "spec.steps[0].deploy[0].args") {
		t.Fatalf("expected path in error, got %v", err)
	}
}

func TestParseYAMLDirectiveShorthandConflict(t *testing.T) {
	src := `
metadata: {name: x}
spec:
  steps:
    - name: a
      deploy: [{name: A}]
      registry:
        - register: A
          upgrade: A
`
	if _, err := ParseYAML([]byte(src)); err == nil {
		t.Fatalf("expected error for register and upgrade on one directive")
	}
}

func TestParseYAMLUpgradeShorthand(t *testing.T) {
	src := `
metadata: {name: x}
spec:
  steps:
    - name: a
      deploy: [{name: A2}]
      registry:
        - upgrade: A
          component: A2
          logic: "${component.A2}"
`
	spec, err := ParseYAML([]byte(src))
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}
	logic := domain.ComponentRef("A2")
	want := []domain.RegistryDirective{{Action: domain.DirectiveUpgrade, Name: "A", Component: "A2", Logic: &logic}}
	if diff := cmp.Diff(want, spec.Spec.Steps[0].Registry); diff != "" {
		t.Fatalf("directive mismatch (-want +got):\n%s", diff)
	}
}

func TestParseHCLLiterals(t *testing.T) {
	src := `
step "a" {
  deploy "A" {
    args = [true, 1.5, 340282366920938463463374607431768211455, "x", ["y", 2], { k = "v" }, "${component.B.logic}"]
  }
  call "setOwner" {
    target = "0xABC"
    args   = [registry.Owner.logic]
  }
}
`
	spec, err := ParseHCL([]byte(src), "inline.hcl")
	if err != nil {
		t.Fatalf("ParseHCL: %v", err)
	}
	wantArgs := []domain.Arg{
		domain.Literal(true),
		domain.Literal(1.5),
		domain.Literal("340282366920938463463374607431768211455"),
		domain.Literal("x"),
		domain.Literal([]any{"y", 2}),
		domain.Literal(map[string]any{"k": "v"}),
		domain.ComponentLogicRef("B"),
	}
	if diff := cmp.Diff(wantArgs, spec.Spec.Steps[0].Deploy[0].Args); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}
	call := spec.Spec.Steps[0].Calls[0]
	if diff := cmp.Diff(domain.Literal("0xABC"), call.Target); diff != "" {
		t.Fatalf("target mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]domain.Arg{domain.RegistryLogicRef("Owner")}, call.Args); diff != "" {
		t.Fatalf("call args mismatch (-want +got):\n%s", diff)
	}
	if spec.Metadata.Name != "" || spec.APIVersion != domain.PipelineAPIVersion {
		t.Fatalf("unexpected defaults: %+v", spec)
	}
}

func TestParseHCLErrors(t *testing.T) {
	cases := map[string]string{
		"syntax":        `step "a" {`,
		"missing label": `step { }`,
		"unknown root":  `step "a" { deploy "A" { args = [vault.secret] } }`,
		"bad field":     `step "a" { deploy "A" { logic = component.B.address } }`,
		"no target":     `step "a" { call "m" {} }`,
		"two pipelines": "pipeline \"a\" {}\npipeline \"b\" {}",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseHCL([]byte(src), "bad.hcl"); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
