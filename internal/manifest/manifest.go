// Package manifest loads pipeline definitions from YAML or HCL files into a
// domain.PipelineSpec.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sbtc/oss-medical-record/internal/domain"
)

type Format string

const (
	FormatYAML Format = "yaml"
	FormatHCL  Format = "hcl"
)

// FormatForPath picks the manifest format from a file extension.
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".hcl":
		return FormatHCL, nil
	default:
		return "", fmt.Errorf("unsupported manifest extension %q (want .yaml, .yml or .hcl)", filepath.Ext(path))
	}
}

// Load reads and decodes the manifest at path.
func Load(path string) (domain.PipelineSpec, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return domain.PipelineSpec{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.PipelineSpec{}, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(raw, format, path)
}

// Parse decodes raw manifest bytes. filename is only used in diagnostics.
func Parse(raw []byte, format Format, filename string) (domain.PipelineSpec, error) {
	switch format {
	case FormatYAML:
		return ParseYAML(raw)
	case FormatHCL:
		return ParseHCL(raw, filename)
	default:
		return domain.PipelineSpec{}, fmt.Errorf("unsupported manifest format %q", format)
	}
}

// parseTarget accepts a reference, a literal 0x address, or a bare
// component name.
func parseTarget(raw any) (domain.Arg, error) {
	arg, err := domain.ParseArg(raw)
	if err != nil {
		return domain.Arg{}, err
	}
	if arg.Kind != domain.ArgLiteral {
		return arg, nil
	}
	s, ok := arg.Value.(string)
	if !ok {
		return domain.Arg{}, fmt.Errorf("target must be a string, got %T", arg.Value)
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return domain.Literal(s), nil
	}
	return domain.ComponentRef(s), nil
}

func optionalArg(raw string) (*domain.Arg, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	arg, err := domain.ParseArg(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	return &arg, nil
}
