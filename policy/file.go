package policy

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Format is the encoding of a policy file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("unsupported policy file extension %q (want .yaml, .yml or .toml)", filepath.Ext(path))
}

// File is the on-disk form of a FuzzPolicy.
type File struct {
	Policies []FunctionSpec `yaml:"policies" toml:"policies" validate:"required,min=1,dive"`
}

// FunctionSpec is the on-disk form of a FunctionPolicy.
type FunctionSpec struct {
	Name        string   `yaml:"name" toml:"name" validate:"required"`
	Library     string   `yaml:"library" toml:"library"`
	HostRuntime bool     `yaml:"host_runtime" toml:"host_runtime"`
	Parameters  int      `yaml:"parameters" toml:"parameters" validate:"gte=0,lte=32"`
	Description string   `yaml:"description" toml:"description" validate:"required"`
	Rule        RuleSpec `yaml:"rule" toml:"rule"`
}

// Rule kinds accepted in policy files.
const (
	KindBlock             = "block"
	KindPathSuffix        = "path_suffix"
	KindPathGlob          = "path_glob"
	KindFlagMask          = "flag_mask"
	KindProgramSuffix     = "program_suffix"
	KindChildExitFailure  = "child_exit_failure"
	KindWaitStatusFailure = "wait_status_failure"
)

// RuleSpec is the on-disk form of a Rule built from a declarative
// predicate kind.
type RuleSpec struct {
	Kind      string   `yaml:"kind" toml:"kind" validate:"required,oneof=block path_suffix path_glob flag_mask program_suffix child_exit_failure wait_status_failure"`
	Param     int      `yaml:"param" toml:"param" validate:"gte=0"`
	Encoding  string   `yaml:"encoding" toml:"encoding" validate:"omitempty,oneof=cstring gostring wide"`
	Shape     string   `yaml:"shape" toml:"shape" validate:"omitempty,oneof=exec_cmd gostring cstring process_state error"`
	Blocklist []string `yaml:"blocklist" toml:"blocklist" validate:"dive,required"`
	Patterns  []string `yaml:"patterns" toml:"patterns" validate:"dive,required"`
	Mask      uint64   `yaml:"mask" toml:"mask"`
	Expected  uint64   `yaml:"expected" toml:"expected"`
	// Sentinel overrides the platform's wait error sentinel.
	Sentinel *int64 `yaml:"sentinel" toml:"sentinel"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadFile reads, validates and builds the policy in path.
func LoadFile(path string) (FuzzPolicy, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	f, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p, err := f.Build()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse decodes and validates a policy file without building it.
func Parse(data []byte, format Format) (*File, error) {
	var f File
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), &f)
		if err != nil {
			return nil, fmt.Errorf("invalid TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown TOML keys: %v", undecoded)
		}
	default:
		return nil, fmt.Errorf("unknown policy format %q", format)
	}
	if err := validate.Struct(&f); err != nil {
		return nil, formatValidationError(err)
	}
	return &f, nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid policy file: %s", strings.Join(msgs, "; "))
}

// Build turns every FunctionSpec into a FunctionPolicy.
func (f *File) Build() (FuzzPolicy, error) {
	out := make(FuzzPolicy, 0, len(f.Policies))
	for i, spec := range f.Policies {
		fp, err := spec.Build()
		if err != nil {
			return nil, fmt.Errorf("policies[%d] (%s): %w", i, spec.Name, err)
		}
		out = append(out, fp)
	}
	return out, nil
}

// Build turns the file entry into a FunctionPolicy.
func (s FunctionSpec) Build() (FunctionPolicy, error) {
	rule, err := s.Rule.Build(s.Parameters)
	if err != nil {
		return FunctionPolicy{}, err
	}
	fp := NewFunctionPolicy(s.Name, s.Library, rule, s.Parameters, s.Description, s.HostRuntime)
	return fp, fp.Validate()
}

// Build turns the rule entry into a Rule. nbParameters is the declared arity of
// the function, used to reject predicates that read past it.
func (r RuleSpec) Build(nbParameters int) (Rule, error) {
	enc := Encoding(r.Encoding)
	if enc == "" {
		enc = CString
	}
	needSlots := func(n int) error {
		if r.Param+n > nbParameters {
			return fmt.Errorf("%s reads parameter slots %d..%d but only %d are captured",
				r.Kind, r.Param, r.Param+n-1, nbParameters)
		}
		return nil
	}

	switch r.Kind {
	case KindBlock:
		return OnEntry(BlockAlways{}), nil
	case KindPathSuffix:
		if len(r.Blocklist) == 0 {
			return Rule{}, errors.New("path_suffix requires a blocklist")
		}
		if err := needSlots(enc.Slots()); err != nil {
			return Rule{}, err
		}
		return OnEntry(PathSuffix{Param: r.Param, Encoding: enc, Blocklist: r.Blocklist}), nil
	case KindPathGlob:
		if len(r.Patterns) == 0 {
			return Rule{}, errors.New("path_glob requires patterns")
		}
		if err := needSlots(enc.Slots()); err != nil {
			return Rule{}, err
		}
		g, err := NewPathGlob(r.Param, enc, r.Patterns...)
		if err != nil {
			return Rule{}, err
		}
		return OnEntry(g), nil
	case KindFlagMask:
		if err := needSlots(1); err != nil {
			return Rule{}, err
		}
		if r.Expected&^r.Mask != 0 {
			return Rule{}, fmt.Errorf("flag_mask expected %#x has bits outside mask %#x and can never match", r.Expected, r.Mask)
		}
		return OnEntry(FlagMask{Param: r.Param, Mask: uintptr(r.Mask), Expected: uintptr(r.Expected)}), nil
	case KindProgramSuffix:
		if len(r.Blocklist) == 0 {
			return Rule{}, errors.New("program_suffix requires a blocklist")
		}
		shape := ProgramShape(r.Shape)
		slots := 1
		switch shape {
		case "":
			shape = ShapeExecCmd
		case ShapeExecCmd, ShapeProgramCString:
		case ShapeProgramGoString:
			slots = 2
		default:
			return Rule{}, fmt.Errorf("program_suffix does not accept shape %q", r.Shape)
		}
		if err := needSlots(slots); err != nil {
			return Rule{}, err
		}
		return OnEntry(ProgramSuffix{Param: r.Param, Shape: shape, Blocklist: r.Blocklist}), nil
	case KindChildExitFailure:
		shape := ReturnShape(r.Shape)
		switch shape {
		case "":
			shape = ShapeProcessState
		case ShapeProcessState, ShapeErrorValue:
		default:
			return Rule{}, fmt.Errorf("child_exit_failure does not accept shape %q", r.Shape)
		}
		return OnExit(ChildExitFailure{Shape: shape}), nil
	case KindWaitStatusFailure:
		if err := needSlots(1); err != nil {
			return Rule{}, err
		}
		w := NewWaitStatusFailure(r.Param)
		if r.Sentinel != nil {
			w.ErrorSentinel = *r.Sentinel
		}
		return OnEntryAndExit(w, w), nil
	}
	return Rule{}, fmt.Errorf("unknown rule kind %q", r.Kind)
}
