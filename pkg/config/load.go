package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// Format is a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatOf infers the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported config file type: %s", path)
	}
}

// ValidationError is a schema violation with its source position.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	if e.File == "" && e.Line == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
}

// SchemaError collects every violation found in a CUE file.
type SchemaError struct {
	Errors []ValidationError
}

func (e *SchemaError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, v := range e.Errors {
		msgs = append(msgs, v.String())
	}
	return "config schema: " + strings.Join(msgs, "; ")
}

// Load reads path, layering it over the defaults, and validates the
// result. An empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data, format, path)
}

// Parse decodes data in the given format over the defaults and validates
// the result. name labels CUE error positions.
func Parse(data []byte, format Format, name string) (*Config, error) {
	cfg := Default()

	switch format {
	case FormatYAML, FormatJSON:
		// JSON is a subset of YAML; yaml.v3 also parses duration strings.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s config: %w", format, err)
		}
	case FormatCUE:
		raw, err := evalCUE(data, name)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode cue config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", format)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// A cue.Context is not safe for concurrent use.
var (
	cueMu     sync.Mutex
	cueOnce   sync.Once
	cueCtx    *cue.Context
	cueSchema cue.Value
	cueErr    error
)

func schema() (*cue.Context, cue.Value, error) {
	cueOnce.Do(func() {
		cueCtx = cuecontext.New()
		v := cueCtx.CompileString(configSchema, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			cueErr = fmt.Errorf("failed to compile config schema: %w", err)
			return
		}
		cueSchema = v.LookupPath(cue.ParsePath("#Config"))
	})
	return cueCtx, cueSchema, cueErr
}

// evalCUE unifies a CUE document with the schema and exports it as JSON.
func evalCUE(data []byte, name string) ([]byte, error) {
	ctx, def, err := schema()
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = "config.cue"
	}
	cueMu.Lock()
	defer cueMu.Unlock()

	v := ctx.CompileBytes(data, cue.Filename(name))
	if err := v.Err(); err != nil {
		return nil, schemaError(err)
	}
	v = def.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, schemaError(err)
	}
	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, schemaError(err)
	}
	return raw, nil
}

func schemaError(err error) error {
	se := &SchemaError{}
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{Message: cueerrors.Details(e, nil)}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		se.Errors = append(se.Errors, ve)
	}
	if len(se.Errors) == 0 {
		se.Errors = []ValidationError{{Message: err.Error()}}
	}
	return se
}

// Marshal renders cfg as YAML with secrets masked.
func Marshal(cfg *Config) ([]byte, error) {
	c := *cfg
	c.Cloud.OpenStack.Token = mask(c.Cloud.OpenStack.Token)
	c.Credentials.Password = mask(c.Credentials.Password)
	c.Redis.Password = mask(c.Redis.Password)
	return yaml.Marshal(&c)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
