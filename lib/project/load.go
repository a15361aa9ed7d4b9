// Package project loads and validates descriptor files into a Project.
package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/joho/godotenv"
	"github.com/mfridman/interpolate"
	"github.com/samber/lo"

	"github.com/onkernel/hypestack/lib/logger"
)

// DefaultFiles are tried in order when no descriptor path is given.
var DefaultFiles = []string{
	"hypestack.yaml",
	"hypestack.yml",
	"compose.yaml",
	"compose.yml",
	"docker-compose.yaml",
	"docker-compose.yml",
}

// Options controls loading.
type Options struct {
	// File is the descriptor path. When empty, DefaultFiles are searched in Dir.
	File string
	// Dir is the project directory; defaults to the descriptor's directory.
	Dir string
	// ProjectName overrides the name in the descriptor.
	ProjectName string
	// Env is used for ${VAR} interpolation. When nil the process environment
	// is used. Values from a .env file in Dir fill in missing keys.
	Env map[string]string
}

// Load finds, reads and validates a descriptor file.
func Load(ctx context.Context, opts Options) (*Project, error) {
	log := logger.FromContext(ctx)

	file, err := findDescriptor(opts)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}

	if opts.Dir == "" {
		opts.Dir = filepath.Dir(file)
	}
	opts.File = file
	if opts.Env == nil {
		opts.Env = environ()
	} else {
		opts.Env = lo.Assign(opts.Env)
	}

	dotenv := filepath.Join(opts.Dir, ".env")
	if values, err := godotenv.Read(dotenv); err == nil {
		for k, v := range values {
			if _, set := opts.Env[k]; !set {
				opts.Env[k] = v
			}
		}
		log.DebugContext(ctx, "loaded .env", "path", dotenv, "keys", len(values))
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", dotenv, err)
	}

	return Parse(ctx, data, opts)
}

// Parse validates descriptor content. Relative paths resolve against opts.Dir.
func Parse(ctx context.Context, data []byte, opts Options) (*Project, error) {
	log := logger.FromContext(ctx)

	dir, err := filepath.Abs(lo.Ternary(opts.Dir == "", ".", opts.Dir))
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}

	doc, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, ValidationErrors{{Message: fmt.Sprintf("parse descriptor: %v", err), Err: err}}
	}

	var tree any
	if err := json.Unmarshal(doc, &tree); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	env := mapEnv(opts.Env)
	tree, err = interpolateTree(env, tree, "")
	if err != nil {
		return nil, ValidationErrors{{Field: "interpolation", Message: err.Error(), Err: err}}
	}
	if doc, err = json.Marshal(tree); err != nil {
		return nil, fmt.Errorf("encode descriptor: %w", err)
	}

	var raw rawProject
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, ValidationErrors{{Message: fmt.Sprintf("decode descriptor: %v", err), Err: err}}
	}
	warnUnknownKeys(ctx, doc)

	p := &Project{
		Dir:      dir,
		File:     opts.File,
		Services: make(map[string]*ServiceDescriptor, len(raw.Services)),
	}

	c := &collector{}
	p.Name = projectName(opts.ProjectName, raw.Name, dir)
	if err := ValidateUnitName(p.Name); err != nil {
		c.wrap("", "name", err)
	}
	if def, ok := raw.Networks["default"]; ok {
		p.Network.Name = def.Name
	}
	if len(raw.Services) == 0 {
		c.add("", "services", "at least one service must be declared")
	}

	names := lo.Keys(raw.Services)
	sort.Strings(names)
	for _, name := range names {
		rs := raw.Services[name]
		if rs == nil {
			rs = &rawService{}
		}
		p.Services[name] = convertService(c, name, rs, dir, env)
	}

	validate(c, p)
	if err := c.err(); err != nil {
		return nil, err
	}

	log.DebugContext(ctx, "loaded descriptor", "unit", p.Name, "services", len(p.Services))
	return p, nil
}

func findDescriptor(opts Options) (string, error) {
	if opts.File != "" {
		abs, err := filepath.Abs(opts.File)
		if err != nil {
			return "", fmt.Errorf("resolve descriptor path: %w", err)
		}
		if _, err := os.Stat(abs); err != nil {
			return "", fmt.Errorf("%w: %v", ErrNoDescriptor, err)
		}
		return abs, nil
	}

	dir := lo.Ternary(opts.Dir == "", ".", opts.Dir)
	for _, name := range DefaultFiles {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return filepath.Abs(candidate)
		}
	}
	return "", fmt.Errorf("%w in %s (tried %s)", ErrNoDescriptor, dir, strings.Join(DefaultFiles, ", "))
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// mapEnv is the interpolation source.
type mapEnv map[string]string

func (m mapEnv) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// interpolateTree expands ${VAR} in every string value of a decoded document.
// Map keys are left untouched.
func interpolateTree(env interpolate.Env, node any, path string) (any, error) {
	switch v := node.(type) {
	case string:
		out, err := interpolate.Interpolate(env, v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", strings.TrimPrefix(path, "."), err)
		}
		return out, nil
	case map[string]any:
		for k, child := range v {
			expanded, err := interpolateTree(env, child, path+"."+k)
			if err != nil {
				return nil, err
			}
			v[k] = expanded
		}
		return v, nil
	case []any:
		for i, child := range v {
			expanded, err := interpolateTree(env, child, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			v[i] = expanded
		}
		return v, nil
	default:
		return node, nil
	}
}

func warnUnknownKeys(ctx context.Context, doc []byte) {
	var shallow struct {
		Services map[string]map[string]json.RawMessage `json:"services"`
	}
	if json.Unmarshal(doc, &shallow) != nil {
		return
	}
	log := logger.FromContext(ctx)
	for svc, fields := range shallow.Services {
		keys := lo.Filter(lo.Keys(fields), func(k string, _ int) bool { return !knownServiceKeys[k] })
		if len(keys) > 0 {
			sort.Strings(keys)
			log.WarnContext(ctx, "ignoring unsupported service keys", "service", svc, "keys", keys)
		}
	}
}

var unitNameCleaner = regexp.MustCompile(`[^a-z0-9-]+`)

// projectName picks the unit name: explicit override, then the descriptor's
// name, then the project directory's base name.
func projectName(override, declared, dir string) string {
	name := override
	if name == "" {
		name = declared
	}
	if name == "" {
		name = filepath.Base(dir)
	}
	name = unitNameCleaner.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(name, "-")
}
