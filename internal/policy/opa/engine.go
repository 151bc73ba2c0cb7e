package opa

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

const (
	SourceEmbedded   = "embedded"
	SourceFilesystem = "filesystem"

	decisionQuery = "data.khome.enforcement.decision"
)

//go:embed policies/*.rego
var embeddedPolicies embed.FS

// Config selects where policies are loaded from
type Config struct {
	Source    string // "embedded" (default) or "filesystem"
	PolicyDir string // required for filesystem
}

// Engine wraps OPA rego engine for policy evaluation
type Engine struct {
	config Config
	logger zerolog.Logger

	mu            sync.RWMutex
	decisionQuery rego.PreparedEvalQuery
	modules       map[string]string // filename -> source
}

// NewEngine creates a new OPA engine
func NewEngine(config Config, logger zerolog.Logger) (*Engine, error) {
	if config.Source == "" {
		config.Source = SourceEmbedded
	}

	e := &Engine{
		config: config,
		logger: logger.With().Str("component", "opa").Logger(),
	}

	if err := e.load(); err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("source", config.Source).
		Str("policy_dir", config.PolicyDir).
		Msg("OPA engine initialized")

	return e, nil
}

// load reads, parses and prepares the policies, then swaps them in
func (e *Engine) load() error {
	modules, err := e.readPolicies()
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	query, err := prepare(modules)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.modules = modules
	e.decisionQuery = query
	e.mu.Unlock()

	return nil
}

func (e *Engine) readPolicies() (map[string]string, error) {
	var (
		fsys fs.FS
		dir  string
	)
	switch e.config.Source {
	case SourceEmbedded:
		fsys, dir = embeddedPolicies, "policies"
	case SourceFilesystem:
		if e.config.PolicyDir == "" {
			return nil, fmt.Errorf("policy directory is required for filesystem source")
		}
		fsys, dir = os.DirFS(e.config.PolicyDir), "."
	default:
		return nil, fmt.Errorf("unknown policy source %q", e.config.Source)
	}

	files, err := fs.Glob(fsys, filepath.ToSlash(filepath.Join(dir, "*.rego")))
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", e.location())
	}

	e.logger.Info().Int("count", len(files)).Msg("Loading policy files")

	modules := make(map[string]string, len(files))
	for _, file := range files {
		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}

		// Parse the module up front so syntax errors name the file
		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}

		modules[file] = string(content)
		e.logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
	}

	return modules, nil
}

func (e *Engine) location() string {
	if e.config.Source == SourceEmbedded {
		return "embedded policies"
	}
	return e.config.PolicyDir
}

// prepare compiles the decision query against modules
func prepare(modules map[string]string) (rego.PreparedEvalQuery, error) {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	for _, name := range names {
		opts = append(opts, rego.Module(name, modules[name]))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare decision query: %w", err)
	}
	return query, nil
}

// Decision represents an enforcement action decision
type Decision struct {
	Action      string `json:"action"`
	GracePeriod *int   `json:"grace_period"`
	Reason      string `json:"reason"`
}

// Evaluate evaluates the enforcement decision for a device
func (e *Engine) Evaluate(ctx context.Context, input map[string]interface{}) (*Decision, error) {
	startTime := time.Now()

	e.mu.RLock()
	query := e.decisionQuery
	e.mu.RUnlock()

	// Evaluate the query
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("decision query evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration_ms", time.Since(startTime)).Msg("Decision query evaluated")

	// Extract result
	if len(results) == 0 {
		return nil, fmt.Errorf("no results from decision query")
	}

	if len(results[0].Expressions) == 0 {
		return nil, fmt.Errorf("no expressions in decision query result")
	}

	// Convert result to Decision
	resultBytes, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal decision: %w", err)
	}

	var decision Decision
	if err := json.Unmarshal(resultBytes, &decision); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
	}

	return &decision, nil
}

// Reload reloads all policies. On failure the previous policies stay active.
func (e *Engine) Reload() error {
	e.logger.Info().Msg("Reloading OPA policies")

	if err := e.load(); err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}

	e.logger.Info().Msg("OPA policies reloaded successfully")

	return nil
}

// Modules returns the names of the loaded policy files
func (e *Engine) Modules() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.modules))
	for name := range e.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
