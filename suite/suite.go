// Package suite loads conversation test suites from JSON files, finds
// them with glob patterns and watches them for changes.
package suite

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/convotest/engine"
	"github.com/c360studio/convotest/requests"
	"github.com/c360studio/convotest/runs"
)

// DefaultOrgID is used when a suite file names no organization.
const DefaultOrgID = "file-org"

// ErrInvalidFile is returned for suite files that do not parse or
// validate.
var ErrInvalidFile = errors.New("invalid_test_file")

// File is the on-disk shape of a suite.
type File struct {
	OrgID        string              `json:"orgId,omitempty"`
	Suite        string              `json:"suite,omitempty"`
	Env          *engine.Environment `json:"env,omitempty"`
	Imports      Imports             `json:"imports"`
	AssistantRef string              `json:"assistantRef,omitempty"`
	Thresholds   *runs.Thresholds    `json:"thresholds,omitempty"`
	Tests        []FileTest          `json:"tests"`
}

// Imports lists files a suite pulls definitions from, relative to the
// suite file.
type Imports struct {
	Personas []string `json:"personas,omitempty"`
	Requests []string `json:"requests,omitempty"`
}

// FileTest is a test as written in a suite file.
type FileTest struct {
	engine.TestDefinition
	// PersonaID selects a persona from the imported persona files.
	PersonaID string `json:"personaId,omitempty"`
}

// Persona is a reusable simulated-user description.
type Persona struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Text string `json:"text,omitempty"`
	YAML string `json:"yaml,omitempty"`
}

// Content returns the persona text, preferring the YAML form.
func (p Persona) Content() string {
	if p.YAML != "" {
		return p.YAML
	}
	return p.Text
}

type personaFile struct {
	Personas []Persona `json:"personas"`
}

type assistantFile struct {
	Env *engine.Environment `json:"env"`
}

// Suite is a loaded suite file.
type Suite struct {
	Path        string
	ID          string
	OrgID       string
	Environment engine.Environment
	Tests       []engine.TestDefinition
	Thresholds  *runs.Thresholds
	// Requests holds the imported request definitions and auth blocks.
	Requests *requests.MemoryStore
	// Hash is the sha256 of the suite file.
	Hash string

	executor engine.RequestExecutor
}

// RunSuite converts s for the run service.
func (s *Suite) RunSuite() *runs.Suite {
	return &runs.Suite{
		ID:          s.ID,
		OrgID:       s.OrgID,
		Environment: s.Environment,
		Tests:       s.Tests,
		Thresholds:  s.Thresholds,
		Executor:    s.executor,
	}
}

// Loader reads suite files.
type Loader struct {
	auth     *requests.AuthResolver
	execOpts []requests.ExecutorOption
	logger   *slog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithAuthResolver sets the resolver shared by every suite's request
// executor.
func WithAuthResolver(a *requests.AuthResolver) LoaderOption {
	return func(l *Loader) { l.auth = a }
}

// WithExecutorOptions sets options for every suite's request executor.
func WithExecutorOptions(opts ...requests.ExecutorOption) LoaderOption {
	return func(l *Loader) { l.execOpts = append(l.execOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader creates a Loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.auth == nil {
		l.auth = requests.NewAuthResolver(requests.NewMemoryTokenCache(time.Minute), requests.WithAuthLogger(l.logger))
	}
	return l
}

// Load reads and validates the suite at path. Imports and the assistant
// reference are resolved relative to the file; missing or unreadable
// imports are logged and skipped.
func (l *Loader) Load(path string) (*Suite, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve suite path: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read suite file: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFile, abs, err)
	}
	if f.Env != nil {
		if err := validateChannel(f.Env.Channel); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFile, abs, err)
		}
	}
	if len(f.Tests) == 0 {
		return nil, fmt.Errorf("%w: tests[] is empty in %s", runs.ErrNoTests, abs)
	}

	dir := filepath.Dir(abs)
	s := &Suite{
		Path:     abs,
		OrgID:    f.OrgID,
		Hash:     contentHash(data),
		Requests: requests.NewMemoryStore(),
	}
	if s.OrgID == "" {
		s.OrgID = DefaultOrgID
	}
	name := f.Suite
	if name == "" {
		name = filepath.Base(abs)
	}
	s.ID = "file-suite:" + name
	s.Thresholds = f.Thresholds

	if f.Env != nil {
		s.Environment = *f.Env
	}
	if f.AssistantRef != "" {
		l.applyAssistant(s, resolveRef(dir, f.AssistantRef))
	}
	if s.Environment.Channel == "" {
		s.Environment.Channel = engine.ChannelHTTPChat
	}

	for _, rel := range f.Imports.Requests {
		p := resolveRef(dir, rel)
		imp, err := requests.LoadImportFile(p)
		if err != nil {
			l.logger.Warn("Skipping request import", "suite", s.ID, "path", p, "error", err)
			continue
		}
		s.Requests.Import(imp)
	}
	if s.Requests.Len() > 0 {
		s.executor = requests.NewExecutor(s.Requests, l.auth, l.execOpts...)
	}

	personas := make(map[string]Persona)
	for _, rel := range f.Imports.Personas {
		p := resolveRef(dir, rel)
		loaded, err := loadPersonas(p)
		if err != nil {
			l.logger.Warn("Skipping persona import", "suite", s.ID, "path", p, "error", err)
			continue
		}
		for _, persona := range loaded {
			personas[persona.ID] = persona
		}
	}

	s.Tests = make([]engine.TestDefinition, len(f.Tests))
	for i, ft := range f.Tests {
		t := ft.TestDefinition
		t.ID = s.ID + ":test:" + strconv.Itoa(i)
		if t.OrgID == "" {
			t.OrgID = s.OrgID
		}
		if t.SuiteID == "" {
			t.SuiteID = s.ID
		}
		if t.Persona == "" && ft.PersonaID != "" {
			if p, ok := personas[ft.PersonaID]; ok {
				t.Persona = p.Content()
			} else {
				l.logger.Warn("Unknown persona", "suite", s.ID, "test", t.ID, "persona_id", ft.PersonaID)
			}
		}
		s.Tests[i] = t
	}

	l.logger.Debug("Suite loaded", "suite", s.ID, "path", abs, "tests", len(s.Tests), "requests", s.Requests.Len())
	return s, nil
}

// applyAssistant replaces the suite environment with the assistant file's
// env, keeping the current channel when the assistant names none.
func (l *Loader) applyAssistant(s *Suite, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		l.logger.Warn("Assistant reference not readable", "suite", s.ID, "path", path, "error", err)
		return
	}
	var af assistantFile
	if err := json.Unmarshal(data, &af); err != nil || af.Env == nil {
		l.logger.Warn("Assistant reference has no env", "suite", s.ID, "path", path)
		return
	}
	env := *af.Env
	if env.Channel == "" {
		env.Channel = s.Environment.Channel
	}
	s.Environment = env
}

func validateChannel(ch string) error {
	switch ch {
	case "", engine.ChannelHTTPChat, engine.ChannelOpenAIChat, engine.ChannelBedrockChat:
		return nil
	default:
		return fmt.Errorf("unsupported channel %q", ch)
	}
}

// loadPersonas reads either {"personas": [...]} or a single persona.
func loadPersonas(path string) ([]Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pf personaFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse persona file: %w", err)
	}
	if len(pf.Personas) > 0 {
		return pf.Personas, nil
	}
	var single Persona
	if err := json.Unmarshal(data, &single); err != nil || single.ID == "" {
		return nil, fmt.Errorf("no personas in %s", path)
	}
	return []Persona{single}, nil
}

func resolveRef(dir, ref string) string {
	if filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(dir, strings.TrimPrefix(ref, "./"))
}

// contentHash returns the hex sha256 of content.
func contentHash(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}
