// Package intake loads evaluation requests from YAML or JSON files.
//
// A request document is validated against an embedded JSON Schema, its
// version is checked for compatibility, and its text is normalized to
// Unicode NFC before it is turned into an orchestrator.Request. Values a
// document leaves unset come from the named profile and then from the
// process defaults.
package intake

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/jurybox/pkg/config"
	"github.com/Mindburn-Labs/jurybox/pkg/consensus"
	"github.com/Mindburn-Labs/jurybox/pkg/orchestrator"
)

// SupportedVersions is the range of document versions this build reads.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

const schemaURL = "https://jurybox.schemas.local/request.schema.json"

//go:embed schema/request.schema.json
var requestSchema []byte

var (
	ErrInvalidDocument    = errors.New("intake: invalid request document")
	ErrUnsupportedVersion = errors.New("intake: unsupported document version")
)

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, bytes.NewReader(requestSchema)); err != nil {
			compileErr = fmt.Errorf("intake: schema load failed: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Document is a request file as written by a user.
type Document struct {
	Version     string                 `json:"version"`
	ID          string                 `json:"id,omitempty"`
	UserAddress string                 `json:"user_address"`
	Profile     string                 `json:"profile,omitempty"`
	Content     string                 `json:"content,omitempty"`
	ContentFile string                 `json:"content_file,omitempty"`
	Criteria    []string               `json:"criteria,omitempty"`
	Algorithm   string                 `json:"algorithm,omitempty"`
	Agents      []consensus.Agent      `json:"agents,omitempty"`
	Personas    map[string]string      `json:"personas,omitempty"`
	Rounds      *config.RoundOverrides `json:"rounds,omitempty"`

	dir string
}

// Load reads and validates the document at path. The format follows the
// extension: .json is JSON, anything else is YAML.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("intake: read %s: %w", path, err)
	}
	doc, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".json"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	doc.dir = filepath.Dir(path)
	return doc, nil
}

// Parse validates and decodes a document.
func Parse(data []byte, isJSON bool) (*Document, error) {
	raw := data
	if !isJSON {
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("%w: yaml: %w", ErrInvalidDocument, err)
		}
		var err error
		if raw, err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("%w: yaml to json: %w", ErrInvalidDocument, err)
		}
	}

	var instance any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return nil, fmt.Errorf("%w: json: %w", ErrInvalidDocument, err)
	}
	s, err := schema()
	if err != nil {
		return nil, err
	}
	if err := s.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	if err := checkVersion(doc.Version); err != nil {
		return nil, err
	}
	doc.normalize()
	return &doc, nil
}

func checkVersion(v string) error {
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrUnsupportedVersion, v, err)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(version) {
		return fmt.Errorf("%w: %s not in %s", ErrUnsupportedVersion, version, SupportedVersions)
	}
	return nil
}

// normalize puts free text into NFC so equal-looking inputs produce the
// same prompts and the same transcript digest.
func (d *Document) normalize() {
	d.UserAddress = strings.TrimSpace(d.UserAddress)
	d.Content = norm.NFC.String(d.Content)
	for i, c := range d.Criteria {
		d.Criteria[i] = norm.NFC.String(strings.TrimSpace(c))
	}
	for id, p := range d.Personas {
		d.Personas[id] = norm.NFC.String(p)
	}
}

// Resolved is a document merged with its profile and the defaults.
type Resolved struct {
	Request  orchestrator.Request
	Personas map[string]string
}

// Resolve builds the orchestrator request. profile may be nil. Document
// values win over the profile, and the profile wins over defaults.
func (d *Document) Resolve(defaults orchestrator.RoundConfig, profile *config.Profile) (*Resolved, error) {
	content := d.Content
	if content == "" && d.ContentFile != "" {
		path := d.ContentFile
		if !filepath.IsAbs(path) && d.dir != "" {
			path = filepath.Join(d.dir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("intake: read content file: %w", err)
		}
		content = norm.NFC.String(string(data))
	}

	req := orchestrator.Request{
		ID:          d.ID,
		UserAddress: d.UserAddress,
		Content:     content,
		Criteria:    d.Criteria,
		Agents:      d.Agents,
		Algorithm:   consensus.Algorithm(d.Algorithm),
	}
	personas := make(map[string]string)

	rounds := defaults
	if profile != nil {
		if len(req.Agents) == 0 {
			req.Agents = profile.Agents
		}
		if req.Algorithm == "" {
			req.Algorithm = consensus.Algorithm(profile.Algorithm)
		}
		if len(req.Criteria) == 0 {
			req.Criteria = profile.Criteria
		}
		for id, p := range profile.Personas {
			personas[id] = p
		}
		var err error
		if rounds, err = profile.Rounds.Apply(rounds); err != nil {
			return nil, fmt.Errorf("intake: profile %q: %w", profile.Name, err)
		}
	}
	var err error
	if rounds, err = d.Rounds.Apply(rounds); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	req.Rounds = rounds
	for id, p := range d.Personas {
		personas[id] = p
	}

	if len(req.Agents) == 0 {
		return nil, fmt.Errorf("%w: no agents in document or profile", ErrInvalidDocument)
	}
	return &Resolved{Request: req, Personas: personas}, nil
}
