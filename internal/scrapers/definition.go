package scrapers

import (
	"embed"
	"io/fs"
	"os"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"price-aggregator/internal/ratelimit"
)

//go:embed fixtures/*.yaml
var fixturesFS embed.FS

// Mode selects how a backend produces results.
type Mode string

const (
	ModeLive    Mode = "live"
	ModeFixture Mode = "fixture"
)

// Engine selects the live client implementation.
type Engine string

const (
	EngineColly  Engine = "colly"
	EngineChrome Engine = "chrome"
)

// Definition configures one backend.
type Definition struct {
	Name string `yaml:"name"`
	Mode Mode   `yaml:"mode"`

	// Live backends.
	Engine     Engine        `yaml:"engine"`
	Retailer   string        `yaml:"retailer"`
	Country    string        `yaml:"country"`
	BaseURL    string        `yaml:"base_url"`
	Credential string        `yaml:"credential"`
	Timeout    time.Duration `yaml:"timeout"`

	// Fixture backends. An empty path selects the bundled catalog named
	// after the backend.
	Fixture string `yaml:"fixture"`

	RateLimit *ratelimit.ServiceConfig `yaml:"rate_limit"`
}

// Validate checks the definition is internally consistent.
func (d Definition) Validate() error {
	if err := ValidateName(d.Name); err != nil {
		return err
	}
	switch d.Mode {
	case ModeFixture:
	case ModeLive:
		switch d.Engine {
		case "", EngineColly:
			if _, ok := profiles[d.Retailer]; !ok {
				return errors.Errorf("backend %q: unknown retailer %q", d.Name, d.Retailer)
			}
		case EngineChrome:
			if d.Retailer == "" {
				return errors.Errorf("backend %q: retailer is required", d.Name)
			}
		default:
			return errors.Errorf("backend %q: unknown engine %q", d.Name, d.Engine)
		}
	default:
		return errors.Errorf("backend %q: unknown mode %q", d.Name, d.Mode)
	}
	return nil
}

type definitionsFile struct {
	Backends []Definition `yaml:"backends"`
}

// LoadDefinitions reads backend definitions from path, or the bundled
// fixture set when path is empty.
func LoadDefinitions(path string) ([]Definition, error) {
	var (
		data []byte
		err  error
	)
	if path == "" {
		data, err = fs.ReadFile(fixturesFS, "fixtures/backends.yaml")
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, errors.Wrap(err, "read backend definitions")
	}
	return ParseDefinitions(data)
}

// ParseDefinitions decodes and validates a definitions document.
func ParseDefinitions(data []byte) ([]Definition, error) {
	var f definitionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "decode backend definitions")
	}
	if len(f.Backends) == 0 {
		return nil, errors.New("no backends defined")
	}
	seen := make(map[string]struct{}, len(f.Backends))
	for _, d := range f.Backends {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, ok := seen[d.Name]; ok {
			return nil, errors.Errorf("backend %q defined twice", d.Name)
		}
		seen[d.Name] = struct{}{}
	}
	return f.Backends, nil
}

// Deps are shared collaborators for backends built by New.
type Deps struct {
	Credentials CredentialSource
	Logger      *zap.Logger
}

// New builds the backend described by def. Chrome-engine backends live in
// package browser and are not built here.
func New(def Definition, deps Deps) (Backend, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	switch def.Mode {
	case ModeFixture:
		return NewFixtureBackend(def)
	case ModeLive:
		if def.Engine == EngineChrome {
			return nil, errors.Errorf("backend %q: chrome engine is not built by this package", def.Name)
		}
		return NewRetailerScraper(def, deps)
	}
	return nil, errors.Errorf("backend %q: unknown mode %q", def.Name, def.Mode)
}
