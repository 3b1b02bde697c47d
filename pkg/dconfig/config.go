// Package dconfig implements the declarative configuration document of §6:
// connections, sources, transforms, endpoints and the query-surface
// settings that together describe one Dozer deployment. Documents are
// parsed with strict, unknown-field-rejecting YAML decoding, and
// connection credentials are never held in memory as plaintext once
// EncryptSecrets has run.
package dconfig

import (
	"fmt"
	"io"
	"os"

	"github.com/getdozer/dozer/pkg/aggregation"
	"github.com/getdozer/dozer/pkg/index"
	"github.com/getdozer/dozer/pkg/security"
	"github.com/getdozer/dozer/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config is the top-level declarative document.
type Config struct {
	AppName     string       `yaml:"app_name"`
	HomeDir     string       `yaml:"home_dir,omitempty"`
	CacheDir    string       `yaml:"cache_dir,omitempty"`
	LogLevel    string       `yaml:"log_level,omitempty"`
	SecretKey   string       `yaml:"secret_key,omitempty"`
	Connections []Connection `yaml:"connections"`
	Sources     []Source     `yaml:"sources"`
	Transforms  []Transform  `yaml:"transforms,omitempty"`
	Endpoints   []Endpoint   `yaml:"endpoints"`
	API         APIConfig    `yaml:"api,omitempty"`
}

// Connection describes one upstream or downstream system. Password is only
// ever populated in memory between parsing and EncryptSecrets; it is never
// the thing persisted or logged.
type Connection struct {
	Name     string            `yaml:"name"`
	Kind     string            `yaml:"kind"`
	Host     string            `yaml:"host,omitempty"`
	Port     int               `yaml:"port,omitempty"`
	User     string            `yaml:"user,omitempty"`
	Password string            `yaml:"password,omitempty"`
	Database string            `yaml:"database,omitempty"`
	Options  map[string]string `yaml:"options,omitempty"`

	secret *security.Secret
}

// Source binds a named pipeline input to a table on a Connection.
type Source struct {
	Name       string   `yaml:"name"`
	Connection string   `yaml:"connection"`
	TableName  string   `yaml:"table_name"`
	Columns    []string `yaml:"columns,omitempty"`
}

// MeasureConfig is one aggregated output column of a Transform.
type MeasureConfig struct {
	Field string `yaml:"field"`
	Kind  string `yaml:"kind"`
}

// Transform is one DAG processor node. Kind "aggregation" is backed by
// pkg/aggregation; other kinds are pass-through/projection nodes with no
// state to configure here.
type Transform struct {
	Name     string          `yaml:"name"`
	Kind     string          `yaml:"kind"`
	Inputs   []string        `yaml:"inputs"`
	GroupBy  []string        `yaml:"group_by,omitempty"`
	Measures []MeasureConfig `yaml:"measures,omitempty"`
}

// IndexConfig declares one secondary index over an Endpoint's schema.
type IndexConfig struct {
	Name   string   `yaml:"name"`
	Kind   string   `yaml:"kind"`
	Fields []string `yaml:"fields"`
}

// Endpoint exposes one named, queryable cache over the query surfaces
// enabled in API.
type Endpoint struct {
	Name   string        `yaml:"name"`
	Source string        `yaml:"source"`
	Path   string        `yaml:"path,omitempty"`
	Index  []IndexConfig `yaml:"index,omitempty"`
}

// APIConfig toggles and configures the query surfaces of §6.
type APIConfig struct {
	REST     RESTConfig     `yaml:"rest,omitempty"`
	GRPC     GRPCConfig     `yaml:"grpc,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

type RESTConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port,omitempty"`
}

type GRPCConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port,omitempty"`
}

type PostgresConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port,omitempty"`
}

// Load decodes a Config from r with strict, unknown-field-rejecting YAML
// decoding, then validates cross-references between its sections.
func Load(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("dconfig: decoding document: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile opens path and parses it as a Config.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dconfig: opening %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Validate checks that every Source, Transform and Endpoint reference
// names that actually exist elsewhere in the document.
func (c *Config) Validate() error {
	connections := make(map[string]bool, len(c.Connections))
	for _, conn := range c.Connections {
		if conn.Name == "" {
			return fmt.Errorf("dconfig: connection with empty name")
		}
		if connections[conn.Name] {
			return fmt.Errorf("dconfig: duplicate connection name %q", conn.Name)
		}
		connections[conn.Name] = true
	}

	sources := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("dconfig: source with empty name")
		}
		if sources[s.Name] {
			return fmt.Errorf("dconfig: duplicate source name %q", s.Name)
		}
		if !connections[s.Connection] {
			return fmt.Errorf("dconfig: source %q references unknown connection %q", s.Name, s.Connection)
		}
		sources[s.Name] = true
	}

	transforms := make(map[string]bool, len(c.Transforms))
	for _, tr := range c.Transforms {
		if tr.Name == "" {
			return fmt.Errorf("dconfig: transform with empty name")
		}
		if transforms[tr.Name] {
			return fmt.Errorf("dconfig: duplicate transform name %q", tr.Name)
		}
		for _, in := range tr.Inputs {
			if !sources[in] && !transforms[in] {
				return fmt.Errorf("dconfig: transform %q references unknown input %q", tr.Name, in)
			}
		}
		if tr.Kind == "aggregation" {
			for _, m := range tr.Measures {
				if _, err := ResolveMeasureKind(m.Kind); err != nil {
					return fmt.Errorf("dconfig: transform %q: %w", tr.Name, err)
				}
			}
		}
		transforms[tr.Name] = true
	}

	endpoints := make(map[string]bool, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("dconfig: endpoint with empty name")
		}
		if endpoints[ep.Name] {
			return fmt.Errorf("dconfig: duplicate endpoint name %q", ep.Name)
		}
		if !sources[ep.Source] && !transforms[ep.Source] {
			return fmt.Errorf("dconfig: endpoint %q references unknown source %q", ep.Name, ep.Source)
		}
		for _, idx := range ep.Index {
			if _, err := ResolveIndexKind(idx.Kind); err != nil {
				return fmt.Errorf("dconfig: endpoint %q: %w", ep.Name, err)
			}
		}
		endpoints[ep.Name] = true
	}
	return nil
}

// ResolveMeasureKind maps a transform's measure kind string to its
// aggregation.Kind.
func ResolveMeasureKind(s string) (aggregation.Kind, error) {
	switch s {
	case "sum":
		return aggregation.Sum, nil
	case "min":
		return aggregation.Min, nil
	case "min_append_only":
		return aggregation.MinAppendOnly, nil
	case "min_value":
		return aggregation.MinValue, nil
	case "max":
		return aggregation.Max, nil
	case "max_append_only":
		return aggregation.MaxAppendOnly, nil
	case "max_value":
		return aggregation.MaxValue, nil
	case "avg":
		return aggregation.Avg, nil
	case "count":
		return aggregation.Count, nil
	default:
		return 0, fmt.Errorf("dconfig: unknown measure kind %q", s)
	}
}

// ResolveIndexKind maps an endpoint's index kind string to its index.Kind.
func ResolveIndexKind(s string) (index.Kind, error) {
	switch s {
	case "sorted_inverted":
		return index.KindSortedInverted, nil
	case "full_text":
		return index.KindFullText, nil
	default:
		return 0, fmt.Errorf("dconfig: unknown index kind %q", s)
	}
}

// BuildIndexDefinitions resolves ep's declared indexes against schema,
// turning field names into the positional index.Definition the cache
// builder needs.
func BuildIndexDefinitions(ep Endpoint, schema types.Schema) ([]index.Definition, error) {
	defs := make([]index.Definition, 0, len(ep.Index))
	for _, idx := range ep.Index {
		kind, err := ResolveIndexKind(idx.Kind)
		if err != nil {
			return nil, err
		}
		positions := make([]int, 0, len(idx.Fields))
		for _, name := range idx.Fields {
			pos, ok := fieldPosition(schema, name)
			if !ok {
				return nil, fmt.Errorf("dconfig: index %q references unknown field %q", idx.Name, name)
			}
			positions = append(positions, pos)
		}
		defs = append(defs, index.Definition{Name: idx.Name, Kind: kind, Fields: positions})
	}
	return defs, nil
}

// BuildMeasures resolves a Transform's declared measures against schema.
func BuildMeasures(tr Transform, schema types.Schema) ([]aggregation.Measure, error) {
	measures := make([]aggregation.Measure, 0, len(tr.Measures))
	for _, m := range tr.Measures {
		kind, err := ResolveMeasureKind(m.Kind)
		if err != nil {
			return nil, err
		}
		pos, ok := fieldPosition(schema, m.Field)
		if !ok {
			return nil, fmt.Errorf("dconfig: measure references unknown field %q", m.Field)
		}
		measures = append(measures, aggregation.Measure{Field: pos, Kind: kind})
	}
	return measures, nil
}

// BuildGroupByPositions resolves a Transform's group_by field names against
// schema.
func BuildGroupByPositions(tr Transform, schema types.Schema) ([]int, error) {
	positions := make([]int, 0, len(tr.GroupBy))
	for _, name := range tr.GroupBy {
		pos, ok := fieldPosition(schema, name)
		if !ok {
			return nil, fmt.Errorf("dconfig: group_by references unknown field %q", name)
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func fieldPosition(schema types.Schema, name string) (int, bool) {
	for i, f := range schema.Fields {
		if f.Name == name {
			return i, true
		}
	}
	return 0, false
}

// EncryptSecrets moves every Connection's plaintext Password into an
// encrypted security.Secret and clears the plaintext field, so the Config
// held in memory after this call never carries a readable credential.
func (c *Config) EncryptSecrets(sm *security.SecretsManager) error {
	for i := range c.Connections {
		conn := &c.Connections[i]
		if conn.Password == "" {
			continue
		}
		secret, err := sm.CreateSecret(conn.Name, []byte(conn.Password))
		if err != nil {
			return fmt.Errorf("dconfig: encrypting connection %q secret: %w", conn.Name, err)
		}
		conn.secret = secret
		conn.Password = ""
	}
	return nil
}

// DecryptPassword returns the connection's plaintext password, decrypting
// its stored Secret if EncryptSecrets has already run.
func (c Connection) DecryptPassword(sm *security.SecretsManager) (string, error) {
	if c.secret == nil {
		return c.Password, nil
	}
	plaintext, err := sm.GetSecretData(c.secret)
	if err != nil {
		return "", fmt.Errorf("dconfig: decrypting connection %q secret: %w", c.Name, err)
	}
	return string(plaintext), nil
}

// Redacted returns a copy of c with every connection credential
// replaced by a fixed mask, safe to log or dump, the same masked-field
// idiom pkg/security uses when describing a certificate. Only the
// Connections slice is newly allocated; other slices and maps are shared
// with c.
func (c Config) Redacted() Config {
	redacted := c
	redacted.SecretKey = maskIfSet(c.SecretKey)
	redacted.Connections = make([]Connection, len(c.Connections))
	for i, conn := range c.Connections {
		conn.Password = maskIfSet(conn.Password)
		conn.secret = nil
		redacted.Connections[i] = conn
	}
	return redacted
}

func maskIfSet(s string) string {
	if s == "" {
		return ""
	}
	return "***REDACTED***"
}

// String renders a redacted YAML dump of the document, safe for logs.
func (c Config) String() string {
	b, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return fmt.Sprintf("dconfig: <unrenderable: %v>", err)
	}
	return string(b)
}
