package model

import (
	"context"
	"io"
	"runtime"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	DefaultLabelPrefix = "basin_"
	DefaultTimeout     = "10m"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version int           `json:"version" yaml:"version"` // fixed 0 for now
	Engine  Engine        `json:"engine" yaml:"engine"`
	Session SessionConfig `json:"session" yaml:"session"`
	Run     Run           `json:"run" yaml:"run"`
	Log     Log           `json:"log" yaml:"log"`
}

// Engine describes how to invoke the raster engine. Every step is an
// argument list rendered as text/template and appended to Binary Args.
type Engine struct {
	Binary   string            `json:"binary" yaml:"binary"`
	Args     []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Timeout  *Duration         `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Commands Commands          `json:"commands" yaml:"commands"`
}

type Commands struct {
	Check      [][]string `json:"check,omitempty" yaml:"check,omitempty"`
	Delineate  [][]string `json:"delineate" yaml:"delineate"`
	ZonalStats [][]string `json:"zonal_stats" yaml:"zonal_stats"`
	Discard    [][]string `json:"discard,omitempty" yaml:"discard,omitempty"`
}

// SessionConfig names the pre-existing engine session
type SessionConfig struct {
	Name        string `json:"name" yaml:"name"`
	Direction   string `json:"direction" yaml:"direction"`
	LabelPrefix string `json:"label_prefix,omitempty" yaml:"label_prefix,omitempty"`
}

type Run struct {
	Concurrency   int    `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Workspace     string `json:"workspace,omitempty" yaml:"workspace,omitempty"` // parent of the run workspace, os.TempDir if empty
	KeepWorkspace bool   `json:"keep_workspace,omitempty" yaml:"keep_workspace,omitempty"`
	DB            string `json:"db,omitempty" yaml:"db,omitempty"` // sqlite file storing run results
}

type Log struct {
	Verbose bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	File    string `json:"file,omitempty" yaml:"file,omitempty"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
// Unset optional values are filled with defaults.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("basinstats.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	out.applyDefaults()
	return out, nil
}

func (c *Config) applyDefaults() {
	if c.Session.LabelPrefix == "" {
		c.Session.LabelPrefix = DefaultLabelPrefix
	}
	if c.Run.Concurrency == 0 {
		c.Run.Concurrency = DefaultConcurrency()
	}
	if c.Engine.Timeout == nil {
		var d Duration
		_ = d.UnmarshalText([]byte(DefaultTimeout))
		c.Engine.Timeout = &d
	}
}

// DefaultConcurrency stays below the number of available CPUs. It is
// a recommendation only, an explicit value is never capped.
func DefaultConcurrency() int {
	n := runtime.NumCPU() * 9 / 10
	return max(n, 1)
}

// DefaultConfig returns a configuration driving GRASS GIS through
// grass --exec. Session name and direction raster must be edited.
func DefaultConfig(_ context.Context) Config {
	cfg := Config{
		Version: 0,
		Engine: Engine{
			Binary: "grass",
			Args:   []string{"{{.Session}}", "--exec"},
			Commands: Commands{
				Check: [][]string{
					{"g.gisenv", "get=MAPSET"},
				},
				Delineate: [][]string{
					{"r.water.outlet", "input={{.Direction}}", "output={{.Label}}", "coordinates={{.X}},{{.Y}}", "--overwrite"},
				},
				ZonalStats: [][]string{
					// map names are quoted, labels may carry - or .
					{"r.mapcalc", `expression="{{.Zone}}_v" = if(isnull("{{.Zone}}"), null(), "{{.Raster}}")`, "--overwrite"},
					{"r.univar", "-g", "map={{.Zone}}_v", "output={{.Output}}", "--overwrite"},
				},
				Discard: [][]string{
					{"g.remove", "-f", "type=raster", "pattern={{.Pattern}}"},
				},
			},
		},
		Session: SessionConfig{
			Name:      "/path/to/grassdata/location/mapset",
			Direction: "flow_direction",
		},
	}
	cfg.applyDefaults()
	return cfg
}
