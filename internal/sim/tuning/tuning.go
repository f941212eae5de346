package tuning

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"voxstream.dev/internal/sim/streamer"
)

// ErrInvalid wraps every schema or semantic rejection.
var ErrInvalid = errors.New("invalid tuning")

//go:embed tuning.schema.json
var schemaJSON string

type Tuning struct {
	TickRateHz int   `yaml:"tick_rate_hz" json:"tick_rate_hz"`
	Seed       int64 `yaml:"seed" json:"seed"`
	// Workers <= 0 means one per CPU.
	Workers int `yaml:"workers" json:"workers"`

	Streaming streamer.Config `yaml:"streaming" json:"streaming"`
	Terrain   Terrain         `yaml:"terrain" json:"terrain"`
	Observer  Observer        `yaml:"observer" json:"observer"`
	TickLog   TickLog         `yaml:"tick_log" json:"tick_log"`
}

type Terrain struct {
	SeaLevel        int `yaml:"sea_level" json:"sea_level"`
	BaseHeight      int `yaml:"base_height" json:"base_height"`
	Amplitude       int `yaml:"amplitude" json:"amplitude"`
	NoiseScale      int `yaml:"noise_scale" json:"noise_scale"`
	BiomeRegionSize int `yaml:"biome_region_size" json:"biome_region_size"`
	ForestTrees     int `yaml:"forest_trees_permille" json:"forest_trees_permille"`
	PlainsTrees     int `yaml:"plains_trees_permille" json:"plains_trees_permille"`
}

// Observer is the scripted flight of the headless server.
type Observer struct {
	Start [3]float32 `yaml:"start" json:"start"`
	// HeadingDeg is measured from +X towards +Z.
	HeadingDeg float64 `yaml:"heading_deg" json:"heading_deg"`
	// Speed is in voxels per second.
	Speed float64 `yaml:"speed" json:"speed"`
}

type TickLog struct {
	KeepRender bool `yaml:"keep_render" json:"keep_render"`
}

func Defaults() Tuning {
	return Tuning{
		TickRateHz: 20,
		Seed:       1337,
		Streaming:  streamer.DefaultConfig(),
		Terrain: Terrain{
			SeaLevel:        20,
			BaseHeight:      22,
			Amplitude:       14,
			NoiseScale:      24,
			BiomeRegionSize: 96,
			ForestTrees:     30,
			PlainsTrees:     4,
		},
		Observer: Observer{
			Start:      [3]float32{8, 48, 8},
			HeadingDeg: 30,
			Speed:      12,
		},
	}
}

// Load reads path on top of Defaults. The document is checked against the
// embedded schema before decoding, then Validate runs on the result.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (Tuning, error) {
	t := Defaults()
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := validateSchema(doc); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w: %v", ErrInvalid, err)
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.TickRateHz <= 0 || t.TickRateHz > 1000 {
		return fmt.Errorf("%w: tick_rate_hz out of range: %d", ErrInvalid, t.TickRateHz)
	}
	if err := t.Streaming.Validate(); err != nil {
		return fmt.Errorf("%w: streaming: %v", ErrInvalid, err)
	}
	if t.Terrain.NoiseScale <= 0 || t.Terrain.BiomeRegionSize <= 0 {
		return fmt.Errorf("%w: terrain scales must be positive", ErrInvalid)
	}
	if t.Observer.Speed < 0 {
		return fmt.Errorf("%w: observer speed must not be negative", ErrInvalid)
	}
	return nil
}

var (
	schemaOnce sync.Once
	compiled   *jsonschema.Schema
	compileErr error
)

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiled, compileErr = jsonschema.CompileString("tuning.schema.json", schemaJSON)
	})
	return compiled, compileErr
}

// validateSchema round-trips through JSON so YAML scalars take the types the
// validator expects.
func validateSchema(doc any) error {
	s, err := schema()
	if err != nil {
		return err
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return s.Validate(v)
}
