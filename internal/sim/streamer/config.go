package streamer

import "fmt"

// Config sizes the streamed region. The three squares are side lengths in
// chunks around the reload center; a square of side n covers offsets up to n/2.
type Config struct {
	// NoUpdate is the central square the anchor may roam without a reload.
	NoUpdate int `yaml:"no_update" json:"no_update"`
	// Visible bounds the render set.
	Visible int `yaml:"visible" json:"visible"`
	// StillLoaded bounds which chunks may exist at all.
	StillLoaded int `yaml:"still_loaded" json:"still_loaded"`

	UploadsPerTick int `yaml:"uploads_per_tick" json:"uploads_per_tick"`
	// ChunkCapacity is the arena size. Zero derives it from StillLoaded.
	ChunkCapacity int `yaml:"chunk_capacity" json:"chunk_capacity"`

	// GenerationRate limits generation dispatches per second; <= 0 is unlimited.
	GenerationRate  float64 `yaml:"generation_rate" json:"generation_rate"`
	GenerationBurst int     `yaml:"generation_burst" json:"generation_burst"`
}

func DefaultConfig() Config {
	return Config{
		NoUpdate:       4,
		Visible:        10,
		StillLoaded:    18,
		UploadsPerTick: 4,
	}
}

// LoadedSide is the side of the still-loaded square in chunks.
func (c Config) LoadedSide() int { return 2*(c.StillLoaded/2) + 1 }

// Capacity leaves room for a full region plus one full region of evicted
// chunks still waiting on in-flight jobs.
func (c Config) Capacity() int {
	if c.ChunkCapacity > 0 {
		return c.ChunkCapacity
	}
	side := c.LoadedSide()
	return 2 * side * side
}

func (c Config) Validate() error {
	if c.NoUpdate <= 0 || c.NoUpdate >= c.Visible || c.Visible >= c.StillLoaded {
		return fmt.Errorf("region squares must satisfy 0 < no_update < visible < still_loaded, got %d/%d/%d",
			c.NoUpdate, c.Visible, c.StillLoaded)
	}
	if c.UploadsPerTick <= 0 {
		return fmt.Errorf("uploads_per_tick must be positive, got %d", c.UploadsPerTick)
	}
	if side := c.LoadedSide(); c.ChunkCapacity > 0 && c.ChunkCapacity < side*side {
		return fmt.Errorf("chunk_capacity %d cannot hold a %dx%d region", c.ChunkCapacity, side, side)
	}
	if c.GenerationRate > 0 && c.GenerationBurst <= 0 {
		return fmt.Errorf("generation_burst must be positive when generation_rate is set")
	}
	return nil
}
