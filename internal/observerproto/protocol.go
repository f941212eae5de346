package observerproto

// Version is the observer protocol version.
const Version = "0.1"

// Client -> Server. First message on the observer WS connection, and can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Optional: include the back-to-front render list, capped at MaxChunks entries.
	IncludeRender bool `json:"include_render,omitempty"`
	MaxChunks     int  `json:"max_chunks,omitempty"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string       `json:"protocol_version"`
	Tick            uint64       `json:"tick"`
	StreamParams    StreamParams `json:"stream_params"`
	VoxelPalette    []string     `json:"voxel_palette"`
	States          []string     `json:"states"`
}

type StreamParams struct {
	TickRateHz  int    `json:"tick_rate_hz"`
	ChunkSize   [3]int `json:"chunk_size"`
	NoUpdate    int    `json:"no_update"`
	Visible     int    `json:"visible"`
	StillLoaded int    `json:"still_loaded"`
	Seed        int64  `json:"seed"`
}

// Server -> Client. Sent every tick.
type TickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`

	Eye        [3]float32 `json:"eye"`
	Anchor     [2]int     `json:"anchor"`
	Center     [2]int     `json:"center"`
	StepMicros int64      `json:"step_us"`

	Units     int            `json:"units"`
	ByState   map[string]int `json:"by_state"`
	Rendered  int            `json:"rendered"`
	Unloading int            `json:"unloading"`
	InFlight  int            `json:"in_flight"`
	Chunks    int            `json:"chunks"`

	Render []RenderChunk `json:"render,omitempty"`
}

// RenderChunk is one render list entry, farthest first.
type RenderChunk struct {
	Pos         [2]int `json:"pos"`
	Triangles   int    `json:"triangles"`
	Transparent int    `json:"transparent"`
}

// HTTP response for GET /admin/v1/observer/chunk?x=&z=.
type ChunkVoxelsMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`

	Pos      [2]int `json:"pos"`
	State    string `json:"state"`
	Encoding string `json:"encoding"`
	Data     string `json:"data"`
}
