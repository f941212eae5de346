package streamer

// State is a chunk's lifecycle stage. Units only ever move to the next state.
type State uint8

const (
	Generating State = iota
	Generated
	Decorating
	Decorated
	Meshing
	Meshed
	Uploading
	Uploaded

	numStates
)

var stateNames = [...]string{
	Generating: "GENERATING",
	Generated:  "GENERATED",
	Decorating: "DECORATING",
	Decorated:  "DECORATED",
	Meshing:    "MESHING",
	Meshed:     "MESHED",
	Uploading:  "UPLOADING",
	Uploaded:   "UPLOADED",
}

func (s State) String() string {
	if s < numStates {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// States lists every state in lifecycle order.
func States() []State {
	out := make([]State, numStates)
	for i := range out {
		out[i] = State(i)
	}
	return out
}
