package model

// AppState is one application's committed state as reported by a node
// agent on /v1/state.
type AppState struct {
	Profile      string `json:"profile"`
	State        string `json:"state"`
	Workers      int64  `json:"workers"`
	StateVersion int64  `json:"state_version"`
	Timestamp    int64  `json:"timestamp"`

	// Incoming is the target worker count the node was asked for, when the
	// agent reports it separately from the committed one.
	Incoming *int64 `json:"incoming,omitempty"`
	// Running is the number of workers actually observed on the node.
	Running *int64 `json:"running,omitempty"`
}

// CommittedState is the /v1/state response body.
type CommittedState struct {
	State     map[string]AppState `json:"state"`
	Version   int64               `json:"version"`
	Timestamp int64               `json:"timestamp"`
}

// AgentInfo is the /info response body.
type AgentInfo struct {
	Uptime  int64  `json:"uptime"`
	Version string `json:"version"`
	UUID    string `json:"uuid"`
}
