package types

import "time"

// Config holds every option recognized by the mesh, with defaults matching
// spec.md §6's Configuration table. It plays the role the teacher's
// types.PeerConfiguration / types.Configuration play: a single struct handed
// to every subsystem constructor.
type Config struct {
	NodeID NodeID

	MeshPrefix   string
	MeshPassword string
	Port         int
	Channel      int

	IsRoot       bool
	ContainsRoot bool

	LivenessTimeout   time.Duration
	NodeSyncInterval  time.Duration
	TimeSyncInterval  time.Duration

	OTAChunkSize        int
	OTAAnnounceInterval time.Duration

	GatewayInternetCheckInterval time.Duration
	GatewayInternetCheckHost     string
	GatewayInternetCheckPort    int
	GatewayHeartbeatInterval     time.Duration
	GatewayFailureTimeout        time.Duration
	GatewayDedupWindow           time.Duration
	GatewayMaxTrackedMessages    int
	GatewayParticipateInElection bool

	Logger Logger
}

// DefaultConfig returns a Config populated with every default named in
// spec.md §6, for the given node identity.
func DefaultConfig(nodeID NodeID) *Config {
	return &Config{
		NodeID:       nodeID,
		MeshPrefix:   "painlessMesh",
		MeshPassword: "",
		Port:         5555,
		Channel:      0,

		IsRoot:       false,
		ContainsRoot: false,

		LivenessTimeout:  30 * time.Second,
		NodeSyncInterval: 10 * time.Minute,
		TimeSyncInterval: 10 * time.Minute,

		OTAChunkSize:        1024,
		OTAAnnounceInterval: 60 * time.Second,

		GatewayInternetCheckInterval: 30 * time.Second,
		GatewayInternetCheckHost:     "8.8.8.8",
		GatewayInternetCheckPort:    53,
		GatewayHeartbeatInterval:     15 * time.Second,
		GatewayFailureTimeout:        45 * time.Second,
		GatewayDedupWindow:           60 * time.Second,
		GatewayMaxTrackedMessages:    500,
		GatewayParticipateInElection: true,
	}
}
