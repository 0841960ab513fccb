package cnst

// Config file names
const (
	FleetStateYaml = "fleetstate.yaml"
)

// Redis cluster types
const (
	RedisClusterTypeSingle   = "single"
	RedisClusterTypeSentinel = "sentinel"
	RedisClusterTypeCluster  = "cluster"
)

// DeployMode selects whether the process runs alone or as one worker of a fleet
type DeployMode string

const (
	// ModeEmbedded is a single process embedding the whole state layer
	ModeEmbedded DeployMode = "embedded"
	// ModeDeploy is one of several horizontally scaled workers sharing a backend
	ModeDeploy DeployMode = "deploy"
)

func (m DeployMode) String() string {
	return string(m)
}
