package cnst

const (
	// AppName is the name of the application
	AppName = "fleetstate"
	// CommandName is the name of the CLI binary
	CommandName = "fleetstate"
)
