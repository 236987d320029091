package main

// Exit codes shared by every command.
const (
	ExitSuccess     = 0 // Success
	ExitError       = 1 // General error (invalid arguments, runtime failure)
	ExitConfigError = 2 // Configuration error (bad settings, no workspace, unknown embedder)
	ExitDataError   = 3 // Data error (unknown sample, sample not indexed)
)
