package models

import "time"

// CommandResult holds the outcome of one remote command.
type CommandResult struct {
	Command      string // as logged, never includes secrets
	ExitCode     int    // -1 when the remote side never reported a status
	Stdout       string
	Stderr       string
	Disconnected bool // connection dropped before an exit status arrived
	Duration     time.Duration
}

// ShutdownResult holds the result of issuing a power-off command.
type ShutdownResult struct {
	Host       string
	Command    string
	CommandRun bool
	DryRun     bool
	ExitCode   int
	Output     string
	Error      error // soft: the host may still go down
}

// Diagnosis holds the checks run on a relay after a hop to target failed.
type Diagnosis struct {
	Target    string
	Via       string
	DNSOK     *bool
	DNSIPs    []string
	TCPOK     *bool
	TCPMethod string
}
