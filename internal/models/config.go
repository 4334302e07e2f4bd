// Package models contains the data structures used throughout fleet-shutdown.
package models

import (
	"net"
	"regexp"
	"strconv"
	"time"
)

// Plan holds the complete, resolved input for a shutdown run.
type Plan struct {
	Gateway  GatewayConfig
	Fleets   []FleetConfig // order is the shutdown order
	Run      RunConfig
	Timeouts Timeouts
	Telegram *TelegramConfig // nil if not configured
}

// GatewayConfig describes the single directly reachable host.
type GatewayConfig struct {
	Host              string
	Port              int
	User              string
	KeyPath           string     // path to key file
	Key               Credential // resolved key material
	NeedsSudoPassword bool
	SudoPassword      string
}

// FleetConfig describes a workstation and the nodes reachable only through it.
type FleetConfig struct {
	Name              string
	Host              string // defaults to Name
	Port              int
	User              string
	Password          Credential
	NeedsSudoPassword bool
	Nodes             []string // order is the shutdown order
}

// RunConfig holds settings applied uniformly across a run.
type RunConfig struct {
	PowerOffCommand     string
	NodeShutdownTimeout time.Duration
	PollInterval        time.Duration
	DryRun              bool
	Strict              bool
	Preflight           bool
	Diagnose            bool
	KnownHostsPath      string // empty disables host key verification
}

// Timeouts bounds every blocking point of a run.
type Timeouts struct {
	Connect     time.Duration // TCP dial to the gateway
	Handshake   time.Duration // SSH handshake and auth on any hop
	ChannelOpen time.Duration // forwarded channel through a relay
	Command     time.Duration // one remote command
	Probe       time.Duration // one reachability attempt
	DiagCommand time.Duration
	NC          time.Duration // nc -w on the relay during diagnostics
}

// CredentialKind selects the SSH auth method for a host.
type CredentialKind string

// Credential kinds.
const (
	CredentialKey      CredentialKind = "key"
	CredentialPassword CredentialKind = "password"
)

// Credential is a resolved secret used once per authentication attempt.
type Credential struct {
	Kind       CredentialKind
	Secret     []byte
	Passphrase []byte // only for encrypted private keys
}

// KeyCredential builds a private key credential.
func KeyCredential(key, passphrase []byte) Credential {
	return Credential{Kind: CredentialKey, Secret: key, Passphrase: passphrase}
}

// PasswordCredential builds a password credential.
func PasswordCredential(password string) Credential {
	return Credential{Kind: CredentialPassword, Secret: []byte(password)}
}

// String never prints the secret.
func (c Credential) String() string {
	if len(c.Secret) == 0 {
		return string(c.Kind) + "(empty)"
	}
	return string(c.Kind) + "(redacted)"
}

// HostRole is the position of a host in the topology.
type HostRole string

// Host roles.
const (
	RoleGateway     HostRole = "gateway"
	RoleWorkstation HostRole = "workstation"
	RoleNode        HostRole = "node"
)

// HostSpec is everything needed to reach and shut down one host.
type HostSpec struct {
	Name              string
	Role              HostRole
	Fleet             string
	Host              string
	Port              int
	User              string
	Credential        Credential
	NeedsSudoPassword bool
	SudoPassword      string
}

var hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]*[A-Za-z0-9])?$`)

// ValidHost reports whether host is an IP address or a DNS name made of
// letters, digits, dots, hyphens and underscores. Host names end up in
// remote shell commands, so nothing else is accepted.
func ValidHost(host string) bool {
	if len(host) > 253 {
		return false
	}
	return net.ParseIP(host) != nil || hostnamePattern.MatchString(host)
}

// Addr returns host:port.
func (h HostSpec) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// GatewaySpec returns the host spec of the gateway.
func (p Plan) GatewaySpec() HostSpec {
	return HostSpec{
		Name:              p.Gateway.Host,
		Role:              RoleGateway,
		Host:              p.Gateway.Host,
		Port:              p.Gateway.Port,
		User:              p.Gateway.User,
		Credential:        p.Gateway.Key,
		NeedsSudoPassword: p.Gateway.NeedsSudoPassword,
		SudoPassword:      p.Gateway.SudoPassword,
	}
}

// WorkstationSpec returns the host spec of a fleet's workstation.
func (f FleetConfig) WorkstationSpec() HostSpec {
	host := f.Host
	if host == "" {
		host = f.Name
	}
	return HostSpec{
		Name:              f.Name,
		Role:              RoleWorkstation,
		Fleet:             f.Name,
		Host:              host,
		Port:              f.Port,
		User:              f.User,
		Credential:        f.Password,
		NeedsSudoPassword: f.NeedsSudoPassword,
		SudoPassword:      string(f.Password.Secret),
	}
}

// NodeSpec returns the host spec of one of the fleet's nodes. Nodes share the
// workstation's user, password and port.
func (f FleetConfig) NodeSpec(node string) HostSpec {
	return HostSpec{
		Name:              node,
		Role:              RoleNode,
		Fleet:             f.Name,
		Host:              node,
		Port:              f.Port,
		User:              f.User,
		Credential:        f.Password,
		NeedsSudoPassword: f.NeedsSudoPassword,
		SudoPassword:      string(f.Password.Secret),
	}
}
