// Package sshtest runs in-process SSH servers on loopback listeners and
// routes them by host name, so multi-hop tunnels can be exercised in tests.
package sshtest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"testing"

	"golang.org/x/crypto/ssh"
)

// DefaultPowerOffCommand is the command that takes a host down unless the
// host overrides it.
const DefaultPowerOffCommand = "shutdown -h now"

// Host describes one simulated machine.
type Host struct {
	Name string
	Port int
	User string
	// Password enables password and keyboard-interactive auth.
	Password string
	// AuthorizedKey enables public key auth.
	AuthorizedKey ssh.PublicKey
	// SudoPassword makes sudo prompt and require this password.
	SudoPassword string
	// PowerOffCommand defaults to DefaultPowerOffCommand.
	PowerOffCommand string
	// PowerOffExitStatus is reported after powering off.
	PowerOffExitStatus int
	// DropOnPowerOff closes the connection instead of reporting an exit status.
	DropOnPowerOff bool
	// StayUp keeps the host reachable after it was told to power off.
	StayUp bool
	// Commands maps other commands to canned responses.
	Commands map[string]Response
}

// Response is a canned command response.
type Response struct {
	Stdout     string
	ExitStatus int
}

// Executed records one command a host ran.
type Executed struct {
	Host    string
	Command string
	Sudo    bool
}

// Network routes dials by host name to the simulated hosts. It satisfies the
// transport dialer the SSH connector uses for its first hop.
type Network struct {
	t       testing.TB
	hostKey ssh.Signer

	mu       sync.Mutex
	hosts    map[string]*server
	executed []Executed
}

// NewNetwork creates an empty network. Listeners are closed when the test ends.
func NewNetwork(t testing.TB) *Network {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}

	n := &Network{
		t:       t,
		hostKey: signer,
		hosts:   make(map[string]*server),
	}
	t.Cleanup(n.Close)
	return n
}

// HostKey returns the public key every simulated host presents.
func (n *Network) HostKey() ssh.PublicKey {
	return n.hostKey.PublicKey()
}

// Add starts a server for h and registers it under h.Name and h.Port.
func (n *Network) Add(h Host) {
	n.t.Helper()

	if h.Port == 0 {
		h.Port = 22
	}
	if h.PowerOffCommand == "" {
		h.PowerOffCommand = DefaultPowerOffCommand
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		n.t.Fatalf("listen for %s: %v", h.Name, err)
	}

	srv := newServer(n, h, ln)
	n.mu.Lock()
	n.hosts[hostAddr(h.Name, h.Port)] = srv
	n.mu.Unlock()

	go srv.serve()
}

// SetDown marks a host as unreachable (or reachable again).
func (n *Network) SetDown(name string, down bool) {
	for _, srv := range n.servers(name) {
		srv.setDown(down)
	}
}

// IsDown reports whether the named host refuses new connections.
func (n *Network) IsDown(name string) bool {
	for _, srv := range n.servers(name) {
		if srv.isDown() {
			return true
		}
	}
	return false
}

// ActiveConns returns the number of open SSH connections to the named host.
func (n *Network) ActiveConns(name string) int {
	total := 0
	for _, srv := range n.servers(name) {
		total += srv.activeConns()
	}
	return total
}

// Executed returns every command run on any host, in order.
func (n *Network) Executed() []Executed {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Executed, len(n.executed))
	copy(out, n.executed)
	return out
}

// DialContext connects to a simulated host by name.
func (n *Network) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	n.mu.Lock()
	srv, ok := n.hosts[addr]
	n.mu.Unlock()

	if !ok {
		return nil, &net.OpError{Op: "dial", Net: network, Err: &net.DNSError{Err: "no such host", Name: addr, IsNotFound: true}}
	}
	if srv.isDown() {
		return nil, &net.OpError{Op: "dial", Net: network, Err: syscall.ECONNREFUSED}
	}

	var d net.Dialer
	return d.DialContext(ctx, "tcp", srv.listener.Addr().String())
}

// Close stops every server.
func (n *Network) Close() {
	n.mu.Lock()
	servers := make([]*server, 0, len(n.hosts))
	for _, srv := range n.hosts {
		servers = append(servers, srv)
	}
	n.mu.Unlock()

	for _, srv := range servers {
		srv.close()
	}
}

func (n *Network) record(e Executed) {
	n.mu.Lock()
	n.executed = append(n.executed, e)
	n.mu.Unlock()
}

func (n *Network) servers(name string) []*server {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*server
	for _, srv := range n.hosts {
		if srv.host.Name == name {
			out = append(out, srv)
		}
	}
	return out
}

// GenerateKey returns a PEM encoded ed25519 private key and its public key.
func GenerateKey(t testing.TB) ([]byte, ssh.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return pem.EncodeToMemory(block), sshPub
}

func hostAddr(name string, port int) string {
	return net.JoinHostPort(name, strconv.Itoa(port))
}

func (e Executed) String() string {
	if e.Sudo {
		return fmt.Sprintf("%s: sudo %s", e.Host, e.Command)
	}
	return fmt.Sprintf("%s: %s", e.Host, e.Command)
}
