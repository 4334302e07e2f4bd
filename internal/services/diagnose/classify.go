package diagnose

import (
	"errors"

	"github.com/fgeck/fleet-shutdown/internal/models"
	"github.com/fgeck/fleet-shutdown/internal/services/ssh"
)

// Classify maps a connection failure, and the diagnosis taken after it if
// any, to a short reason and a hint.
func Classify(err error, diag *models.Diagnosis) (reason, hint string) {
	var authErr *ssh.AuthError
	var hostKeyErr *ssh.HostKeyError
	var tunnelErr *ssh.TunnelError

	switch {
	case err == nil:
		return "unknown error", ""
	case errors.As(err, &authErr):
		return "authentication failed", "check the user name and password (or key)"
	case errors.As(err, &hostKeyErr):
		return "host key mismatch", "remove the stale known_hosts entry or update the key"
	case errors.As(err, &tunnelErr):
		switch tunnelErr.Kind {
		case ssh.TunnelParentClosed:
			return "relay connection lost", "the relay closed the connection; check that it is still up"
		case ssh.TunnelTimeout:
			return "timed out", "the host or the relay did not answer in time"
		default:
			if diag != nil && diag.DNSOK != nil && !*diag.DNSOK {
				return "name resolution failed", "check DNS or /etc/hosts on the relay"
			}
			if diag != nil && diag.TCPOK != nil && !*diag.TCPOK {
				return "TCP unreachable", "check firewall, routing and that the SSH port is open from the relay"
			}
			return "channel open failed", "the host may be down or unreachable"
		}
	default:
		return "unknown error", err.Error()
	}
}
