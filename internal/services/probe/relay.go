package probe

import (
	"context"
	"errors"
	"net"

	"github.com/fgeck/fleet-shutdown/internal/services/ssh"
)

// Tunneler opens forwarded connections through a relay session.
type Tunneler interface {
	DialThrough(ctx context.Context, parent ssh.Session, host string, port int) (net.Conn, error)
}

// ThroughRelay returns a DialFunc that opens a fresh forwarded channel to
// host:port through relay and closes it right away. A target that refuses or
// does not answer counts as unreachable; a relay that is gone makes the attempt
// inconclusive.
func ThroughRelay(t Tunneler, relay ssh.Session, host string, port int) DialFunc {
	return func(ctx context.Context) (bool, error) {
		conn, err := t.DialThrough(ctx, relay, host, port)
		if err == nil {
			_ = conn.Close()
			return true, nil
		}
		if errors.Is(err, context.Canceled) || ssh.IsTunnelError(err, ssh.TunnelParentClosed) {
			return false, err
		}
		return false, nil
	}
}
