package ssh

import (
	"errors"
	"fmt"
	"time"

	"github.com/fgeck/fleet-shutdown/internal/models"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func (c *Connector) buildConfig(target models.HostSpec) (*ssh.ClientConfig, error) {
	auth, err := authMethods(target)
	if err != nil {
		return nil, &AuthError{Host: target.Name, Err: err}
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // homelab default without known_hosts
	if c.knownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(c.knownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts from %s: %w", c.knownHostsPath, err)
		}
	}

	return &ssh.ClientConfig{
		User:            target.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.timeouts.Connect,
	}, nil
}

func authMethods(target models.HostSpec) ([]ssh.AuthMethod, error) {
	cred := target.Credential
	switch cred.Kind {
	case models.CredentialKey:
		signer, err := parseSigner(cred)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case models.CredentialPassword:
		if len(cred.Secret) == 0 {
			return nil, fmt.Errorf("no password provided")
		}
		password := string(cred.Secret)
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported credential kind %q", cred.Kind)
	}
}

func parseSigner(cred models.Credential) (ssh.Signer, error) {
	if len(cred.Secret) == 0 {
		return nil, fmt.Errorf("no private key provided")
	}
	signer, err := ssh.ParsePrivateKey(cred.Secret)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if len(cred.Passphrase) == 0 {
			return nil, fmt.Errorf("private key is encrypted and no passphrase was provided")
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(cred.Secret, cred.Passphrase)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

// KeyIsEncrypted reports whether key needs a passphrase to be parsed.
func KeyIsEncrypted(key []byte) bool {
	_, err := ssh.ParsePrivateKey(key)
	var missing *ssh.PassphraseMissingError
	return errors.As(err, &missing)
}

func handshakeTimeout(t models.Timeouts) time.Duration {
	if t.Handshake > 0 {
		return t.Handshake
	}
	return 15 * time.Second
}
