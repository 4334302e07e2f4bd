package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fgeck/fleet-shutdown/internal/models"
	"github.com/fgeck/fleet-shutdown/internal/services/ssh"
	"golang.org/x/term"
)

// ErrNoTerminal is returned when a secret must be prompted for but stdin is
// not a terminal.
var ErrNoTerminal = errors.New("stdin is not a terminal")

// Prompter reads a secret from the operator.
type Prompter interface {
	Prompt(label string) (string, error)
}

// TerminalPrompter prompts on a terminal without echo.
type TerminalPrompter struct {
	in  *os.File
	out io.Writer
}

// NewTerminalPrompter creates a prompter reading from stdin and writing the
// prompt to stderr.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{in: os.Stdin, out: os.Stderr}
}

// Prompt reads one line without echo.
func (p *TerminalPrompter) Prompt(label string) (string, error) {
	fd := int(p.in.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("cannot prompt for %s: %w", label, ErrNoTerminal)
	}
	_, _ = fmt.Fprintf(p.out, "%s: ", label)
	b, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", label, err)
	}
	return string(b), nil
}

// Resolver turns the secrets of a Config into credentials.
type Resolver struct {
	prompter  Prompter
	readFile  func(path string) ([]byte, error)
	lookupEnv func(key string) (string, bool)
}

// NewResolver creates a resolver that prompts through prompter.
func NewResolver(prompter Prompter) *Resolver {
	return &Resolver{
		prompter:  prompter,
		readFile:  os.ReadFile,
		lookupEnv: os.LookupEnv,
	}
}

// NewResolverWithSources creates a resolver with custom file and environment
// lookups (for testing).
func NewResolverWithSources(
	prompter Prompter,
	readFile func(path string) ([]byte, error),
	lookupEnv func(key string) (string, bool),
) *Resolver {
	return &Resolver{prompter: prompter, readFile: readFile, lookupEnv: lookupEnv}
}

// Secret resolves one configured value: env:NAME, file:/path, inline text,
// or a prompt when value is empty.
func (r *Resolver) Secret(label, value string) (string, error) {
	switch {
	case value == "":
		if r.prompter == nil {
			return "", fmt.Errorf("%s is not configured and no prompt is available", label)
		}
		return r.prompter.Prompt(label)
	case strings.HasPrefix(value, "env:"):
		name := strings.TrimPrefix(value, "env:")
		v, ok := r.lookupEnv(name)
		if !ok {
			return "", fmt.Errorf("%s: environment variable %s is not set", label, name)
		}
		return v, nil
	case strings.HasPrefix(value, "file:"):
		path := expandPath(strings.TrimPrefix(value, "file:"))
		b, err := r.readFile(path)
		if err != nil {
			return "", fmt.Errorf("%s: reading %s: %w", label, path, err)
		}
		return strings.TrimSpace(string(b)), nil
	default:
		return value, nil
	}
}

// Resolve builds the run plan from cfg, reading the gateway key and resolving
// every secret.
func (r *Resolver) Resolve(cfg *Config) (*models.Plan, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	gw := cfg.Gateway
	key, err := r.readFile(gw.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading gateway key: %w", err)
	}

	var passphrase []byte
	if gw.KeyPassphrase != "" || ssh.KeyIsEncrypted(key) {
		p, err := r.Secret("passphrase for "+gw.KeyPath, gw.KeyPassphrase)
		if err != nil {
			return nil, err
		}
		passphrase = []byte(p)
	}

	plan := &models.Plan{
		Gateway: models.GatewayConfig{
			Host:              gw.Host,
			Port:              gw.Port,
			User:              gw.User,
			KeyPath:           gw.KeyPath,
			Key:               models.KeyCredential(key, passphrase),
			NeedsSudoPassword: gw.NeedsSudoPassword,
		},
		Run:      cfg.Run,
		Timeouts: cfg.Timeouts,
		Telegram: cfg.Telegram,
	}

	if gw.NeedsSudoPassword {
		sudo, err := r.Secret(fmt.Sprintf("sudo password for %s@%s", gw.User, gw.Host), gw.SudoPassword)
		if err != nil {
			return nil, err
		}
		plan.Gateway.SudoPassword = sudo
	}

	for _, f := range cfg.Fleets {
		password, err := r.Secret(fmt.Sprintf("password for %s@%s", f.User, f.Name), f.Password)
		if err != nil {
			return nil, err
		}
		needsSudo := f.NeedsSudoPassword == nil || *f.NeedsSudoPassword
		plan.Fleets = append(plan.Fleets, models.FleetConfig{
			Name:              f.Name,
			Host:              f.Host,
			Port:              f.Port,
			User:              f.User,
			Password:          models.PasswordCredential(password),
			NeedsSudoPassword: needsSudo,
			Nodes:             append([]string(nil), f.Nodes...),
		})
	}

	return plan, nil
}
