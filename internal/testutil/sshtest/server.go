package sshtest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/kballard/go-shellquote"
	"golang.org/x/crypto/ssh"
)

type server struct {
	net      *Network
	host     Host
	listener net.Listener
	config   *ssh.ServerConfig

	mu    sync.Mutex
	down  bool
	conns map[net.Conn]struct{}
}

func newServer(n *Network, h Host, ln net.Listener) *server {
	cfg := &ssh.ServerConfig{}

	if h.Password != "" {
		cfg.PasswordCallback = func(c ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if c.User() == h.User && string(pw) == h.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		}
		cfg.KeyboardInteractiveCallback = func(c ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := challenge(c.User(), "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if c.User() == h.User && len(answers) == 1 && answers[0] == h.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("keyboard-interactive rejected for %q", c.User())
		}
	}
	if h.AuthorizedKey != nil {
		cfg.PublicKeyCallback = func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if c.User() == h.User && bytes.Equal(key.Marshal(), h.AuthorizedKey.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		}
	}
	cfg.AddHostKey(n.hostKey)

	return &server{
		net:      n,
		host:     h,
		listener: ln,
		config:   cfg,
		conns:    make(map[net.Conn]struct{}),
	}
}

func (s *server) serve() {
	for {
		c, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(c)
	}
}

func (s *server) handleConn(c net.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()

	sconn, chans, reqs, err := ssh.NewServerConn(c, s.config)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		switch newCh.ChannelType() {
		case "session":
			go s.handleSession(c, newCh)
		case "direct-tcpip":
			go s.handleDirectTCPIP(newCh)
		default:
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

func (s *server) handleSession(c net.Conn, newCh ssh.NewChannel) {
	ch, reqs, err := newCh.Accept()
	if err != nil {
		return
	}

	for req := range reqs {
		switch req.Type {
		case "pty-req", "env":
			_ = req.Reply(true, nil)
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go s.exec(c, ch, payload.Command)
		default:
			_ = req.Reply(false, nil)
		}
	}
}

func (s *server) exec(c net.Conn, ch ssh.Channel, command string) {
	defer ch.Close()

	inner := command
	sudo := false
	if args, err := shellquote.Split(command); err == nil && len(args) > 0 && args[0] == "sudo" {
		sudo = true
		prompt := "Password:"
		i := 1
		for i < len(args) && strings.HasPrefix(args[i], "-") {
			if args[i] == "-p" && i+1 < len(args) {
				prompt = args[i+1]
				i += 2
				continue
			}
			i++
		}
		inner = strings.Join(args[i:], " ")

		if s.host.SudoPassword != "" {
			_, _ = io.WriteString(ch.Stderr(), prompt)
			line, err := bufio.NewReader(ch).ReadString('\n')
			if err != nil && line == "" {
				_, _ = fmt.Fprintln(ch.Stderr(), "sudo: no password was provided")
				exitStatus(ch, 1)
				return
			}
			if strings.TrimRight(line, "\r\n") != s.host.SudoPassword {
				_, _ = fmt.Fprintln(ch.Stderr(), "sudo: 1 incorrect password attempt")
				exitStatus(ch, 1)
				return
			}
		}
	}

	s.net.record(Executed{Host: s.host.Name, Command: inner, Sudo: sudo})

	if inner == s.host.PowerOffCommand {
		if !s.host.StayUp {
			s.setDown(true)
		}
		if s.host.DropOnPowerOff {
			_ = c.Close()
			return
		}
		exitStatus(ch, s.host.PowerOffExitStatus)
		return
	}

	if resp, ok := s.host.Commands[inner]; ok {
		_, _ = io.WriteString(ch, resp.Stdout)
		exitStatus(ch, resp.ExitStatus)
		return
	}

	name := inner
	if fields := strings.Fields(inner); len(fields) > 0 {
		name = fields[0]
	}
	_, _ = fmt.Fprintf(ch.Stderr(), "%s: command not found\n", name)
	exitStatus(ch, 127)
}

func (s *server) handleDirectTCPIP(newCh ssh.NewChannel) {
	var payload struct {
		DestAddr string
		DestPort uint32
		OrigAddr string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(newCh.ExtraData(), &payload); err != nil {
		_ = newCh.Reject(ssh.ConnectionFailed, "malformed direct-tcpip request")
		return
	}

	target, err := s.net.DialContext(context.Background(), "tcp", hostAddr(payload.DestAddr, int(payload.DestPort)))
	if err != nil {
		_ = newCh.Reject(ssh.ConnectionFailed, err.Error())
		return
	}

	ch, reqs, err := newCh.Accept()
	if err != nil {
		_ = target.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	var once sync.Once
	closeBoth := func() {
		_ = ch.Close()
		_ = target.Close()
	}
	go func() {
		_, _ = io.Copy(ch, target)
		once.Do(closeBoth)
	}()
	_, _ = io.Copy(target, ch)
	once.Do(closeBoth)
}

func (s *server) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *server) isDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

func (s *server) activeConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *server) close() {
	_ = s.listener.Close()
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func exitStatus(ch ssh.Channel, status int) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
}
