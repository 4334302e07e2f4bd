package ssh

import (
	"bytes"
	"io"
	"sync"

	"github.com/kballard/go-shellquote"
)

// sudoPromptMarker is passed to sudo -p so the password is only sent when
// sudo actually asks for it.
const sudoPromptMarker = "[fleet-shutdown] sudo password:"

func sudoCommand(cmd string) string {
	return shellquote.Join("sudo", "-S", "-p", sudoPromptMarker) + " " + cmd
}

// promptResponder answers the first sudo prompt seen on either output stream.
type promptResponder struct {
	mu       sync.Mutex
	stdin    io.WriteCloser
	secret   string
	answered bool
	tail     []byte
}

func newPromptResponder(stdin io.WriteCloser, secret string) *promptResponder {
	return &promptResponder{stdin: stdin, secret: secret}
}

func (r *promptResponder) watch(dst io.Writer) io.Writer {
	return &promptWatcher{dst: dst, r: r}
}

func (r *promptResponder) observe(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.answered {
		return
	}

	buf := make([]byte, 0, len(r.tail)+len(p))
	buf = append(buf, r.tail...)
	buf = append(buf, p...)

	if bytes.Contains(buf, []byte(sudoPromptMarker)) {
		r.answered = true
		if r.secret == "" {
			// nothing to give; let sudo fail instead of waiting forever
			_ = r.stdin.Close()
			return
		}
		_, _ = io.WriteString(r.stdin, r.secret+"\n")
		return
	}

	// keep enough bytes to match a marker split across writes
	keep := len(sudoPromptMarker) - 1
	if len(buf) > keep {
		buf = buf[len(buf)-keep:]
	}
	r.tail = buf
}

type promptWatcher struct {
	dst io.Writer
	r   *promptResponder
}

func (w *promptWatcher) Write(p []byte) (int, error) {
	w.r.observe(p)
	return w.dst.Write(p)
}
