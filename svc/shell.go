/*Package svc implements the Service backends a Stream can drive: shell
spawns a child process under a pty and pipes bytes in both directions;
sync implements the push-to-device file transfer sub-protocol. Spawn
parses an OPEN destination string and returns the right one.
*/
package svc

import (
	"os"
	"os/exec"

	"github.com/creack/pty"

	"github.com/usb-gadget/adbd/proto"
)

// shellService backs a "shell:" stream: a child process attached to a
// pty, with its combined stdout+stderr copied to out in MaxData-bounded
// chunks and out-of-band input written straight to the pty.
type shellService struct {
	cmd  *exec.Cmd
	pty  *os.File
	out  chan []byte
	done chan struct{}
	exited bool
}

// newShell spawns arg under a pty. An empty arg runs $SHELL (or
// defaultShell when $SHELL is unset) with no arguments, matching an
// interactive "shell:" open with no command.
// A non-empty arg is run as "sh -c arg", matching how a one-shot
// "shell:somecommand" request is normally honored.
func newShell(arg, defaultShell string) (*shellService, error) {
	var cmd *exec.Cmd
	if arg == "" {
		sh := os.Getenv("SHELL")
		if sh == "" {
			sh = defaultShell
		}
		if sh == "" {
			sh = "/bin/sh"
		}
		cmd = exec.Command(sh)
		cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	} else {
		cmd = exec.Command("/bin/sh", "-c", arg)
		cmd.Env = os.Environ()
	}

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return nil, err
	}

	s := &shellService{
		cmd:  cmd,
		pty:  f,
		out:  make(chan []byte, 16),
		done: make(chan struct{}),
	}
	go s.pump()
	go s.wait()
	return s, nil
}

// pump copies pty output into out in MaxData-bounded chunks until the
// pty is closed out from under it (child exit, or Close).
func (s *shellService) pump() {
	buf := make([]byte, proto.MaxData)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.out <- chunk
		}
		if err != nil {
			return
		}
	}
}

// wait reaps the child and marks the service done once it exits, so a
// non-interactive "shell:cmd" request closes its stream when the command
// finishes rather than staying open forever.
func (s *shellService) wait() {
	s.cmd.Wait()
	s.exited = true
	close(s.done)
}

func (s *shellService) HandleWrite(b []byte) error {
	_, err := s.pty.Write(b)
	return err
}

func (s *shellService) Recv() <-chan []byte { return s.out }

func (s *shellService) IsDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *shellService) Close() error {
	s.pty.Close()
	if !s.exited {
		s.cmd.Process.Kill()
	}
	return nil
}
