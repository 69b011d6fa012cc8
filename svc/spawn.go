package svc

import (
	"fmt"
	"strings"

	"github.com/usb-gadget/adbd/stream"
)

// ErrUnknownService is returned by Spawn when an OPEN destination names
// no recognized service. The caller replies with a rejecting CLSE rather
// than tearing down the whole connection.
type ErrUnknownService struct {
	Name string
}

func (e ErrUnknownService) Error() string {
	return fmt.Sprintf("svc: unknown service %q", e.Name)
}

// Spawn parses an OPEN destination of the form "name:arg" (NUL-trimmed by
// the caller) and starts the matching Service. arg may be empty.
// defaultShell is run for an empty shell: arg when $SHELL is unset.
func Spawn(dest, defaultShell string) (stream.Service, error) {
	name, arg, _ := strings.Cut(dest, ":")
	switch name {
	case "shell":
		return newShell(arg, defaultShell)
	case "sync":
		return newSync(), nil
	default:
		return nil, ErrUnknownService{Name: name}
	}
}
