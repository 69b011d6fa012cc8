/*Package transport wraps the three FunctionFS endpoint files (control,
bulk-OUT, bulk-IN) as plain byte streams, and runs the inbound frame
reader that turns bulk-OUT bytes into proto.Message values.

There is no buffering layer of its own: endpoint reads are issued with a
MaxData-sized buffer and writes are full-write-or-fail.
*/
package transport

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
)

// Endpoints holds the three FunctionFS endpoint file handles for one
// gadget instance: ep0 (control, write-only sink for descriptors/strings),
// ep1 (bulk-OUT, host to device) and ep2 (bulk-IN, device to host).
type Endpoints struct {
	Ctrl *os.File
	Out  *os.File
	In   *os.File
}

// Close closes all three endpoints. Errors are collected but every Close
// is attempted regardless of earlier failures.
func (e *Endpoints) Close() error {
	var firstErr error
	for _, f := range []*os.File{e.Ctrl, e.Out, e.In} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// openRetry opens path with a short exponential backoff: right after the
// gadget function binds, the kernel can take a moment to materialize the
// endpoint files, and failing immediately on ENOENT would be needlessly
// fragile for something that resolves itself within milliseconds.
func openRetry(path string, flag int) (*os.File, error) {
	var f *os.File
	op := func() error {
		var err error
		f, err = os.OpenFile(path, flag, 0)
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 3 * time.Second
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", path, err)
	}
	return f, nil
}

// Open opens ep0, ep1 and ep2 under mountPath and writes the FunctionFS
// descriptor set and string table to ep0. descriptors and strings are
// written in that order and exactly once — the kernel consumes them to
// bind the function.
func Open(mountPath string, descriptors, strings []byte) (*Endpoints, error) {
	ctrl, err := openRetry(filepath.Join(mountPath, "ep0"), os.O_RDWR)
	if err != nil {
		return nil, err
	}
	if _, err := ctrl.Write(descriptors); err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("transport: write descriptors to ep0: %w", err)
	}
	if _, err := ctrl.Write(strings); err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("transport: write strings to ep0: %w", err)
	}

	out, err := openRetry(filepath.Join(mountPath, "ep1"), os.O_RDONLY)
	if err != nil {
		ctrl.Close()
		return nil, err
	}

	in, err := openRetry(filepath.Join(mountPath, "ep2"), os.O_WRONLY)
	if err != nil {
		out.Close()
		ctrl.Close()
		return nil, err
	}

	return &Endpoints{Ctrl: ctrl, Out: out, In: in}, nil
}

// WriteFull writes b to w in its entirety or returns an error; a short
// write with no error is treated as fatal I/O.
func WriteFull(w io.Writer, b []byte) error {
	n, err := w.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("transport: short write: wrote %d of %d bytes", n, len(b))
	}
	return nil
}
