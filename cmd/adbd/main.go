// Command adbd runs the ADB-over-FunctionFS gadget daemon: it opens the
// endpoints of an already mounted FunctionFS gadget directory, negotiates
// the ADB handshake with
// whatever host is attached over USB, and serves shell: and sync:
// streams until the endpoints are torn down.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/theckman/yacspin"

	"github.com/usb-gadget/adbd/config"
	"github.com/usb-gadget/adbd/gadget"
	"github.com/usb-gadget/adbd/logx"
	"github.com/usb-gadget/adbd/mux"
	"github.com/usb-gadget/adbd/status"
	"github.com/usb-gadget/adbd/transport"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <functionfs-mount-path>\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	mountPath := flag.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("adbd: loading %s: %v", config.FileName, err)
	}
	live := config.NewLive(cfg)
	if err := live.Watch(); err != nil {
		log.Fatalf("adbd: watching %s: %v", config.FileName, err)
	}

	logger := logx.New(logx.ParseLevel(cfg.LogLevel), cfg.TraceRateHz, int(cfg.TraceRateHz))
	logger.Infof("adbd: opening functionfs gadget at %s", mountPath)

	ep, err := transport.Open(mountPath, gadget.Descriptors(), gadget.Strings())
	if err != nil {
		log.Fatalf("adbd: opening functionfs endpoints: %v", err)
	}
	defer ep.Close()

	m := mux.New(ep, mux.Config{
		Banner:       cfg.Banner,
		Serial:       cfg.Serial,
		DefaultShell: cfg.DefaultShell,
		IdleTick:     cfg.IdleTick,
		ConnectRetry: cfg.ConnectRetry,
	}, logger)

	toStatus, toSpinner := fanOutSnapshots(m.Snapshots())

	if addr := live.Get().StatusAddr; addr != "" {
		srv := status.New(addr, toStatus)
		go func() {
			if err := srv.Serve(); err != nil {
				logger.Errorf("adbd: status server on %s exited: %v", addr, err)
			}
		}()
		logger.Infof("adbd: introspection surface listening on %s", addr)
	}

	stopSpinner := watchForHostConnection(toSpinner, logger)
	defer stopSpinner()

	if err := m.Run(); err != nil {
		log.Fatalf("adbd: multiplexor exited: %v", err)
	}
}

// fanOutSnapshots duplicates the multiplexor's single latest-value-wins
// snapshot stream into two independent latest-value-wins streams, since
// Snapshots has exactly one intended reader and both the status server
// and the startup spinner need their own.
func fanOutSnapshots(src <-chan mux.Snapshot) (a, b <-chan mux.Snapshot) {
	chA := make(chan mux.Snapshot, 1)
	chB := make(chan mux.Snapshot, 1)
	go func() {
		for snap := range src {
			replaceLatest(chA, snap)
			replaceLatest(chB, snap)
		}
		close(chA)
		close(chB)
	}()
	return chA, chB
}

func replaceLatest(ch chan mux.Snapshot, snap mux.Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

// watchForHostConnection shows a spinner until the host completes the
// CNXN handshake, then stops it with a short confirmation message. It
// returns a func to stop the spinner early on shutdown.
func watchForHostConnection(snapshots <-chan mux.Snapshot, logger *logx.Logger) func() {
	cfg := yacspin.Config{
		Frequency:       120 * time.Millisecond,
		CharSet:         yacspin.CharSets[9],
		Suffix:          " waiting for host",
		SuffixAutoColon: true,
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
	}
	spinner, err := yacspin.New(cfg)
	if err != nil {
		logger.Warnf("adbd: spinner unavailable: %v", err)
		return func() {}
	}
	if err := spinner.Start(); err != nil {
		logger.Warnf("adbd: spinner unavailable: %v", err)
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case snap, ok := <-snapshots:
				if !ok {
					return
				}
				if snap.Connected {
					spinner.StopMessage("host connected")
					spinner.Stop()
					return
				}
			case <-done:
				spinner.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}
