// mock-portdriver emulates a port driver board on a unix socket so hp45d
// can be run against the portlink backend without hardware.
//
// Usage:
//
//	mock-portdriver -socket /tmp/hp45_driver [-log-level debug] [-trace]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"hp45-host/pkg/head"
	"hp45-host/pkg/log"
	"hp45-host/pkg/portlink"
	"hp45-host/pkg/serial"
)

func main() {
	socketPath := flag.String("socket", "/tmp/hp45_driver", "Unix socket path")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	trace := flag.Bool("trace", false, "Log every fired region")
	flag.Parse()

	log.Default().SetLevel(log.ParseLevel(*logLevel))
	logger := log.GetLogger("mock-portdriver")

	ln, err := serial.Listen(*socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating socket: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger.WithField("socket", ln.Path()).Info("mock port driver listening")

	var wg sync.WaitGroup
	for {
		port, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, serial.ErrClosed) {
				logger.WithError(err).Error("accept failed")
			}
			break
		}
		logger.Info("host connected")

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer port.Close()
			serve(ctx, port, logger, *trace)
		}()
	}

	wg.Wait()
	logger.Info("shutting down")
}

func serve(ctx context.Context, port *serial.Port, logger *log.Logger, trace bool) {
	drv := portlink.NewDriver(port)
	if trace {
		drv.OnFire(func(c, d []byte) {
			logger.WithFields(log.Fields{
				"length": len(c),
				"groups": len(c) / head.Addresses,
				"c":      fmt.Sprintf("%x", c[:min(len(c), 8)]),
				"d":      fmt.Sprintf("%x", d[:min(len(d), 8)]),
			}).Debug("fired")
		})
	}

	err := drv.Serve(ctx)
	st := drv.Stats()
	entry := logger.WithFields(log.Fields{
		"blocks": st.Blocks,
		"loads":  st.Loads,
		"fires":  st.Fires,
		"naks":   st.Naks,
		"crc":    st.CRCErrors,
	})
	if err != nil && ctx.Err() == nil {
		entry.WithError(err).Info("host disconnected")
		return
	}
	entry.Info("session closed")
}
