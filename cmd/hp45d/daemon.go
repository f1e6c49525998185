package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"hp45-host/pkg/burst"
	"hp45-host/pkg/config"
	"hp45-host/pkg/dispatch"
	hosterrors "hp45-host/pkg/errors"
	"hp45-host/pkg/head"
	"hp45-host/pkg/journal"
	"hp45-host/pkg/log"
	"hp45-host/pkg/metrics"
	"hp45-host/pkg/monitor"
	"hp45-host/pkg/portlink"
	"hp45-host/pkg/printer"
	"hp45-host/pkg/reactor"
	"hp45-host/pkg/safety"
	"hp45-host/pkg/scanbuf"
	"hp45-host/pkg/sim"
)

// daemon owns every long-running component of the host.
type daemon struct {
	cfg      *config.Printer
	reloader *config.Reloader

	reactor *reactor.Reactor
	engine  *printer.Engine
	backend io.Closer
	link    *portlink.Link
	journal *journal.Journal
	monitor *monitor.Server
	metrics *metrics.HeadMetrics
	msrv    *metrics.MetricsServer
	safety  *safety.Manager

	logger *log.Logger
}

// newDaemon builds the engine on the configured backend. Nothing runs until
// run is called.
func newDaemon(ctx context.Context, cfg *config.Printer, raw *config.Config, path string) (*daemon, error) {
	d := &daemon{
		cfg:      cfg,
		reloader: config.NewReloader(path, raw),
		reactor:  reactor.New(),
		safety:   safety.New(),
		logger:   log.GetLogger("hp45d"),
	}

	buf, err := scanbuf.New(cfg.Buffer.Capacity)
	if err != nil {
		return nil, hosterrors.RuntimeErrorInit("buffer", err)
	}
	if err := buf.SetMode(cfg.Buffer.Mode); err != nil {
		return nil, hosterrors.RuntimeErrorInit("buffer", err)
	}
	if err := d.applyHeadToBuffer(buf, cfg.Head); err != nil {
		return nil, hosterrors.RuntimeErrorInit("buffer", err)
	}

	enc, err := burst.NewEncoder(cfg.Head.Splits, cfg.Head.PulseMode, cfg.Dispatch.RegionSize)
	if err != nil {
		return nil, hosterrors.RuntimeErrorInit("encoder", err)
	}

	disp, err := d.openBackend()
	if err != nil {
		return nil, err
	}

	var source printer.PositionSource
	switch cfg.Position.Source {
	case printer.SourceVirtual:
		source = printer.NewVirtualPosition(cfg.Position.Velocity)
	default:
		source = &printer.EncoderPosition{}
	}

	d.engine, err = printer.New(buf, enc, disp, source, cfg.EngineConfig())
	if err != nil {
		d.backend.Close()
		return nil, hosterrors.RuntimeErrorInit("engine", err)
	}

	d.safety.Configure(safety.Config{WatchdogTimeout: cfg.Safety.WatchdogTimeout})
	d.safety.RegisterHead(d.engine)
	d.safety.OnShutdown(func(reason safety.ShutdownReason, msg string) {
		d.event(context.Background(), "shutdown_state", map[string]any{
			"reason":  string(reason),
			"message": msg,
		})
	})

	if cfg.Journal.Path != "" {
		d.journal, err = journal.Open(ctx, cfg.Journal.Path)
		if err != nil {
			d.backend.Close()
			return nil, err
		}
	}

	if cfg.Monitor.Address != "" {
		d.monitor = monitor.New(monitor.Config{
			Addr:     cfg.Monitor.Address,
			Engine:   d.engine,
			Reactor:  d.reactor,
			Journal:  d.journal,
			Safety:   d.safety,
			DPI:      cfg.Head.DPI,
			Interval: cfg.Monitor.StatusInterval,
		})
	}

	if cfg.Metrics.Address != "" {
		d.metrics = metrics.NewHeadMetrics()
		mcfg := metrics.DefaultMetricsServerConfig()
		mcfg.Address = cfg.Metrics.Address
		mcfg.Ready = d.ready
		d.msrv = metrics.NewMetricsServerWithConfig(d.metrics, mcfg)
	}

	d.reloader.Handle("head", d.reloadHead)
	return d, nil
}

// openBackend creates the port hardware and a dispatcher wired to its
// completion.
func (d *daemon) openBackend() (*dispatch.Dispatcher, error) {
	cfg := d.cfg
	switch cfg.Dispatch.Backend {
	case config.BackendLink:
		l, err := portlink.Dial(portlink.Config{
			Device:       cfg.Link.Device,
			Socket:       cfg.Link.Socket,
			Baud:         cfg.Link.Baud,
			Timeout:      cfg.Link.Timeout,
			Frequency:    cfg.Dispatch.Frequency,
			BusFrequency: cfg.Dispatch.BusFrequency,
		})
		if err != nil {
			return nil, hosterrors.RuntimeErrorInit("link", err)
		}
		disp := dispatch.New(l, sim.NewClock(), cfg.DispatchOptions())
		l.OnComplete(disp.Complete)
		d.link = l
		d.backend = l
		d.logger.WithFields(log.Fields{
			"device": cfg.Link.Device,
			"socket": cfg.Link.Socket,
			"period": l.Period(),
		}).Info("using port driver link")
		return disp, nil
	default:
		hw := sim.New(cfg.Dispatch.Frequency, cfg.Dispatch.BusFrequency)
		disp := dispatch.New(hw, sim.NewClock(), cfg.DispatchOptions())
		hw.OnComplete(disp.Complete)
		d.backend = hw
		d.logger.WithFields(log.Fields{
			"frequency": hw.Frequency(),
			"period":    hw.Period(),
		}).Info("using simulated port hardware")
		return disp, nil
	}
}

func (d *daemon) applyHeadToBuffer(buf *scanbuf.Buffer, h config.HeadConfig) error {
	if err := buf.SetPrintMode(h.PrintMode); err != nil {
		return err
	}
	if err := buf.SetActive(head.SideOdd, h.Odd); err != nil {
		return err
	}
	return buf.SetActive(head.SideEven, h.Even)
}

// reloadHead applies a changed [head] section on the reactor goroutine.
func (d *daemon) reloadHead(sec *config.Section) error {
	h, err := config.ParseHead(sec)
	if err != nil {
		return err
	}
	done := d.reactor.RegisterAsyncCallback(func(float64) interface{} {
		err := d.engine.Do(func(buf *scanbuf.Buffer, enc *burst.Encoder) error {
			if err := enc.SetSplits(h.Splits); err != nil {
				return err
			}
			if err := enc.SetMode(h.PulseMode); err != nil {
				return err
			}
			return d.applyHeadToBuffer(buf, h)
		})
		if err != nil {
			return err
		}
		d.engine.SetEnabled(h.Enabled && !d.safety.IsShutdown())
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := done.WaitContext(ctx)
	if err != nil {
		return err
	}
	if err, ok := res.(error); ok {
		return err
	}
	if d.monitor != nil {
		if _, err := d.monitor.SetDPI(ctx, h.DPI); err != nil {
			return err
		}
	}
	return nil
}

// ready reports whether bursts can reach the head.
func (d *daemon) ready() error {
	if err := d.safety.CheckOperational(); err != nil {
		return err
	}
	if d.link != nil {
		if err := d.link.Ready(); err != nil {
			return err
		}
	}
	if !d.engine.Status().Running {
		return errors.New("print engine not running")
	}
	return nil
}

// run starts every component and blocks until ctx is cancelled or one of
// them fails.
func (d *daemon) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	d.reactor.Run()
	d.engine.Start(d.reactor)
	if wd := d.cfg.Safety.WatchdogTimeout; wd > 0 {
		interval := wd.Seconds() / 4
		d.reactor.RegisterTimer("watchdog-heartbeat", func(eventtime float64) float64 {
			d.safety.Heartbeat()
			return eventtime + interval
		}, reactor.NOW)
		d.safety.StartWatchdog()
	}
	g.Go(func() error {
		<-ctx.Done()
		d.safety.StopWatchdog()
		d.engine.Stop()
		d.reactor.End()
		d.reactor.Wait()
		return nil
	})

	if d.link != nil {
		g.Go(func() error {
			if err := d.link.Run(ctx); err != nil && ctx.Err() == nil {
				d.safety.CommunicationError("link", err.Error())
			}
			return nil
		})
		g.Go(func() error {
			if err := d.link.Handshake(ctx); err != nil && ctx.Err() == nil {
				d.safety.CommunicationError("handshake", err.Error())
			}
			return nil
		})
	}

	if d.monitor != nil {
		g.Go(func() error { return d.monitor.Run(ctx) })
	}

	if d.msrv != nil {
		g.Go(d.msrv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return d.msrv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			return d.metrics.Run(ctx, d.cfg.Metrics.Interval, d.engine.Status)
		})
	}

	g.Go(func() error { return d.watchReload(ctx) })

	d.event(ctx, "startup", map[string]any{"backend": d.cfg.Dispatch.Backend})
	d.logger.Info("hp45 host ready")

	err := g.Wait()
	d.event(context.Background(), "shutdown", nil)
	return err
}

// watchReload reloads the config file on SIGHUP.
func (d *daemon) watchReload(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			results, err := d.reloader.Reload()
			if err != nil {
				d.logger.WithError(err).Error("config reload failed")
				continue
			}
			applied := make([]string, 0, len(results))
			for _, res := range results {
				if res.Applied {
					applied = append(applied, res.Section)
				}
			}
			d.logger.WithFields(log.Fields{
				"changed": len(results),
				"applied": applied,
			}).Info("config reloaded")
			d.event(ctx, "reload", map[string]any{"applied": applied})
		}
	}
}

func (d *daemon) event(ctx context.Context, kind string, detail map[string]any) {
	if d.journal == nil {
		return
	}
	if err := d.journal.RecordEvent(ctx, kind, detail); err != nil {
		d.logger.WithError(err).Warn("unable to journal event")
	}
}

// close releases the backend and journal.
func (d *daemon) close() {
	if d.backend != nil {
		if err := d.backend.Close(); err != nil {
			d.logger.WithError(err).Warn("closing backend")
		}
	}
	if d.journal != nil {
		d.journal.Close()
	}
}
