package config

import (
	"errors"
	"fmt"
	"time"

	"hp45-host/pkg/burst"
	"hp45-host/pkg/dispatch"
	"hp45-host/pkg/head"
	"hp45-host/pkg/printer"
	"hp45-host/pkg/scanbuf"
	"hp45-host/pkg/topology"
)

// HeadConfig is the [head] section.
type HeadConfig struct {
	Splits     int
	PulseMode  head.PulseMode
	DPI        int
	PrintMode  head.PrintMode
	Enabled    bool
	Odd        bool
	Even       bool
	EvenOffset int32
	Reverse    bool
}

// BufferConfig is the [buffer] section.
type BufferConfig struct {
	Capacity int
	Mode     scanbuf.Mode
}

// DispatchConfig is the [dispatch] section.
type DispatchConfig struct {
	Backend        string
	Settle         time.Duration
	RegionSize     int
	SingleBuffered bool
	Frequency      int
	BusFrequency   int
	CPU            int
}

// PositionConfig is the [position] section.
type PositionConfig struct {
	Source       printer.Source
	Velocity     float64
	StepInterval time.Duration
}

// LinkConfig is the [link] section, used by the link backend.
type LinkConfig struct {
	Device  string
	Socket  string
	Baud    int
	Timeout time.Duration
}

// MonitorConfig is the [monitor] section. An empty address disables it.
type MonitorConfig struct {
	Address        string
	StatusInterval time.Duration
}

// MetricsConfig is the [metrics] section. An empty address disables it.
type MetricsConfig struct {
	Address  string
	Interval time.Duration
}

// JournalConfig is the [journal] section. An empty path disables it.
type JournalConfig struct {
	Path string
}

// SafetyConfig is the [safety] section. A zero watchdog timeout disables
// the reactor watchdog.
type SafetyConfig struct {
	WatchdogTimeout time.Duration
}

// LogConfig is the [log] section.
type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int64
	MaxBackups int
	Compress   bool
}

// Printer is the complete daemon configuration.
type Printer struct {
	Head     HeadConfig
	Buffer   BufferConfig
	Dispatch DispatchConfig
	Position PositionConfig
	Link     LinkConfig
	Monitor  MonitorConfig
	Metrics  MetricsConfig
	Journal  JournalConfig
	Safety   SafetyConfig
	Log      LogConfig
}

const (
	BackendSim  = "sim"
	BackendLink = "link"

	// DefaultCapacity gives 4003 usable scan lines.
	DefaultCapacity = 4004
)

// DefaultPrinter returns the configuration used for absent sections.
func DefaultPrinter() *Printer {
	return &Printer{
		Head: HeadConfig{
			Splits:    burst.DefaultSplits,
			PulseMode: head.PulseLong,
			DPI:       topology.NativeDPI,
			PrintMode: head.PrintAll,
			Odd:       true,
			Even:      true,
		},
		Buffer: BufferConfig{Capacity: DefaultCapacity, Mode: scanbuf.ModeClearing},
		Dispatch: DispatchConfig{
			Backend:    BackendSim,
			Settle:     dispatch.DefaultSettle,
			RegionSize: burst.DefaultRegionSize,
			CPU:        -1,
		},
		Position: PositionConfig{
			Source:       printer.SourceEncoder,
			StepInterval: printer.DefaultConfig().StepInterval,
		},
		Link:    LinkConfig{Baud: 250000, Timeout: time.Second},
		Monitor: MonitorConfig{StatusInterval: 250 * time.Millisecond},
		Metrics: MetricsConfig{Interval: time.Second},
		Safety:  SafetyConfig{WatchdogTimeout: 5 * time.Second},
		Log:     LogConfig{Level: "info", Format: "text", MaxSize: 10 << 20, MaxBackups: 5},
	}
}

// LoadPrinter reads and validates the daemon configuration at path.
func LoadPrinter(path string) (*Printer, *Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, nil, err
	}
	p, err := ParsePrinter(cfg)
	if err != nil {
		return nil, nil, err
	}
	return p, cfg, nil
}

// ParsePrinter maps cfg onto a Printer. Failures are returned as
// *errors.HostError with the offending section and option.
func ParsePrinter(cfg *Config) (*Printer, error) {
	p := DefaultPrinter()
	steps := []struct {
		section string
		parse   func(*Section) error
	}{
		{"head", p.parseHead},
		{"buffer", p.parseBuffer},
		{"dispatch", p.parseDispatch},
		{"position", p.parsePosition},
		{"link", p.parseLink},
		{"monitor", p.parseMonitor},
		{"metrics", p.parseMetrics},
		{"journal", p.parseJournal},
		{"safety", p.parseSafety},
		{"log", p.parseLog},
	}
	for _, step := range steps {
		sec := cfg.GetSectionOptional(step.section)
		if sec == nil {
			continue
		}
		if err := step.parse(sec); err != nil {
			return nil, hostError(err)
		}
	}
	if err := p.validate(); err != nil {
		return nil, hostError(err)
	}
	return p, nil
}

func hostError(err error) error {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce.Host()
	}
	return err
}

// ParseHead parses a [head] section on its own, for reloads.
func ParseHead(sec *Section) (HeadConfig, error) {
	p := DefaultPrinter()
	if err := p.parseHead(sec); err != nil {
		return HeadConfig{}, hostError(err)
	}
	return p.Head, nil
}

func (p *Printer) parseHead(sec *Section) error {
	h := &p.Head
	var err error
	if h.Splits, err = sec.GetIntRange("pulse_splits", burst.MinSplits, burst.MaxSplits, h.Splits); err != nil {
		return err
	}
	mode, err := sec.GetChoice("pulse_mode", []string{"short", "long"}, h.PulseMode.String())
	if err != nil {
		return err
	}
	if h.PulseMode, err = head.ParsePulseMode(mode); err != nil {
		return WrapError(sec.name, "pulse_mode", err)
	}
	if h.DPI, err = sec.GetIntRange("dpi", 1, topology.NativeDPI, h.DPI); err != nil {
		return err
	}
	pm, err := sec.GetChoice("print_mode", []string{"all", "odd", "even"}, h.PrintMode.String())
	if err != nil {
		return err
	}
	if h.PrintMode, err = head.ParsePrintMode(pm); err != nil {
		return WrapError(sec.name, "print_mode", err)
	}
	if h.Enabled, err = sec.GetBool("enabled", h.Enabled); err != nil {
		return err
	}
	if h.Odd, err = sec.GetBool("odd", h.Odd); err != nil {
		return err
	}
	if h.Even, err = sec.GetBool("even", h.Even); err != nil {
		return err
	}
	offset, err := sec.GetInt("even_offset", int(h.EvenOffset))
	if err != nil {
		return err
	}
	h.EvenOffset = int32(offset)
	h.Reverse, err = sec.GetBool("reverse", h.Reverse)
	return err
}

func (p *Printer) parseBuffer(sec *Section) error {
	var err error
	if p.Buffer.Capacity, err = sec.GetIntRange("capacity", 2, 1<<20, p.Buffer.Capacity); err != nil {
		return err
	}
	mode, err := sec.GetChoice("mode", []string{"clearing", "static", "looping"}, p.Buffer.Mode.String())
	if err != nil {
		return err
	}
	if p.Buffer.Mode, err = scanbuf.ParseMode(mode); err != nil {
		return WrapError(sec.name, "mode", err)
	}
	return nil
}

func (p *Printer) parseDispatch(sec *Section) error {
	d := &p.Dispatch
	var err error
	if d.Backend, err = sec.GetChoice("backend", []string{BackendSim, BackendLink}, d.Backend); err != nil {
		return err
	}
	if d.Settle, err = sec.GetMicros("settle_us", d.Settle); err != nil {
		return err
	}
	if d.RegionSize, err = sec.GetIntRange("region_size", 1, 1<<16, d.RegionSize); err != nil {
		return err
	}
	if d.SingleBuffered, err = sec.GetBool("single_buffered", d.SingleBuffered); err != nil {
		return err
	}
	if d.Frequency, err = sec.GetIntRange("frequency", 0, 1<<30, d.Frequency); err != nil {
		return err
	}
	if d.BusFrequency, err = sec.GetIntRange("bus_frequency", 0, 1<<30, d.BusFrequency); err != nil {
		return err
	}
	d.CPU, err = sec.GetIntRange("cpu", -1, 1023, d.CPU)
	return err
}

func (p *Printer) parsePosition(sec *Section) error {
	src, err := sec.GetChoice("source", []string{string(printer.SourceEncoder), string(printer.SourceVirtual)}, string(p.Position.Source))
	if err != nil {
		return err
	}
	p.Position.Source = printer.Source(src)
	if p.Position.Velocity, err = sec.GetFloat("velocity", p.Position.Velocity); err != nil {
		return err
	}
	p.Position.StepInterval, err = sec.GetMicros("step_interval_us", p.Position.StepInterval)
	return err
}

func (p *Printer) parseLink(sec *Section) error {
	l := &p.Link
	var err error
	if l.Device, err = sec.Get("device", l.Device); err != nil {
		return err
	}
	if l.Socket, err = sec.Get("socket", l.Socket); err != nil {
		return err
	}
	if l.Baud, err = sec.GetIntRange("baud", 1, 1<<24, l.Baud); err != nil {
		return err
	}
	timeout, err := sec.GetFloatWithBounds("timeout", FloatBounds{Above: ptr(0.0)}, l.Timeout.Seconds())
	if err != nil {
		return err
	}
	l.Timeout = time.Duration(timeout * float64(time.Second))
	return nil
}

func (p *Printer) parseMonitor(sec *Section) error {
	var err error
	if p.Monitor.Address, err = sec.Get("address", p.Monitor.Address); err != nil {
		return err
	}
	interval, err := sec.GetFloatWithBounds("status_interval", FloatBounds{Above: ptr(0.0)}, p.Monitor.StatusInterval.Seconds())
	if err != nil {
		return err
	}
	p.Monitor.StatusInterval = time.Duration(interval * float64(time.Second))
	return nil
}

func (p *Printer) parseMetrics(sec *Section) error {
	var err error
	if p.Metrics.Address, err = sec.Get("address", p.Metrics.Address); err != nil {
		return err
	}
	interval, err := sec.GetFloatWithBounds("interval", FloatBounds{Above: ptr(0.0)}, p.Metrics.Interval.Seconds())
	if err != nil {
		return err
	}
	p.Metrics.Interval = time.Duration(interval * float64(time.Second))
	return nil
}

func (p *Printer) parseJournal(sec *Section) error {
	var err error
	p.Journal.Path, err = sec.Get("path", p.Journal.Path)
	return err
}

func (p *Printer) parseSafety(sec *Section) error {
	timeout, err := sec.GetFloatWithBounds("watchdog_timeout", FloatBounds{MinVal: ptr(0.0)}, p.Safety.WatchdogTimeout.Seconds())
	if err != nil {
		return err
	}
	p.Safety.WatchdogTimeout = time.Duration(timeout * float64(time.Second))
	return nil
}

func (p *Printer) parseLog(sec *Section) error {
	l := &p.Log
	var err error
	if l.Level, err = sec.GetChoice("level", []string{"debug", "info", "warn", "error"}, l.Level); err != nil {
		return err
	}
	if l.Format, err = sec.GetChoice("format", []string{"text", "json"}, l.Format); err != nil {
		return err
	}
	if l.File, err = sec.Get("file", l.File); err != nil {
		return err
	}
	sizeKB, err := sec.GetIntRange("max_size_kb", 1, 1<<22, int(l.MaxSize>>10))
	if err != nil {
		return err
	}
	l.MaxSize = int64(sizeKB) << 10
	if l.MaxBackups, err = sec.GetIntRange("max_backups", 1, 100, l.MaxBackups); err != nil {
		return err
	}
	l.Compress, err = sec.GetBool("compress", l.Compress)
	return err
}

// validate checks settings that span options.
func (p *Printer) validate() error {
	need := burst.RequiredSize(burst.MaxSplits, head.PulseLong)
	if p.Dispatch.RegionSize < need {
		return NewConfigError("dispatch", "region_size",
			fmt.Sprintf("%d pairs cannot hold a %d split long burst (%d pairs)",
				p.Dispatch.RegionSize, burst.MaxSplits, need))
	}
	if p.Dispatch.Backend == BackendLink && p.Link.Device == "" && p.Link.Socket == "" {
		return NewConfigError("link", "", "backend 'link' needs a device or socket")
	}
	if p.Position.Source == printer.SourceVirtual && p.Position.Velocity == 0 {
		return NewConfigError("position", "velocity", "virtual source needs a non-zero velocity")
	}
	return nil
}

// EngineConfig returns the print engine settings.
func (p *Printer) EngineConfig() printer.Config {
	return printer.Config{
		StepInterval: p.Position.StepInterval,
		EvenOffset:   p.Head.EvenOffset,
		Reverse:      p.Head.Reverse,
		Enabled:      p.Head.Enabled,
	}
}

// DispatchOptions returns the dispatcher settings.
func (p *Printer) DispatchOptions() dispatch.Options {
	return dispatch.Options{
		Settle:         p.Dispatch.Settle,
		RegionSize:     p.Dispatch.RegionSize,
		DoubleBuffered: !p.Dispatch.SingleBuffered,
		CPU:            p.Dispatch.CPU,
	}
}

func ptr[T any](v T) *T { return &v }
