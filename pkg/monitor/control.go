package monitor

import (
	"context"
	"encoding/base64"
	"fmt"

	"hp45-host/pkg/burst"
	hosterrors "hp45-host/pkg/errors"
	"hp45-host/pkg/head"
	"hp45-host/pkg/journal"
	"hp45-host/pkg/printer"
	"hp45-host/pkg/scanbuf"
	"hp45-host/pkg/topology"
)

// maxPulses bounds one preheat or prime request.
const maxPulses = 1000

// lineRequest is one scan line. Exactly one of Pattern, B8, B6 or Toggle
// carries the nozzles; the packed forms are base64.
type lineRequest struct {
	Position int32    `json:"position"`
	Pattern  []uint16 `json:"pattern,omitempty"`
	B8       string   `json:"b8,omitempty"`
	B6       string   `json:"b6,omitempty"`
	Toggle   string   `json:"toggle,omitempty"`
}

type linesRequest struct {
	Lines []lineRequest `json:"lines"`
}

// decodePacked base64-decodes a packed row of exactly n bytes.
func decodePacked(field, v string, n int) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, hosterrors.RequestError(field, "invalid base64: "+err.Error())
	}
	if len(raw) != n {
		return nil, hosterrors.RequestError(field, fmt.Sprintf("%s must be %d bytes, got %d", field, n, len(raw)))
	}
	return raw, nil
}

// pattern builds the fire pattern of a line. Packed rows go through dec, so
// this must run where the decoder is owned.
func (l lineRequest) pattern(dec *topology.Decoder) (head.Pattern, error) {
	var p head.Pattern
	forms := 0
	for _, set := range []bool{l.Pattern != nil, l.B8 != "", l.B6 != "", l.Toggle != ""} {
		if set {
			forms++
		}
	}
	if forms != 1 {
		return p, hosterrors.RequestError("line", "exactly one of pattern, b8, b6 or toggle is required")
	}

	switch {
	case l.Pattern != nil:
		if len(l.Pattern) != head.Addresses {
			return p, hosterrors.New(hosterrors.ErrHeadPattern,
				fmt.Sprintf("pattern needs %d words, got %d", head.Addresses, len(l.Pattern))).SetOption("pattern")
		}
		for i, w := range l.Pattern {
			if w&^head.PrimitiveMask != 0 {
				return p, hosterrors.New(hosterrors.ErrHeadPattern,
					fmt.Sprintf("address %d: word %#x has bits above primitive %d", i, w, head.Primitives-1)).SetOption("pattern")
			}
			p[i] = w
		}
	case l.B8 != "":
		raw, err := decodePacked("b8", l.B8, topology.B8Bytes)
		if err != nil {
			return p, err
		}
		p = dec.DecodeB8([topology.B8Bytes]byte(raw))
	case l.B6 != "":
		raw, err := decodePacked("b6", l.B6, topology.B6Bytes)
		if err != nil {
			return p, err
		}
		p = dec.DecodeB6Raw([topology.B6Bytes]byte(raw))
	default:
		raw, err := decodePacked("toggle", l.Toggle, topology.B6Bytes)
		if err != nil {
			return p, err
		}
		p = dec.DecodeB6Toggle([topology.B6Bytes]byte(raw))
	}
	return p, nil
}

// linesResult reports a batch upload. Lines after the first rejected one
// are not queued.
type linesResult struct {
	Accepted   int    `json:"accepted"`
	Rejected   int    `json:"rejected"`
	WriteSpace int    `json:"write_space"`
	Error      string `json:"error,omitempty"`
}

// pushLines queues lines in order on the reactor. A full buffer stops the
// batch without failing the request.
func (s *Server) pushLines(ctx context.Context, lines []lineRequest) (any, error) {
	if len(lines) == 0 {
		return nil, hosterrors.RequestError("lines", "no lines given")
	}
	for _, l := range lines {
		if l.Pattern != nil {
			if _, err := l.pattern(nil); err != nil {
				return nil, err
			}
		}
	}

	return s.onReactor(ctx, func(float64) (any, error) {
		patterns := make([]head.Pattern, len(lines))
		for i, l := range lines {
			p, err := l.pattern(s.decoder)
			if err != nil {
				return nil, err
			}
			patterns[i] = p
		}

		res := linesResult{}
		for i, p := range patterns {
			space, err := s.engine.AddLine(lines[i].Position, p)
			if err != nil {
				res.Rejected = len(lines) - i
				res.Error = err.Error()
				break
			}
			res.Accepted++
			res.WriteSpace = space
		}
		if res.Accepted == 0 {
			res.WriteSpace = s.engine.Status().WriteSpace
		}
		return res, nil
	})
}

// controlRequest is a head or buffer command. Which fields apply depends on
// Command.
type controlRequest struct {
	Command   string `json:"command"`
	Mode      string `json:"mode,omitempty"`
	PrintMode string `json:"print_mode,omitempty"`
	PulseMode string `json:"pulse_mode,omitempty"`
	Side      string `json:"side,omitempty"`
	Active    *bool  `json:"active,omitempty"`
	Enabled   *bool  `json:"enabled,omitempty"`
	Pulses    int    `json:"pulses,omitempty"`
	Nozzle    *int   `json:"nozzle,omitempty"`
	Splits    int    `json:"splits,omitempty"`
	DPI       int    `json:"dpi,omitempty"`
	Position  *int32 `json:"position,omitempty"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status,omitempty"`
}

func (c controlRequest) detail() map[string]any {
	d := map[string]any{"command": c.Command}
	add := func(k string, v any, ok bool) {
		if ok {
			d[k] = v
		}
	}
	add("mode", c.Mode, c.Mode != "")
	add("print_mode", c.PrintMode, c.PrintMode != "")
	add("pulse_mode", c.PulseMode, c.PulseMode != "")
	add("side", c.Side, c.Side != "")
	add("pulses", c.Pulses, c.Pulses != 0)
	add("splits", c.Splits, c.Splits != 0)
	add("dpi", c.DPI, c.DPI != 0)
	add("name", c.Name, c.Name != "")
	add("status", c.Status, c.Status != "")
	if c.Active != nil {
		d["active"] = *c.Active
	}
	if c.Enabled != nil {
		d["enabled"] = *c.Enabled
	}
	if c.Nozzle != nil {
		d["nozzle"] = *c.Nozzle
	}
	if c.Position != nil {
		d["position"] = *c.Position
	}
	return d
}

// control applies one command and returns the engine status after it.
func (s *Server) control(ctx context.Context, c controlRequest) (any, error) {
	var err error
	switch c.Command {
	case "preheat", "prime":
		err = s.fire(ctx, c)
	case "nozzle":
		if c.Nozzle == nil {
			return nil, hosterrors.RequestError("nozzle", "nozzle is required")
		}
		err = s.engine.FireNozzle(ctx, *c.Nozzle)
	case "job_start", "job_finish":
		return s.job(ctx, c)
	case "emergency_stop", "clear_shutdown":
		err = s.shutdown(c)
	case "":
		return nil, hosterrors.RequestError("command", "command is required")
	default:
		_, err = s.onReactor(ctx, func(eventtime float64) (any, error) {
			return nil, s.apply(c, eventtime)
		})
	}
	if err != nil {
		return nil, err
	}

	if s.journal != nil {
		if jerr := s.journal.RecordEvent(ctx, "control", c.detail()); jerr != nil {
			s.logger.WithError(jerr).Warn("unable to journal command")
		}
	}
	return s.status(), nil
}

func (s *Server) fire(ctx context.Context, c controlRequest) error {
	if c.Pulses <= 0 || c.Pulses > maxPulses {
		return hosterrors.RequestError("pulses", fmt.Sprintf("pulses must be between 1 and %d", maxPulses))
	}
	if c.Command == "preheat" {
		return s.engine.Preheat(ctx, c.Pulses)
	}
	return s.engine.Prime(ctx, c.Pulses)
}

func (s *Server) shutdown(c controlRequest) error {
	if s.safety == nil {
		return hosterrors.RequestError("command", "no safety manager configured")
	}
	if c.Command == "emergency_stop" {
		msg := c.Name
		if msg == "" {
			msg = "emergency stop requested"
		}
		return s.safety.EmergencyStop(msg)
	}
	if err := s.safety.Reset(); err != nil {
		return hosterrors.RequestError("command", err.Error())
	}
	return nil
}

// apply runs a buffer or head setting on the reactor goroutine.
func (s *Server) apply(c controlRequest, eventtime float64) error {
	switch c.Command {
	case "clear":
		return s.engine.Do(func(buf *scanbuf.Buffer, _ *burst.Encoder) error {
			buf.ClearAll()
			return nil
		})
	case "reset":
		return s.engine.Do(func(buf *scanbuf.Buffer, _ *burst.Encoder) error {
			buf.Reset()
			return nil
		})
	case "mode":
		m, err := scanbuf.ParseMode(c.Mode)
		if err != nil {
			return hosterrors.BufferModeError(c.Mode, err)
		}
		return s.engine.Do(func(buf *scanbuf.Buffer, _ *burst.Encoder) error {
			return buf.SetMode(m)
		})
	case "print_mode":
		m, err := head.ParsePrintMode(c.PrintMode)
		if err != nil {
			return hosterrors.BufferModeError(c.PrintMode, err)
		}
		return s.engine.Do(func(buf *scanbuf.Buffer, _ *burst.Encoder) error {
			return buf.SetPrintMode(m)
		})
	case "side":
		side, err := head.ParseSide(c.Side)
		if err != nil {
			return hosterrors.RequestError("side", err.Error())
		}
		if c.Active == nil {
			return hosterrors.RequestError("active", "active is required")
		}
		return s.engine.Do(func(buf *scanbuf.Buffer, _ *burst.Encoder) error {
			return buf.SetActive(side, *c.Active)
		})
	case "enable":
		if c.Enabled == nil {
			return hosterrors.RequestError("enabled", "enabled is required")
		}
		if *c.Enabled && s.safety != nil {
			if err := s.safety.CheckOperational(); err != nil {
				return err
			}
		}
		s.engine.SetEnabled(*c.Enabled)
		return nil
	case "pulse_mode":
		m, err := head.ParsePulseMode(c.PulseMode)
		if err != nil {
			return hosterrors.EncoderError(err)
		}
		return s.engine.Do(func(_ *scanbuf.Buffer, enc *burst.Encoder) error {
			if err := enc.SetMode(m); err != nil {
				return hosterrors.EncoderError(err)
			}
			return nil
		})
	case "splits":
		return s.engine.Do(func(_ *scanbuf.Buffer, enc *burst.Encoder) error {
			if err := enc.SetSplits(c.Splits); err != nil {
				return hosterrors.EncoderError(err)
			}
			return nil
		})
	case "dpi":
		if _, err := s.decoder.SetDPI(c.DPI); err != nil {
			return hosterrors.RequestError("dpi", err.Error())
		}
		return nil
	case "position":
		if c.Position == nil {
			return hosterrors.RequestError("position", "position is required")
		}
		switch src := s.engine.Source().(type) {
		case *printer.EncoderPosition:
			src.Set(*c.Position)
		case *printer.VirtualPosition:
			src.Reset(*c.Position, eventtime)
		default:
			return hosterrors.RequestError("position", "position source cannot be set")
		}
		return nil
	default:
		return hosterrors.RequestError("command", fmt.Sprintf("unknown command %q", c.Command))
	}
}

func (s *Server) job(ctx context.Context, c controlRequest) (any, error) {
	if s.journal == nil {
		return nil, hosterrors.RequestError("command", "no journal configured")
	}
	st := s.engine.Status()
	if c.Command == "job_start" {
		name := c.Name
		if name == "" {
			name = "job"
		}
		id, err := s.journal.StartJob(ctx, name, st)
		if err != nil {
			return nil, err
		}
		return map[string]any{"job_id": id}, nil
	}
	status := c.Status
	if status == "" {
		status = journal.StatusCompleted
	}
	return s.journal.FinishJob(ctx, status, st)
}
