package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/speters/rgad/internal/recorder"
	"github.com/speters/rgad/rga"
)

// console is the interactive command loop of -i
type console struct {
	session  *rga.Session
	recorder *recorder.Recorder
	rl       *readline.Instance
	out      io.Writer
}

func newConsole(s *rga.Session, rec *recorder.Recorder) (*console, error) {
	names := func(string) []string {
		var n []string
		for _, p := range s.Registry().All() {
			n = append(n, p.Name)
		}
		return n
	}
	completer := readline.NewPrefixCompleter(
		readline.PcItem("get", readline.PcItemDynamic(names)),
		readline.PcItem("set", readline.PcItemDynamic(names)),
		readline.PcItem("restore", readline.PcItemDynamic(names)),
		readline.PcItem("params"),
		readline.PcItem("mass"),
		readline.PcItem("scan"),
		readline.PcItem("last"),
		readline.PcItem("filament", readline.PcItem("on"), readline.PcItem("off")),
		readline.PcItem("calibrate"),
		readline.PcItem("status"),
		readline.PcItem("device"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "rga> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		AutoComplete:    completer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &console{session: s, recorder: rec, rl: rl, out: rl.Stdout()}, nil
}

// Stderr coordinates log output with the prompt
func (c *console) Stderr() io.Writer { return c.rl.Stderr() }

// Run reads commands until quit, EOF or ctx is done
func (c *console) Run(ctx context.Context) {
	defer c.rl.Close()
	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			return
		}
		if !c.exec(ctx, line) {
			return
		}
	}
}

// exec runs one command line and reports whether to continue
func (c *console) exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	var err error
	switch cmd {
	case "help", "?":
		c.printHelp()
	case "get":
		err = c.cmdGet(ctx, args)
	case "set":
		err = c.cmdSet(ctx, args)
	case "restore":
		err = c.cmdRestore(ctx, args)
	case "params":
		for _, p := range c.session.Registry().All() {
			fmt.Fprintf(c.out, "%-22s %s  [%v, %v] default %v %s\n", p.Name, p.Mnemonic, p.Min, p.Max, p.Default, p.Unit)
		}
	case "mass":
		err = c.cmdMass(ctx, args)
	case "scan":
		err = c.cmdScan(ctx, args)
	case "last":
		c.cmdLast()
	case "filament":
		err = c.cmdFilament(ctx, args)
	case "calibrate":
		if err = c.session.CalibrateAll(ctx); err == nil {
			fmt.Fprintln(c.out, "OK")
		}
	case "status":
		err = c.cmdStatus(ctx)
	case "device":
		c.printJSON(c.session.Snapshot())
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Exiting...")
		return false
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	return true
}

func (c *console) printHelp() {
	fmt.Fprintln(c.out, `
RGA commands:
  get <name>             - read a parameter
  set <name> <value>     - write a parameter
  restore <name>         - restore the default of a parameter
  params                 - list parameters
  mass <amu>             - measure one mass
  scan <min> <max> <res> - measure a spectrum
  last                   - show the last recorded spectrum
  filament on|off        - switch the filament
  calibrate              - restore defaults and zero the detector
  status                 - read the status byte
  device                 - show the cached device state
  quit                   - exit`)
}

func (c *console) printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, string(b))
}

func usage(u string) error {
	return fmt.Errorf("usage: %s", u)
}

func (c *console) cmdGet(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("get <name>")
	}
	v, err := c.session.Get(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s = %v\n", args[0], v)
	return nil
}

func (c *console) cmdSet(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return usage("set <name> <value>")
	}
	v, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("%w: %q is not a number", rga.ErrInvalidParameter, args[1])
	}
	if err := c.session.Set(ctx, args[0], v); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "OK")
	return nil
}

func (c *console) cmdRestore(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("restore <name>")
	}
	if err := c.session.Restore(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "OK")
	return nil
}

func (c *console) cmdMass(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("mass <amu>")
	}
	amu, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("%w: %q is not an integer mass", rga.ErrOutOfRange, args[0])
	}
	r, err := c.session.ReadMass(ctx, amu)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "mass %v: %.3e Torr (ion current %.3e)\n", r.AMU, r.Pressure, r.Raw)
	return nil
}

func (c *console) cmdScan(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return usage("scan <min> <max> <res>")
	}
	var v [3]int
	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return fmt.Errorf("%w: %q is not an integer", rga.ErrInvalidParameter, a)
		}
		v[i] = n
	}
	sp, err := c.session.ReadSpectrum(ctx, v[0], v[1], v[2])
	if sp != nil {
		c.printSpectrum(sp)
	}
	return err
}

func (c *console) printSpectrum(sp *rga.Spectrum) {
	for _, p := range sp.Points {
		fmt.Fprintf(c.out, "%8.3f  %.3e\n", p.AMU, p.Pressure)
	}
	if sp.Complete {
		fmt.Fprintf(c.out, "total    %.3e\n", sp.TotalPressure)
	} else {
		fmt.Fprintf(c.out, "incomplete, %d points\n", len(sp.Points))
	}
}

func (c *console) cmdLast() {
	if c.recorder == nil || c.recorder.Last() == nil {
		fmt.Fprintln(c.out, "No spectrum recorded")
		return
	}
	c.printSpectrum(c.recorder.Last())
}

func (c *console) cmdFilament(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("filament on|off")
	}
	var err error
	switch args[0] {
	case "on":
		err = c.session.TurnOnFilament(ctx)
	case "off":
		err = c.session.TurnOffFilament(ctx)
	default:
		return usage("filament on|off")
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "filament %v\n", c.session.Filament())
	return nil
}

func (c *console) cmdStatus(ctx context.Context) error {
	f, err := c.session.DeviceStatus(ctx)
	if err != nil {
		return err
	}
	if f == nil {
		fmt.Fprintln(c.out, "status 0, no faults")
		return nil
	}
	fmt.Fprintf(c.out, "status 0x%02x\n", f.Status)
	for _, code := range f.Codes {
		fmt.Fprintf(c.out, "  %-9s %s\n", code, code.Description())
	}
	return nil
}
