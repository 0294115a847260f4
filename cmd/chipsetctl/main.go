// Command chipsetctl boots the interrupt routing core on an emulated
// platform described by a YAML fixture and runs admin commands against
// it. Commands come from the argument list, or interactively from
// stdin when none are given.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/condor-hv/condor"
	"github.com/condor-hv/condor/internal/firmware"
	"github.com/condor-hv/condor/internal/hw/emu"
)

type fixture struct {
	Platform emu.PlatformConfig `yaml:"platform"`
	Tables   *firmware.Tables   `yaml:"tables"`
	Options  struct {
		ACPIRouting   bool `yaml:"acpiRouting"`
		CompareTables bool `yaml:"compareTables"`
		HomeCore      int  `yaml:"homeCore"`
		ConsoleCore   int  `yaml:"consoleCore"`
	} `yaml:"options"`
}

func loadFixture(path string) (*fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	var f fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	if f.Tables == nil {
		return nil, fmt.Errorf("fixture has no tables section")
	}
	return &f, nil
}

// logSched stands in for the console world scheduler.
type logSched struct {
	logger *slog.Logger
}

func (s *logSched) ConsoleIdle() bool    { return true }
func (s *logSched) ConsoleRunning() bool { return false }

func (s *logSched) Wake() {
	s.logger.Debug("console world woken")
}

func (s *logSched) SuppressIdle() {
	s.logger.Debug("console idle suppressed")
}

func (s *logSched) MarkReschedule() {
	s.logger.Debug("console reschedule requested")
}

func run(fixturePath string, commands []string) error {
	f, err := loadFixture(fixturePath)
	if err != nil {
		return err
	}

	platform, err := emu.NewPlatform(f.Platform)
	if err != nil {
		return err
	}

	sys, err := condor.Boot(condor.BootConfig{
		Tables:  f.Tables,
		Ports:   platform.Bus,
		Windows: platform.Bus,
		Local:   platform.Local,
		Sched:   &logSched{logger: slog.Default()},
		Options: condor.Options{
			ACPIRouting:   f.Options.ACPIRouting,
			CompareTables: f.Options.CompareTables,
			HomeCore:      f.Options.HomeCore,
			ConsoleCore:   f.Options.ConsoleCore,
		},
	})
	if err != nil {
		return err
	}
	defer sys.Shutdown()

	if len(commands) > 0 {
		for _, command := range commands {
			if err := sys.ExecAdmin(command, os.Stdout); err != nil {
				return err
			}
		}
		return nil
	}
	return repl(sys, os.Stdin, os.Stdout)
}

func repl(sys *condor.System, in io.Reader, out io.Writer) error {
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}

	scanner := bufio.NewScanner(in)
	for {
		if interactive {
			fmt.Fprint(out, "chipsetctl> ")
		}
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		if err := sys.ExecAdmin(line, out); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fixturePath := fs.String("fixture", "", "YAML platform and tables description")
	debug := fs.Bool("debug", false, "Enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		slog.Error("failed to parse flags", "error", err)
		os.Exit(1)
	}
	if *fixturePath == "" {
		slog.Error("a -fixture file is required")
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	if err := run(*fixturePath, fs.Args()); err != nil {
		slog.Error("chipsetctl failed", "error", err)
		os.Exit(1)
	}
}
