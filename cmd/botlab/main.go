// Botlab is a configuration-driven group chat agent.
//
// Incoming Telegram messages pass an admission filter chain, then a
// pipeline of secondary agents (contextualizer, inhibitor), before the
// speaking agent's momentum sequences produce a reply. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]); agent behaviour lives in separate XML
// definitions referenced from it.
//
// Usage:
//
//	botlab serve                 Run the Telegram bridge and operator API
//	botlab init [dir]            Write a starter config and agent definitions
//	botlab ask <text>            Run one message through the pipeline
//	botlab validate <agent.xml>  Check an agent definition
//	botlab version               Print version and build information
//	botlab -o json version       Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/botlab/internal/agentdef"
	"github.com/nugget/botlab/internal/buildinfo"
	"github.com/nugget/botlab/internal/config"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. OS-level dependencies are injected so
// the whole lifecycle can be driven from tests. Arguments are parsed by
// hand because the flag package's globals get in the way of calling
// run concurrently.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case (args[i] == "-c" || args[i] == "-config") && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: botlab ask <text>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "validate":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: botlab validate <agent.xml>")
		}
		return runValidate(stdout, cmdArgs[0], outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// validationReport is the JSON form of botlab validate.
type validationReport struct {
	Name      string               `json:"name"`
	Type      string               `json:"type"`
	Category  string               `json:"category,omitempty"`
	Version   string               `json:"version"`
	Interval  string               `json:"response_interval"`
	Provider  string               `json:"provider,omitempty"`
	Model     string               `json:"model,omitempty"`
	Protocols int                  `json:"protocols"`
	Sequences []validatedSequence  `json:"sequences"`
	Rejected  []agentdef.Rejection `json:"rejected,omitempty"`
}

type validatedSequence struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Protocol    string  `json:"protocol"`
	Temperature float64 `json:"temperature"`
	Messages    int     `json:"messages"`
}

// runValidate parses an agent definition and reports what survived.
// Rejected sequences are listed but do not fail the command; a
// definition with no usable sequence does.
func runValidate(w io.Writer, path, outputFmt string) error {
	def, err := agentdef.Load(path)
	if err != nil {
		return fmt.Errorf("validate %s: %w", path, err)
	}

	report := validationReport{
		Name:      def.Name,
		Type:      def.Type,
		Category:  def.Category,
		Version:   def.Version,
		Interval:  fmt.Sprintf("%g %s", def.ResponseInterval, def.ResponseIntervalUnit),
		Provider:  def.Service.Provider,
		Model:     def.Service.Model,
		Protocols: len(def.Protocols),
		Rejected:  def.Rejected,
	}
	for _, s := range def.Sequences {
		report.Sequences = append(report.Sequences, validatedSequence{
			ID:          s.ID,
			Type:        s.Type,
			Protocol:    s.ProtocolRef,
			Temperature: s.Temperature,
			Messages:    len(s.Messages),
		})
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(w, "%s %s (%s", report.Name, report.Version, report.Type)
		if report.Category != "" {
			fmt.Fprintf(w, ", %s", report.Category)
		}
		fmt.Fprintln(w, ")")
		fmt.Fprintf(w, "  response interval: %s\n", report.Interval)
		if report.Model != "" {
			fmt.Fprintf(w, "  service: %s/%s\n", report.Provider, report.Model)
		}
		fmt.Fprintf(w, "  protocols: %d\n", report.Protocols)
		for _, s := range report.Sequences {
			fmt.Fprintf(w, "  ✓ %s (%s) protocol=%s temperature=%g messages=%d\n",
				s.ID, s.Type, s.Protocol, s.Temperature, s.Messages)
		}
		for _, r := range report.Rejected {
			fmt.Fprintf(w, "  ✗ %s: %s\n", r.SequenceID, r.Reason)
		}
	}

	if len(def.Sequences) == 0 {
		return fmt.Errorf("%s has no usable sequences", path)
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Botlab - configuration-driven group chat agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: botlab [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                Run the Telegram bridge and operator API")
	fmt.Fprintln(w, "  init [dir]           Write starter config and agent definitions (default: .)")
	fmt.Fprintln(w, "  ask <text>           Run one message through the pipeline")
	fmt.Fprintln(w, "  validate <file.xml>  Check an agent definition")
	fmt.Fprintln(w, "  version              Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -c, -config <path>   Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt     Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/botlab/config.yaml, /etc/botlab/config.yaml")
	return nil
}

func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	return slog.New(config.NewLogHandler(w, level, format))
}

// loadConfig locates and parses the YAML configuration file. Returns
// the parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
