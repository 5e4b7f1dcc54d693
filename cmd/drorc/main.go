// Command drorc is the operator CLI for the Deep Research Orchestrator
// core: a thin shell that parses subcommands, loads process
// configuration, and dispatches into pkg/ops, emitting exactly one
// dr.cli.v1 envelope per invocation (spec.md §6). All orchestration logic
// lives in pkg/ops and the packages it wraps — this file owns only flag
// parsing, environment bootstrap, and envelope formatting, mirroring how
// little cmd/tarsy/main.go does beyond bootstrap and router wiring.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeready-toolchain/drorc/pkg/api"
	"github.com/codeready-toolchain/drorc/pkg/coreerr"
	"github.com/codeready-toolchain/drorc/pkg/driver"
	"github.com/codeready-toolchain/drorc/pkg/envelope"
	"github.com/codeready-toolchain/drorc/pkg/halt"
	"github.com/codeready-toolchain/drorc/pkg/ingest"
	"github.com/codeready-toolchain/drorc/pkg/manifest"
	"github.com/codeready-toolchain/drorc/pkg/ops"
	"github.com/codeready-toolchain/drorc/pkg/policy"
	"github.com/codeready-toolchain/drorc/pkg/stage"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// setupLogging selects slog's JSON handler for non-interactive/CI
// contexts and the text handler for local terminal use, the same
// environment-driven choice cmd/tarsy/main.go makes for gin's mode.
func setupLogging() *slog.Logger {
	level := slog.LevelInfo
	if getEnv("DRORC_LOG_LEVEL", "") == "debug" {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if getEnv("DRORC_LOG_FORMAT", "text") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	logger := setupLogging()

	configDir := getEnv("DRORC_CONFIG_DIR", ".")
	if err := policy.LoadDotEnv(filepath.Join(configDir, ".env")); err != nil {
		logger.Warn("could not load .env", "error", err)
	}

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: drorc <command> [flags]")
		return 2
	}

	cmd := args[0]
	rest := args[1:]
	invocation := "drorc " + strings.Join(args, " ")

	dispatch, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		return 2
	}
	return dispatch(rest, invocation, logger)
}

type commandFunc func(args []string, invocation string, logger *slog.Logger) int

var commands = map[string]commandFunc{
	"init":              cmdInit,
	"tick":              cmdTick,
	"run":               cmdRun,
	"stage-advance":     cmdStageAdvance,
	"perspectives-draft": cmdPerspectivesDraft,
	"agent-result":      cmdAgentResult,
	"status":            cmdStatus,
	"inspect":           cmdInspect,
	"triage":            cmdTriage,
	"pause":             cmdPause,
	"resume":            cmdResume,
	"cancel":            cmdCancel,
	"capture-fixtures":  cmdCaptureFixtures,
	"rerun":             cmdRerun,
	"serve":             cmdServe,
}

// emit renders env to stdout as the single dr.cli.v1 JSON document, or a
// compact human summary when jsonMode is false (spec.md §6, §7).
func emit(logger *slog.Logger, jsonMode bool, env envelope.Envelope) int {
	if jsonMode {
		if err := envelope.Emit(os.Stdout, logger, env); err != nil {
			fmt.Fprintf(os.Stderr, "failed to emit envelope: %v\n", err)
			return 1
		}
	} else {
		printHuman(env)
	}
	if env.OK {
		return 0
	}
	return 1
}

func printHuman(env envelope.Envelope) {
	status := "OK"
	if !env.OK {
		status = "FAILED"
	}
	fmt.Printf("%s %s (run %s, stage %s)\n", env.Command, status, env.Contract.RunID, env.Contract.StageCurrent)
	if env.Error != nil {
		fmt.Printf("  error: %s: %s\n", env.Error.Code, env.Error.Message)
	}
	if env.Halt != nil {
		fmt.Printf("  halt: tick %d, see %s\n", env.Halt.TickIndex, env.Halt.LatestPath)
		if env.Halt.BlockersSummary != "" {
			fmt.Printf("  blockers: %s\n", env.Halt.BlockersSummary)
		}
		for _, c := range env.Halt.NextCommands {
			fmt.Printf("    next: %s\n", c)
		}
	}
}

// contractFor loads the manifest at runRoot to build a Contract; if the
// manifest cannot be loaded (e.g. init failed before creating one), it
// falls back to a bare contract carrying just the run root so the
// envelope still identifies what was attempted.
func contractFor(runRoot, invocation string) envelope.Contract {
	loaded, err := manifest.Read(manifest.Path(runRoot))
	if err != nil {
		return envelope.Contract{RunRoot: runRoot, ManifestPath: manifest.Path(runRoot), CLIInvocation: invocation}
	}
	return envelope.ContractFrom(runRoot, loaded.Manifest, invocation)
}

// haltEnvelopeOrError inspects operator/halt/latest.json after a failed
// tick to decide between FromHalt and a bare FromError, since
// tick.Outcome itself does not carry the halt artifact (it is durable
// state, not an in-memory return value) — see pkg/tick/engine.go.
func haltEnvelopeOrError(command string, contract envelope.Contract, runRoot string, tickErr error) envelope.Envelope {
	var artifact halt.Artifact
	latestPath := filepath.Join(runRoot, "operator", "halt", "latest.json")
	if info, statErr := os.Stat(latestPath); statErr == nil && time.Since(info.ModTime()) < time.Minute {
		if raw, readErr := os.ReadFile(latestPath); readErr == nil && json.Unmarshal(raw, &artifact) == nil {
			return envelope.FromHalt(command, contract, artifact)
		}
	}
	return envelope.FromError(command, contract, tickErr)
}

func resolveDriver(fs *flag.FlagSet) (driver.Driver, string) {
	driverName := fs.Lookup("driver").Value.String()
	switch driverName {
	case "live":
		target := fs.Lookup("agent-runner-target").Value.String()
		d, err := driver.DialLiveDriver(target)
		if err != nil {
			return nil, err.Error()
		}
		return d, ""
	case "task":
		return &driver.TaskDriver{}, ""
	default:
		fixturesDir := fs.Lookup("fixtures-dir").Value.String()
		return &driver.FixtureDriver{FixturesDir: fixturesDir}, ""
	}
}

func addDriverFlags(fs *flag.FlagSet, runRoot string) {
	fs.String("driver", "fixture", "agent execution driver: fixture|live|task")
	fs.String("fixtures-dir", filepath.Join(runRoot, "fixtures"), "fixture replay directory (driver=fixture)")
	fs.String("agent-runner-target", getEnv("DRORC_AGENT_RUNNER_TARGET", "localhost:7443"), "agent-runner gRPC target (driver=live)")
}

func cmdInit(args []string, invocation string, logger *slog.Logger) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	runID := fs.String("run-id", "", "run identifier")
	runsRoot := fs.String("runs-root", getEnv("DRORC_RUNS_ROOT", "./runs"), "parent directory for run roots")
	query := fs.String("query", "", "research query text")
	sensitivity := fs.String("sensitivity", "normal", "normal|restricted|no_web")
	writePerspectives := fs.Bool("write-perspectives", false, "drive ticks through perspectives into wave1 immediately")
	jsonMode := fs.Bool("json", false, "emit dr.cli.v1 JSON envelope")
	addDriverFlags(fs, "")
	fs.Parse(args)

	d, derr := resolveDriver(fs)
	if derr != "" {
		fmt.Fprintln(os.Stderr, derr)
		return 1
	}

	runRoot, _ := filepath.Abs(filepath.Join(*runsRoot, *runID))
	p, err := ops.RequirePolicy(runRoot, os.Environ())
	if err != nil {
		return emit(logger, *jsonMode, envelope.FromError("init", envelope.Contract{RunRoot: runRoot, CLIInvocation: invocation}, err))
	}

	result, err := ops.Init(context.Background(), ops.InitRequest{
		RunID:             *runID,
		RunsRoot:          *runsRoot,
		QueryText:         *query,
		Sensitivity:       manifest.Sensitivity(*sensitivity),
		WritePerspectives: *writePerspectives,
		Drivers:           ops.SingleDriver{D: d},
		Policy:            p,
	})
	contract := contractFor(runRoot, invocation)
	if err != nil {
		return emit(logger, *jsonMode, envelope.FromError("init", contract, err))
	}
	return emit(logger, *jsonMode, envelope.OK("init", contract, result))
}

func cmdTick(args []string, invocation string, logger *slog.Logger) int {
	fs := flag.NewFlagSet("tick", flag.ExitOnError)
	runRoot := fs.String("run-root", "", "absolute run root")
	jsonMode := fs.Bool("json", false, "emit dr.cli.v1 JSON envelope")
	addDriverFlags(fs, "")
	fs.Parse(args)

	d, derr := resolveDriver(fs)
	if derr != "" {
		fmt.Fprintln(os.Stderr, derr)
		return 1
	}
	p, err := ops.RequirePolicy(*runRoot, os.Environ())
	contract := contractFor(*runRoot, invocation)
	if err != nil {
		return emit(logger, *jsonMode, envelope.FromError("tick", contract, err))
	}

	outcome, tickErr := ops.Tick(context.Background(), *runRoot, ops.SingleDriver{D: d}, nil, p)
	contract = contractFor(*runRoot, invocation)
	if tickErr != nil {
		return emit(logger, *jsonMode, haltEnvelopeOrError("tick", contract, *runRoot, tickErr))
	}
	return emit(logger, *jsonMode, envelope.OK("tick", contract, outcome))
}

func cmdRun(args []string, invocation string, logger *slog.Logger) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	runRoot := fs.String("run-root", "", "absolute run root")
	maxTicks := fs.Int("max-ticks", 0, "stop after this many ticks (0 = unbounded)")
	cronSpec := fs.String("cron", "", "robfig/cron cadence between ticks (overrides policy interval)")
	jsonMode := fs.Bool("json", false, "emit dr.cli.v1 JSON envelope")
	addDriverFlags(fs, "")
	fs.Parse(args)

	d, derr := resolveDriver(fs)
	if derr != "" {
		fmt.Fprintln(os.Stderr, derr)
		return 1
	}
	p, err := ops.RequirePolicy(*runRoot, os.Environ())
	contract := contractFor(*runRoot, invocation)
	if err != nil {
		return emit(logger, *jsonMode, envelope.FromError("run", contract, err))
	}

	result := ops.Run(context.Background(), *runRoot, ops.SingleDriver{D: d}, nil, p, struct {
		CronSpec string
		MaxTicks int
	}{CronSpec: *cronSpec, MaxTicks: *maxTicks})
	contract = contractFor(*runRoot, invocation)
	env := envelope.OK("run", contract, result)
	if result.LastErr != nil && result.Halted {
		env = haltEnvelopeOrError("run", contract, *runRoot, result.LastErr)
	}
	return emit(logger, *jsonMode, env)
}

func cmdStageAdvance(args []string, invocation string, logger *slog.Logger) int {
	fs := flag.NewFlagSet("stage-advance", flag.ExitOnError)
	runRoot := fs.String("run-root", "", "absolute run root")
	requestedNext := fs.String("requested-next", "", "target stage (required when multiple edges exist)")
	reason := fs.String("reason", "operator", "reason recorded in audit")
	jsonMode := fs.Bool("json", false, "emit dr.cli.v1 JSON envelope")
	fs.Parse(args)

	decision, err := ops.StageAdvance(ops.StageAdvanceRequest{RunRoot: *runRoot, RequestedNext: stage.Name(*requestedNext), Reason: *reason})
	contract := contractFor(*runRoot, invocation)
	if err != nil {
		return emit(logger, *jsonMode, envelope.FromError("stage-advance", contract, err))
	}
	contract = contractFor(*runRoot, invocation)
	return emit(logger, *jsonMode, envelope.OK("stage-advance", contract, decision))
}

func cmdPerspectivesDraft(args []string, invocation string, logger *slog.Logger) int {
	fs := flag.NewFlagSet("perspectives-draft", flag.ExitOnError)
	runRoot := fs.String("run-root", "", "absolute run root")
	jsonMode := fs.Bool("json", false, "emit dr.cli.v1 JSON envelope")
	fs.Parse(args)

	result, err := ops.PerspectivesDraft(*runRoot)
	contract := contractFor(*runRoot, invocation)
	if err != nil {
		return emit(logger, *jsonMode, envelope.FromError("perspectives-draft", contract, err))
	}
	contract = contractFor(*runRoot, invocation)
	return emit(logger, *jsonMode, envelope.OK("perspectives-draft", contract, result))
}

func cmdAgentResult(args []string, invocation string, logger *slog.Logger) int {
	fs := flag.NewFlagSet("agent-result", flag.ExitOnError)
	runRoot := fs.String("run-root", "", "absolute run root")
	stageName := fs.String("stage", "", "stage the output belongs to")
	perspectiveID := fs.String("perspective-id", "", "perspective identifier")
	inputPath := fs.String("input", "", "path to the raw agent output file")
	agentRunID := fs.String("agent-run-id", "", "agent run identifier")
	reason := fs.String("reason", "operator", "reason recorded in audit")
	force := fs.Bool("force", false, "override a prompt-digest conflict")
	jsonMode := fs.Bool("json", false, "emit dr.cli.v1 JSON envelope")
	fs.Parse(args)

	raw, rerr := os.ReadFile(*inputPath)
	contract := contractFor(*runRoot, invocation)
	if rerr != nil {
		return emit(logger, *jsonMode, envelope.FromError("agent-result", contract,
			coreerr.Wrap(coreerr.InvalidArgs, "cannot read input path", rerr)))
	}

	outcome, err := ops.AgentResult(ingest.Request{
		RunRoot:       *runRoot,
		Stage:         *stageName,
		PerspectiveID: *perspectiveID,
		InputPath:     *inputPath,
		AgentRunID:    *agentRunID,
		Reason:        *reason,
		Force:         *force,
	}, raw)
	contract = contractFor(*runRoot, invocation)
	if err != nil {
		return emit(logger, *jsonMode, envelope.FromError("agent-result", contract, err))
	}
	return emit(logger, *jsonMode, envelope.OK("agent-result", contract, outcome))
}

func cmdStatus(args []string, invocation string, logger *slog.Logger) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	runRoot := fs.String("run-root", "", "absolute run root")
	jsonMode := fs.Bool("json", false, "emit dr.cli.v1 JSON envelope")
	fs.Parse(args)

	result, err := ops.Status(*runRoot)
	contract := contractFor(*runRoot, invocation)
	if err != nil {
		return emit(logger, *jsonMode, envelope.FromError("status", contract, err))
	}
	return emit(logger, *jsonMode, envelope.OK("status", contract, result))
}

func cmdInspect(args []string, invocation string, logger *slog.Logger) int {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	runRoot := fs.String("run-root", "", "absolute run root")
	jsonMode := fs.Bool("json", false, "emit dr.cli.v1 JSON envelope")
	serve := fs.Bool("serve", false, "serve a read-only HTTP mirror instead of exiting (SPEC_FULL supplement 3)")
	addr := fs.String("addr", ":8089", "listen address for --serve")
	fs.Parse(args)

	if *serve {
		return cmdServeAddr(*runRoot, *addr, logger)
	}

	result, err := ops.Inspect(*runRoot)
	contract := contractFor(*runRoot, invocation)
	if err != nil {
		return emit(logger, *jsonMode, envelope.FromError("inspect", contract, err))
	}
	return emit(logger, *jsonMode, envelope.OK("inspect", contract, result))
}

func cmdTriage(args []string, invocation string, logger *slog.Logger) int {
	fs := flag.NewFlagSet("triage", flag.ExitOnError)
	runRoot := fs.String("run-root", "", "absolute run root")
	jsonMode := fs.Bool("json", false, "emit dr.cli.v1 JSON envelope")
	fs.Parse(args)

	result, err := ops.Triage(*runRoot)
	contract := contractFor(*runRoot, invocation)
	if err != nil {
		return emit(logger, *jsonMode, envelope.FromError("triage", contract, err))
	}
	return emit(logger, *jsonMode, envelope.OK("triage", contract, result))
}

func lifecycleCommand(name string, fn func(runRoot, reason string) error) commandFunc {
	return func(args []string, invocation string, logger *slog.Logger) int {
		fs := flag.NewFlagSet(name, flag.ExitOnError)
		runRoot := fs.String("run-root", "", "absolute run root")
		reason := fs.String("reason", "operator", "reason recorded in the checkpoint")
		jsonMode := fs.Bool("json", false, "emit dr.cli.v1 JSON envelope")
		fs.Parse(args)

		err := fn(*runRoot, *reason)
		contract := contractFor(*runRoot, invocation)
		if err != nil {
			return emit(logger, *jsonMode, envelope.FromError(name, contract, err))
		}
		contract = contractFor(*runRoot, invocation)
		return emit(logger, *jsonMode, envelope.OK(name, contract, map[string]string{"reason": *reason}))
	}
}

var (
	cmdPause  = lifecycleCommand("pause", ops.Pause)
	cmdResume = lifecycleCommand("resume", ops.Resume)
	cmdCancel = lifecycleCommand("cancel", ops.Cancel)
)

func cmdCaptureFixtures(args []string, invocation string, logger *slog.Logger) int {
	fs := flag.NewFlagSet("capture-fixtures", flag.ExitOnError)
	runRoot := fs.String("run-root", "", "absolute run root")
	stageName := fs.String("stage", "", "stage to snapshot")
	jsonMode := fs.Bool("json", false, "emit dr.cli.v1 JSON envelope")
	fs.Parse(args)

	path, err := ops.CaptureFixtures(*runRoot, *stageName)
	contract := contractFor(*runRoot, invocation)
	if err != nil {
		return emit(logger, *jsonMode, envelope.FromError("capture-fixtures", contract, err))
	}
	return emit(logger, *jsonMode, envelope.OK("capture-fixtures", contract, map[string]string{"fixture_path": path}))
}

func cmdRerun(args []string, invocation string, logger *slog.Logger) int {
	fs := flag.NewFlagSet("rerun", flag.ExitOnError)
	runRoot := fs.String("run-root", "", "absolute run root")
	jsonMode := fs.Bool("json", false, "emit dr.cli.v1 JSON envelope")
	fs.Parse(args)

	p, err := ops.RequirePolicy(*runRoot, os.Environ())
	contract := contractFor(*runRoot, invocation)
	if err != nil {
		return emit(logger, *jsonMode, envelope.FromError("rerun", contract, err))
	}
	outcome, rerunErr := ops.Rerun(context.Background(), *runRoot, p)
	contract = contractFor(*runRoot, invocation)
	if rerunErr != nil {
		return emit(logger, *jsonMode, haltEnvelopeOrError("rerun", contract, *runRoot, rerunErr))
	}
	return emit(logger, *jsonMode, envelope.OK("rerun", contract, outcome))
}

func cmdServe(args []string, invocation string, logger *slog.Logger) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	runRoot := fs.String("run-root", "", "absolute run root")
	addr := fs.String("addr", ":8089", "listen address")
	fs.Parse(args)
	return cmdServeAddr(*runRoot, *addr, logger)
}

func cmdServeAddr(runRoot, addr string, logger *slog.Logger) int {
	srv := api.NewServer(runRoot)
	logger.Info("inspect --serve listening", "addr", addr, "run_root", runRoot)
	if err := srv.Run(addr); err != nil {
		logger.Error("inspect server exited", "error", err)
		return 1
	}
	return 0
}
