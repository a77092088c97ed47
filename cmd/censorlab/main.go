// Command censorlab is the CensorLab packet-censorship engine: it reads
// packets from an NFQUEUE or a tap interface/capture file, evaluates them
// against a configured policy and per-flow script/CensorLang program, and
// enforces the resulting verdict (SPEC_FULL.md §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"censorlab.dev/censorlab/internal/censorlang"
	"censorlab.dev/censorlab/internal/config"
	"censorlab.dev/censorlab/internal/debugapi"
	cerrors "censorlab.dev/censorlab/internal/errors"
	"censorlab.dev/censorlab/internal/flow"
	"censorlab.dev/censorlab/internal/logging"
	"censorlab.dev/censorlab/internal/metrics"
	"censorlab.dev/censorlab/internal/model"
	"censorlab.dev/censorlab/internal/nft"
	"censorlab.dev/censorlab/internal/packetmodel"
	"censorlab.dev/censorlab/internal/pipeline"
	"censorlab.dev/censorlab/internal/policy"
	"censorlab.dev/censorlab/internal/script"
	"censorlab.dev/censorlab/internal/sink"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code: 0 on a clean drain, 1 on a
// configuration error discovered before the pipeline starts, 2 on a
// usage error, 130 when shutdown was triggered by SIGINT/SIGTERM, per
// SPEC_FULL.md §7.
func run(args []string) int {
	fs := flag.NewFlagSet("censorlab", flag.ContinueOnError)
	configPath := fs.String("c", "", "path to TOML config file")
	program := fs.String("p", "", "override execution.script from the config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	rest := fs.Args()
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "usage: censorlab -c <config.toml> [-p <program>] <nfq|tap> [tap-args...]")
		return 2
	}
	mode, rest := rest[0], rest[1:]

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "censorlab: -c <config.toml> is required")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "censorlab: %v\n", err)
		return 1
	}
	if *program != "" {
		cfg.Execution.Script = *program
	}

	log := newLogger(cfg)

	switch mode {
	case "nfq":
		return runNFQueue(cfg, log)
	case "tap":
		return runTap(cfg, log, rest)
	default:
		fmt.Fprintf(os.Stderr, "censorlab: unknown subcommand %q (want nfq or tap)\n", mode)
		return 2
	}
}

func newLogger(cfg *config.Config) *logging.Logger {
	level := parseLevel(cfg.Logging.Level)
	base := logging.New(os.Stderr, level)

	sc := cfg.Logging.Syslog
	if sc == nil || !sc.Enabled {
		return base
	}
	writer, err := logging.NewSyslogWriter(logging.SyslogConfig{
		Enabled:  sc.Enabled,
		Host:     sc.Host,
		Port:     sc.Port,
		Protocol: sc.Protocol,
		Tag:      sc.Tag,
		Facility: sc.Facility,
	})
	if err != nil {
		base.Warn("failed to connect to syslog collector, logging locally only", "error", err)
		return base
	}
	return logging.Tee(base, writer, level)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildCore assembles everything shared between the nfq and tap entry
// points: the model evaluator, the per-flow interpreter factory, the flow
// table, the policy engine, and the metrics collector. workers is the
// pool's worker count, used here too so the flow table's shard count
// matches the pool's routing exactly (SPEC_FULL.md §5).
func buildCore(cfg *config.Config, log *logging.Logger, workers int) (*flow.Table, *policy.Engine, *metrics.Collector, error) {
	modelPaths := make(map[string]string, len(cfg.Models))
	for name, m := range cfg.Models {
		modelPaths[name] = cfg.ModelPath(m)
	}
	evaluator, err := model.NewEvaluator(modelPaths)
	if err != nil {
		return nil, nil, nil, err
	}

	factory, err := buildInterpreterFactory(cfg, log, evaluator)
	if err != nil {
		return nil, nil, nil, err
	}

	table := flow.NewTable(workers, factory, cfg.IdleTTLDuration(), log)

	engine, err := policy.New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	return table, engine, metrics.NewCollector(), nil
}

func buildInterpreterFactory(cfg *config.Config, log *logging.Logger, evaluator *model.Evaluator) (flow.InterpreterFactory, error) {
	source, err := os.ReadFile(cfg.ScriptPath())
	if err != nil {
		return nil, cerrors.Wrapf(err, cerrors.KindProgramLoad, "failed to read execution.script %s", cfg.ScriptPath())
	}

	switch cfg.Execution.Mode {
	case config.ModeCensorLang:
		prog, err := censorlang.Parse(string(source))
		if err != nil {
			return nil, cerrors.Wrap(err, cerrors.KindProgramLoad, "failed to parse CensorLang program")
		}
		return censorlang.Factory(prog, evaluator), nil

	case config.ModePython:
		host := script.NewHost(cfg.ScriptPath(), source, script.HostOptions{
			EnableRegex: cfg.Execution.EnableRegex,
			EnableDNS:   cfg.Execution.EnableDNS,
			DNSParser:   script.ParseDNS,
			Model:       evaluator,
			Log:         log,
		})
		return host.Factory(), nil

	default:
		return nil, cerrors.Errorf(cerrors.KindConfig, "unknown execution.mode %q", cfg.Execution.Mode)
	}
}

func runNFQueue(cfg *config.Config, log *logging.Logger) int {
	if err := cfg.ValidateForSink(true, log); err != nil {
		fmt.Fprintf(os.Stderr, "censorlab: %v\n", err)
		return 1
	}

	workers := runtime.NumCPU()
	table, engine, collector, err := buildCore(cfg, log, workers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "censorlab: %v\n", err)
		return 1
	}

	oracle := flow.NewDirectionOracle(flow.ClientSet{})
	oracle.BindTable(table)

	pool := pipeline.New(pipeline.Options{
		Workers:        workers,
		Table:          table,
		Oracle:         oracle,
		Engine:         engine,
		Metrics:        collector,
		Log:            log,
		ErrorDefault:   cfg.ScriptErrorDefaultAction(),
		ErrorThreshold: cfg.ScriptErrorThreshold(),
	})

	queue, err := sink.OpenQueue(sink.QueueConfig{}, func(pkt *packetmodel.Packet) sink.Decision {
		return pool.SubmitAndWait(pkt, time.Now())
	}, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "censorlab: %v\n", err)
		return 1
	}
	defer queue.Close()
	pool.SetResets(queue)

	if err := nft.EnsureQueueRule(nft.QueueRuleConfig{}); err != nil {
		log.Warn("failed to install nftables queue rule, assuming it already exists", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	debug := maybeStartDebugAPI(cfg, table, collector, log)
	if debug != nil {
		defer debug.Close()
	}

	pool.Start(ctx)
	<-ctx.Done()
	pool.Stop()

	if ctx.Err() != nil {
		return 130
	}
	return 0
}

func runTap(cfg *config.Config, log *logging.Logger, args []string) int {
	if err := cfg.ValidateForSink(false, log); err != nil {
		fmt.Fprintf(os.Stderr, "censorlab: %v\n", err)
		return 1
	}
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: censorlab -c <config.toml> tap <iface-or-pcap> <client-ip>[,<client-ip>...]")
		return 2
	}
	target := args[0]
	clients, err := parseClientIPs(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "censorlab: %v\n", err)
		return 2
	}

	workers := runtime.NumCPU()
	table, engine, collector, err := buildCore(cfg, log, workers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "censorlab: %v\n", err)
		return 1
	}

	oracle := flow.NewDirectionOracle(clients)
	oracle.BindTable(table)

	tap, err := openTap(target, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "censorlab: %v\n", err)
		return 1
	}
	defer tap.Close()

	pool := pipeline.New(pipeline.Options{
		Workers:        workers,
		Table:          table,
		Oracle:         oracle,
		Engine:         engine,
		Resets:         tap,
		Metrics:        collector,
		Log:            log,
		ErrorDefault:   cfg.ScriptErrorDefaultAction(),
		ErrorThreshold: cfg.ScriptErrorThreshold(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	debug := maybeStartDebugAPI(cfg, table, collector, log)
	if debug != nil {
		defer debug.Close()
	}

	pool.Start(ctx)

	readLoop(ctx, tap, pool, log)

	pool.Stop()

	if ctx.Err() != nil {
		return 130
	}
	return 0
}

func readLoop(ctx context.Context, tap *sink.Tap, pool *pipeline.Pool, log *logging.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		frame, ts, err := tap.ReadFrame()
		if err != nil {
			if err != io.EOF {
				log.Warn("tap read failed, stopping capture loop", "error", err)
			}
			return
		}
		pool.Submit(frame, ts, tap.Verdict)
	}
}

func openTap(target string, log *logging.Logger) (*sink.Tap, error) {
	if info, err := os.Stat(target); err == nil && !info.IsDir() {
		return sink.NewTapFile(target, log)
	}
	return sink.NewTapInterface(target, log)
}

func parseClientIPs(raw string) (flow.ClientSet, error) {
	var prefixes []netip.Prefix
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			p, err := netip.ParsePrefix(part)
			if err != nil {
				return flow.ClientSet{}, cerrors.Wrapf(err, cerrors.KindConfig, "invalid client prefix %q", part)
			}
			prefixes = append(prefixes, p)
			continue
		}
		addr, err := netip.ParseAddr(part)
		if err != nil {
			return flow.ClientSet{}, cerrors.Wrapf(err, cerrors.KindConfig, "invalid client IP %q", part)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if len(prefixes) == 0 {
		return flow.ClientSet{}, cerrors.New(cerrors.KindConfig, "tap requires at least one client IP")
	}
	return flow.NewClientSet(prefixes), nil
}

func maybeStartDebugAPI(cfg *config.Config, table *flow.Table, collector *metrics.Collector, log *logging.Logger) *debugapi.Server {
	if cfg.API.Listen == "" {
		return nil
	}
	srv := debugapi.NewServer(debugapi.Options{
		Listen:    cfg.API.Listen,
		Table:     table,
		Collector: collector,
		Log:       log,
	})
	go func() {
		if err := srv.Serve(); err != nil {
			log.Error("debug API server stopped", "error", err)
		}
	}()
	return srv
}
