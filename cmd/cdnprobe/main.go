// Command cdnprobe measures download/upload throughput, latency and jitter
// against configured CDN targets.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/cdnprobe/cdnprobe/internal/config"
	"github.com/cdnprobe/cdnprobe/internal/lifecycle"
	"github.com/cdnprobe/cdnprobe/internal/persistence"
	"github.com/cdnprobe/cdnprobe/pkg/engine/rangeget"
	"github.com/cdnprobe/cdnprobe/pkg/engine/wsecho"
	"github.com/cdnprobe/cdnprobe/pkg/orchestrator"
	"github.com/cdnprobe/cdnprobe/pkg/probe"
	"github.com/cdnprobe/cdnprobe/pkg/probe/spec"
	"github.com/cdnprobe/cdnprobe/pkg/results"
)

const (
	clientName    = "cdnprobe"
	clientVersion = "v0.1.0"
)

var (
	flagEngine   = flag.String("engine", rangeget.EngineName, "Measurement engine (rangeget or wsecho)")
	flagTargets  = flag.String("targets", "targets.yaml", "Path to the candidate targets file")
	flagDuration = flag.Duration("duration", spec.PhaseDuration, "Duration of each measurement phase")
	flagServer   = flag.String("server", "", "Explicit wsecho server, bypassing the Locate API")
	flagScheme   = flag.String("scheme", "wss", "Websocket scheme for the wsecho engine (wss or ws)")
	flagNoVerify = flag.Bool("no-verify", false, "Skip TLS certificate verification")
	flagOutput   = flag.String("output", "", "Directory to archive the final result in")
	flagJSON     = flag.Bool("json", false, "Emit results as JSON lines instead of human-readable output")
	flagDebug    = flag.Bool("debug", false, "Enable debug logging")
)

func makeUserAgent() string {
	return clientName + "/" + clientVersion
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "failed to parse args from environment")

	log.SetReportTimestamp(true)
	if *flagDebug {
		log.SetReportCaller(true)
		log.SetLevel(log.DebugLevel)
	}

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	fallback := wsecho.New(*flagScheme, *flagServer, makeUserAgent(), *flagNoVerify)

	var engine probe.Engine
	switch *flagEngine {
	case rangeget.EngineName:
		cfg, err := config.Load(*flagTargets)
		rtx.Must(err, "failed to load targets config")
		candidates := cfg.CandidatesFor(rangeget.EngineName)
		if len(candidates) == 0 {
			log.Fatal("no candidates configured for engine", "engine", rangeget.EngineName)
		}
		engine = rangeget.New(candidates, fallback, makeUserAgent(), *flagNoVerify)
	case wsecho.EngineName:
		engine = fallback
	default:
		log.Fatal("unknown engine", "engine", *flagEngine)
	}

	var emitter orchestrator.Emitter = &orchestrator.HumanReadable{Debug: *flagDebug}
	if *flagJSON {
		emitter = orchestrator.JSONLines{W: os.Stdout}
	}

	lc := lifecycle.New()
	runID := uuid.NewString()
	orc := orchestrator.New(lc, runID, emitter)
	orc.SetPhaseDuration(*flagDuration)

	// Ctrl-C cancels the run: every registered handle is force-closed and
	// the orchestrator reports a cancelled terminal result.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("cancelling run", "run", runID)
		lc.Cancel()
	}()

	start := time.Now()
	result := orc.Run(context.Background(), engine)

	if *flagOutput != "" {
		archive := results.Archive(result, start, time.Now())
		path, err := persistence.WriteDataFile(*flagOutput, clientName, runID, archive)
		rtx.Must(err, "failed to write result file")
		log.Info("result archived", "path", path)
	}

	if result.Status == results.StatusError {
		os.Exit(1)
	}
}
