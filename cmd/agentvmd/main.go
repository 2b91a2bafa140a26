// agentvmd is the host-side runner that owns the sandboxes of one pipeline
// definition, runs it to completion and exits (one pipeline per
// invocation). Unlike the teacher's aegisd, it does
// not expose a network API: every surface this repository implements
// (sandboxes, the control channel, the pipeline engine) is driven
// in-process, so the daemon's job is to host that execution loop with
// proper signal handling and run-history persistence rather than to
// front it with RPC.
//
// Build: go build -o agentvmd ./cmd/agentvmd
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/vmsandbox/core/internal/config"
	"github.com/vmsandbox/core/internal/image"
	"github.com/vmsandbox/core/internal/logstore"
	"github.com/vmsandbox/core/internal/pipeline"
	"github.com/vmsandbox/core/internal/telemetry"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	pipelinePath := flag.String("pipeline", "", "path to a pipeline definition JSON file to run")
	traceOut := flag.Bool("trace", false, "emit OTel spans as JSON lines to stdout")
	flag.Parse()

	if *pipelinePath == "" {
		log.Fatal("agentvmd: -pipeline is required (agentvmd is a single-shot pipeline runner; run it per pipeline from a supervisor for anything recurring)")
	}

	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("ensure dirs: %v", err)
	}
	cfg.ResolveGvproxyBin()

	if *traceOut {
		if _, err := telemetry.Init("agentvmd", os.Stdout); err != nil {
			log.Fatalf("telemetry init: %v", err)
		}
	} else {
		telemetry.Init("agentvmd", nil)
	}
	telemetry.InitMeter("agentvmd")

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down", sig)
		cancel()
	}()
	defer cancel()

	db, err := logstore.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open run history db: %v", err)
	}
	defer db.Close()

	imageCache := image.NewCache(cfg.ImageCacheDir, runtime.GOARCH)

	spec, err := pipeline.LoadSpecFile(*pipelinePath)
	if err != nil {
		log.Fatalf("load pipeline spec: %v", err)
	}

	p, cleanup, err := pipeline.Compile(ctx, spec, cfg, imageCache)
	if err != nil {
		log.Fatalf("compile pipeline: %v", err)
	}
	defer cleanup()

	if err := p.Instrument("agentvm.pipeline"); err != nil {
		log.Fatalf("instrument pipeline: %v", err)
	}

	log.Printf("running pipeline %q (%d stages)", p.Name, len(p.Stages))
	result, err := p.Run(ctx)
	if err != nil {
		log.Fatalf("pipeline run: %v", err)
	}

	if err := pipeline.RecordRun(db, p, result); err != nil {
		log.Printf("record run history: %v (non-fatal)", err)
	}

	if !result.Success {
		log.Printf("pipeline %q failed", p.Name)
		os.Exit(1)
	}
	log.Printf("pipeline %q succeeded: %s", p.Name, result.FinalText)
}
