// agentvm is the command-line front end for running one-off agent
// executions and pipeline definitions against agentvm sandboxes.
//
// Build: go build -o agentvm ./cmd/agentvm
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/vmsandbox/core/internal/config"
	"github.com/vmsandbox/core/internal/image"
	"github.com/vmsandbox/core/internal/logstore"
	"github.com/vmsandbox/core/internal/pipeline"
	"github.com/vmsandbox/core/internal/sandbox"
	"github.com/vmsandbox/core/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "exec":
		runExecCmd(os.Args[2:])
	case "pipeline":
		runPipelineCmd(os.Args[2:])
	case "version":
		fmt.Println(version.Version())
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  agentvm exec [-mode mock|local|auto] [-kernel path] "<prompt>"
  agentvm pipeline run <spec.json>
  agentvm version`)
}

func runExecCmd(args []string) {
	fs := flag.NewFlagSet("exec", flag.ExitOnError)
	mode := fs.String("mode", "auto", "sandbox mode: mock, local, or auto")
	kernel := fs.String("kernel", "", "kernel path (ModeLocal/ModeAuto)")
	memoryMB := fs.Int("memory-mb", 0, "VM memory in MB (0 = config default)")
	vcpus := fs.Int("vcpus", 0, "VM vCPU count (0 = config default)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "agentvm exec: exactly one prompt argument is required")
		os.Exit(2)
	}
	prompt := fs.Arg(0)

	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		fatalf("ensure dirs: %v", err)
	}
	cfg.ResolveGvproxyBin()

	opts := []sandbox.Option{sandbox.WithMode(sandbox.Mode(*mode))}
	if *kernel != "" {
		opts = append(opts, sandbox.WithKernelPath(*kernel))
	}
	if *memoryMB > 0 {
		opts = append(opts, sandbox.WithMemoryMB(*memoryMB))
	}
	if *vcpus > 0 {
		opts = append(opts, sandbox.WithVCPUs(*vcpus))
	}

	ctx := context.Background()
	sb, err := sandbox.New(ctx, nil, cfg, opts...)
	if err != nil {
		fatalf("build sandbox: %v", err)
	}
	defer sb.Stop()

	record, err := sandbox.ExecClaude(sb.Backend(), prompt, sandbox.ExecClaudeOpts{})
	if err != nil {
		fatalf("exec: %v", err)
	}

	fmt.Println(record.ResultText)
	if record.IsError {
		os.Exit(1)
	}
}

func runPipelineCmd(args []string) {
	if len(args) < 2 || args[0] != "run" {
		fmt.Fprintln(os.Stderr, "usage: agentvm pipeline run <spec.json>")
		os.Exit(2)
	}
	specPath := args[1]

	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		fatalf("ensure dirs: %v", err)
	}
	cfg.ResolveGvproxyBin()

	ctx := context.Background()
	imageCache := image.NewCache(cfg.ImageCacheDir, runtime.GOARCH)

	spec, err := pipeline.LoadSpecFile(specPath)
	if err != nil {
		fatalf("load pipeline spec: %v", err)
	}

	p, cleanup, err := pipeline.Compile(ctx, spec, cfg, imageCache)
	if err != nil {
		fatalf("compile pipeline: %v", err)
	}
	defer cleanup()

	p.OnChunk = func(e pipeline.ChunkEvent) {
		fmt.Printf("[%s/%s %s] %s\n", e.StageName, e.BoxName, e.Chunk.Stream, e.Chunk.Data)
	}

	result, err := p.Run(ctx)
	if err != nil {
		fatalf("pipeline run: %v", err)
	}

	db, err := logstore.Open(cfg.DBPath)
	if err == nil {
		defer db.Close()
		if err := pipeline.RecordRun(db, p, result); err != nil {
			fmt.Fprintf(os.Stderr, "record run history: %v (non-fatal)\n", err)
		}
	} else {
		fmt.Fprintf(os.Stderr, "open run history db: %v (non-fatal, history not recorded)\n", err)
	}

	fmt.Println(result.FinalText)
	if !result.Success {
		os.Exit(1)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
