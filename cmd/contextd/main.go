package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sp103107/context-module/internal/config"
	"github.com/sp103107/context-module/internal/server"
	"github.com/sp103107/context-module/internal/service"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "boot":
		boot(os.Args[2:])
	case "snapshot":
		snapshot(os.Args[2:])
	case "load":
		load(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  contextd serve [--config <file.yaml>] [--addr <host:port>] [--runs-root <dir>]")
	fmt.Fprintln(os.Stderr, "  contextd boot [--config <file.yaml>] --objective <text>")
	fmt.Fprintln(os.Stderr, "  contextd snapshot [--config <file.yaml>] --run-id <id> [--zip]")
	fmt.Fprintln(os.Stderr, "  contextd load [--config <file.yaml>] --pack <path> [--run-id <id>]")
}

// loadConfig resolves --config if present; remaining args pass through.
func loadConfig(args []string) (*config.Config, []string) {
	cfg := config.Default()
	var rest []string
	for i := 0; i < len(args); i++ {
		if args[i] == "--config" {
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			c, err := config.Load(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "load config: %v\n", err)
				os.Exit(1)
			}
			cfg = c
			continue
		}
		rest = append(rest, args[i])
	}
	return cfg, rest
}

func newService(cfg *config.Config) *service.Service {
	svc, err := service.New(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init service: %v\n", err)
		os.Exit(1)
	}
	return svc
}

func serve(args []string) {
	cfg, rest := loadConfig(args)
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--addr":
			i++
			if i >= len(rest) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(1)
			}
			cfg.Addr = rest[i]
		case "--runs-root":
			i++
			if i >= len(rest) {
				fmt.Fprintln(os.Stderr, "--runs-root requires a value")
				os.Exit(1)
			}
			cfg.RunsRoot = rest[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", rest[i])
			os.Exit(1)
		}
	}

	svc := newService(cfg)
	srv := server.New(cfg.Addr, svc)
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		os.Exit(1)
	}
}

func boot(args []string) {
	cfg, rest := loadConfig(args)
	var objective string
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--objective":
			i++
			if i >= len(rest) {
				fmt.Fprintln(os.Stderr, "--objective requires a value")
				os.Exit(1)
			}
			objective = rest[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", rest[i])
			os.Exit(1)
		}
	}
	if objective == "" {
		usage()
		os.Exit(1)
	}

	svc := newService(cfg)
	defer func() { _ = svc.Close() }()
	res, err := svc.Boot(service.BootRequest{Objective: objective})
	if err != nil {
		fmt.Fprintf(os.Stderr, "boot: %v\n", err)
		os.Exit(1)
	}
	printJSON(map[string]any{"run_id": res.RunID})
}

func snapshot(args []string) {
	cfg, rest := loadConfig(args)
	var runID string
	var zipPack bool
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--run-id":
			i++
			if i >= len(rest) {
				fmt.Fprintln(os.Stderr, "--run-id requires a value")
				os.Exit(1)
			}
			runID = rest[i]
		case "--zip":
			zipPack = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", rest[i])
			os.Exit(1)
		}
	}
	if runID == "" {
		usage()
		os.Exit(1)
	}

	svc := newService(cfg)
	defer func() { _ = svc.Close() }()
	res, err := svc.ResumeSnapshot(service.SnapshotRequest{RunID: runID, Zip: zipPack})
	if err != nil {
		fmt.Fprintf(os.Stderr, "snapshot: %v\n", err)
		os.Exit(1)
	}
	printJSON(map[string]any{"pack_id": res.PackID, "path": res.Path})
}

func load(args []string) {
	cfg, rest := loadConfig(args)
	var packPath, runID string
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--pack":
			i++
			if i >= len(rest) {
				fmt.Fprintln(os.Stderr, "--pack requires a value")
				os.Exit(1)
			}
			packPath = rest[i]
		case "--run-id":
			i++
			if i >= len(rest) {
				fmt.Fprintln(os.Stderr, "--run-id requires a value")
				os.Exit(1)
			}
			runID = rest[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", rest[i])
			os.Exit(1)
		}
	}
	if packPath == "" {
		usage()
		os.Exit(1)
	}

	svc := newService(cfg)
	defer func() { _ = svc.Close() }()
	res, err := svc.ResumeLoad(service.LoadPackRequest{PackPath: packPath, NewRunID: runID})
	if err != nil {
		fmt.Fprintf(os.Stderr, "load: %v\n", err)
		os.Exit(1)
	}
	printJSON(map[string]any{"run_id": res.RunID})
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
