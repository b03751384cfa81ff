package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"scenefinder/config"
	"scenefinder/imageprocessor"
	"scenefinder/logging"
	"scenefinder/metrics"
	"scenefinder/pipeline"
	"scenefinder/signalhandler"
	"scenefinder/utils"
)

func main() {
	os.Exit(run())
}

func run() int {
	args := utils.ParseArguments(os.Args[1:])

	command, hasCommand := args["command"]
	if _, help := args["help"]; help || !hasCommand {
		utils.PrintUsage(os.Stderr, os.Args[0])
		if help {
			return 0
		}
		return 1
	}

	cfg, err := config.Load(args["config"], args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if err := logging.SetupLogger(logging.Options{
		Path:   cfg.Logging.Path,
		Format: cfg.Logging.Format,
		Debug:  cfg.Logging.Debug,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to setup logging: %v\n", err)
	}
	defer logging.CloseLogger()

	// Status only reads; it must not take over a work dir in use.
	if command == "status" {
		st, err := pipeline.Status(*cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		st.Print(os.Stdout)
		return 0
	}

	runtime.GOMAXPROCS(signalhandler.GetOptimalProcs())
	ctx, cancel := signalhandler.SetupHandler(context.Background())
	defer cancel()

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, cfg.Metrics.Path); err != nil {
				logging.LogError("Metrics server stopped: %v", err)
			}
		}()
		logging.LogInfo("Serving metrics on %s%s", cfg.Metrics.Addr, cfg.Metrics.Path)
	}

	orb := imageprocessor.ORBOptions{
		MaxKeypoints:    cfg.Extract.MaxKeypoints,
		MaxSide:         cfg.Extract.MaxSide,
		RatioTest:       cfg.Match.RatioTest,
		RansacThreshold: cfg.Match.RansacThreshold,
	}
	p, err := pipeline.Open(*cfg,
		pipeline.WithExtractor(imageprocessor.NewORBExtractor(orb)),
		pipeline.WithComparator(imageprocessor.Factory(orb)),
		pipeline.WithLogger(logging.Logger()),
		pipeline.WithProgress(os.Stdout),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening work dir %s: %v\n", cfg.Work.Dir, err)
		return 1
	}
	defer func() {
		if err := p.Close(); err != nil {
			logging.LogError("Closing work dir: %v", err)
		}
	}()

	start := time.Now()
	switch command {
	case "extract":
		_, err = p.Extract(ctx)
	case "match":
		_, err = p.Match(ctx)
	case "cluster":
		_, err = p.Cluster()
	case "run":
		_, err = p.Run(ctx)
	case "reset-invalid":
		_, err = p.ResetInvalid()
	}
	if err != nil {
		if pipeline.IsSetupError(err) {
			fmt.Fprintf(os.Stderr, "Setup error: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}

	fmt.Printf("Total execution time: %v\n", time.Since(start).Round(time.Millisecond))
	return 0
}
