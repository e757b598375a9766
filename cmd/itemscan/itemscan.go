package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/itemscan/pkg/nn"
	"github.com/cyclopcam/itemscan/pkg/pipeline"
	"github.com/cyclopcam/itemscan/server/config"
	"github.com/cyclopcam/itemscan/server/diag"
	"github.com/cyclopcam/itemscan/server/itemdb"
	"github.com/cyclopcam/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Longest line that we'll accept in a replay file
const maxReplayLine = 16 * 1024 * 1024

func main() {
	parser := argparse.NewParser("itemscan", "Turn a stream of detector frames into a list of unique scanned items")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON configuration file. If omitted, defaults are used", Default: ""})
	replayFile := parser.String("r", "replay", &argparse.Options{Help: "Replay a detection log (one JSON frame per line, '-' for stdin)", Default: ""})
	serve := parser.Flag("s", "serve", &argparse.Options{Help: "Run the diagnostics HTTP server", Default: false})
	dbFile := parser.String("", "db", &argparse.Options{Help: "Item database file (overrides the config file)", Default: ""})
	noDB := parser.Flag("", "nodb", &argparse.Options{Help: "Do not persist emitted items", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}
	if *replayFile == "" && !*serve {
		fmt.Print(parser.Usage("Nothing to do. Specify --replay and/or --serve"))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Default()
	if *configFile != "" {
		if cfg, err = config.Load(*configFile); err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
	}
	if *dbFile != "" {
		cfg.DB.Filename = *dbFile
	}
	if *noDB {
		cfg.DB.Filename = ""
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics, err := pipeline.NewMetrics(registry)
	if err != nil {
		logger.Errorf("Failed to create metrics: %v", err)
		os.Exit(1)
	}

	p, err := pipeline.NewPipeline(logger, cfg.Config, metrics)
	if err != nil {
		logger.Errorf("Invalid pipeline configuration: %v", err)
		os.Exit(1)
	}

	var items *itemdb.ItemDB
	if cfg.DB.Filename != "" {
		items, err = itemdb.Open(logger, cfg.DB.Filename)
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		p.Items.AddListener(items)
	}

	exitCode := 0
	if *replayFile != "" {
		if err := replay(logger, p, cfg, *replayFile); err != nil {
			logger.Errorf("Replay failed: %v", err)
			exitCode = 1
		}
		logStats(logger, p)
	}

	if *serve && exitCode == 0 {
		srv := diag.NewServer(logger, *cfg, p, items, registry)
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigs
			logger.Infof("Received signal %v. Shutting down", sig)
			srv.Close()
		}()
		if err := srv.ListenAndServe(); err != nil {
			logger.Errorf("%v", err)
			exitCode = 1
		}
		logStats(logger, p)
	}

	// Flush pending writes before exiting
	if items != nil {
		items.Close()
	}
	os.Exit(exitCode)
}

// replay feeds every frame of a detection log through the pipeline
func replay(logger logs.Log, p *pipeline.Pipeline, cfg *config.Config, filename string) error {
	var input io.Reader = os.Stdin
	if filename != "-" {
		f, err := os.Open(filename)
		if err != nil {
			return err
		}
		defer f.Close()
		input = f
	}
	logger.Infof("Replaying %v", filename)

	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), maxReplayLine)
	lineNo := 0
	nBad := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := nn.Frame{}
		if err := json.Unmarshal(line, &frame); err != nil {
			if nBad == 0 {
				logger.Warnf("Skipping invalid frame on line %v: %v", lineNo, err)
			}
			nBad++
			continue
		}
		for _, e := range p.ProcessFrame(&frame) {
			logger.Infof("Item %v: %v '%v' (%v, confidence %.2f, merges %v, first %v)",
				e.Item.ID, e.Item.Category, e.Item.LabelText, e.Item.DetectorType, e.Item.Confidence, e.Item.MergeCount, e.FirstEmission)
		}
		if cfg.StaleItemAgeMs > 0 {
			p.RemoveStaleItemsAt(frame.TimestampMs, cfg.StaleItemAgeMs)
		}
	}
	if nBad != 0 {
		logger.Warnf("Skipped %v invalid frames out of %v lines", nBad, lineNo)
	}
	return scanner.Err()
}

func logStats(logger logs.Log, p *pipeline.Pipeline) {
	stats := p.Stats()
	logger.Infof("Session %v: %v frames, %v emissions, %v items, mean frame time %.3f ms",
		stats.SessionID, stats.Frames, stats.Emissions, stats.Aggregator.TotalItems, stats.MeanFrameTimeMs)
	if raw, err := json.Marshal(stats); err == nil {
		logger.Debugf("Stats: %v", string(raw))
	}
}
