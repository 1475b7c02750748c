package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/user/blemesh/aead"
	"github.com/user/blemesh/config"
	"github.com/user/blemesh/logger"
	"github.com/user/blemesh/report"
	"github.com/user/blemesh/sim"
)

var (
	configPath   string        // flag variable, toml config file
	nodes        int           // flag variable, number of simulated nodes
	itemsPerNode int           // flag variable, items each node publishes
	itemSize     int           // flag variable, bytes per item
	topology     string        // flag variable, line, ring, star or full
	persist      bool          // flag variable, keep stores on disk
	reportDir    string        // flag variable, where the markdown report goes
	timeout      time.Duration // flag variable, give up after this long
	logLevel     string        // flag variable, overrides log_level from the config
)

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// Run is the underlying procedure for the root command
func Run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logger.ParseLevel(logLevel)
	}
	logger.SetLevel(cfg.LogLevel)

	top, err := sim.ParseTopology(topology)
	if err != nil {
		return err
	}

	fmt.Printf("=== Mesh Simulation: %d nodes, %s ===\n", nodes, top)
	fmt.Printf("MTU %d, %d items of %d bytes per node, encrypted: %v\n\n", cfg.MTU, itemsPerNode, itemSize, len(cfg.EncryptionKey) > 0)

	s, err := sim.New(sim.Options{
		Config:       cfg,
		Nodes:        nodes,
		ItemsPerNode: itemsPerNode,
		ItemSize:     itemSize,
		Topology:     top,
		Persist:      persist,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Error("meshsim", "close: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	start := time.Now()
	runErr := s.Run(ctx)
	elapsed := time.Since(start)

	snap := s.Snapshot()
	if reportDir != "" {
		path, err := report.Write(reportDir, snap)
		if err != nil {
			return err
		}
		fmt.Printf("Report written to %s\n\n", path)
	} else {
		fmt.Println(report.Generate(snap))
	}

	if stats, err := s.Stats(); err != nil {
		logger.Warn("meshsim", "%v", err)
	} else {
		fields := make(map[string]interface{}, len(stats))
		for name, v := range stats {
			fields[name] = v
		}
		if st, err := structpb.NewStruct(fields); err == nil {
			logger.DebugJSON("meshsim", "counters", st)
		}
	}

	fmt.Printf("Status: ")
	if runErr != nil {
		fmt.Println("❌ FAIL")
		return runErr
	}
	fmt.Printf("✅ PASS (%s)\n", elapsed.Round(time.Millisecond))
	return nil
}

func newKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Args:  cobra.NoArgs,
		Short: "Print a random encryption_key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := aead.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Println(hex.EncodeToString(key))
			return nil
		},
	}
}

func main() {
	c := &cobra.Command{
		Use:   "meshsim",
		Args:  cobra.NoArgs,
		Short: "Run mesh nodes over a simulated radio",
		Long: `Starts a number of mesh nodes on a simulated BLE radio, connects them in
the chosen topology and lets every node publish items until every node holds
every item.

Settings not given as flags come from the --config file, if any. A markdown
report is printed, or written to --report-dir.`,
		SilenceUsage: true,
		RunE:         Run,
	}

	c.Flags().StringVar(&configPath, "config", "", "toml config file")
	c.Flags().IntVar(&nodes, "nodes", 3, "number of nodes")
	c.Flags().IntVar(&itemsPerNode, "items", 2, "items published by each node")
	c.Flags().IntVar(&itemSize, "size", 32*1024, "bytes per item")
	c.Flags().StringVar(&topology, "topology", string(sim.TopologyLine), "line, ring, star or full")
	c.Flags().BoolVar(&persist, "persist", false, "keep node stores under the data dir")
	c.Flags().StringVar(&reportDir, "report-dir", "", "write the report here instead of printing it")
	c.Flags().DurationVar(&timeout, "timeout", time.Minute, "give up after this long")
	c.Flags().StringVar(&logLevel, "log-level", "", "ERROR, WARN, INFO, DEBUG or TRACE")
	c.AddCommand(newKeyCommand())

	if err := c.Execute(); err != nil {
		os.Exit(1)
	}
}
