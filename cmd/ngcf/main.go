package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/cnclabs/ngcf/internal/config"
	"github.com/cnclabs/ngcf/internal/engine"
	"github.com/cnclabs/ngcf/internal/report"
)

func main() {
	klog.InitFlags(nil)
	args := config.RegisterFlags(flag.CommandLine)

	flag.Usage = func() {
		fmt.Println("[NGCF]")
		fmt.Println("\tGolang implementation of Neural Graph Collaborative Filtering")
		fmt.Println()
		fmt.Println("Options Description:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Println("./ngcf -config_file ../configs/ngcf_default.json -emb_dim 64 -lr 0.001 -max_epoch 20 -batch_size 1024")
		fmt.Println("./ngcf -config_file ../configs/ngcf_default.json -tune true")
	}
	flag.Parse()
	defer klog.Flush()

	cfg, err := config.Load(args.ConfigFile)
	if err != nil {
		flag.Usage()
		klog.Fatalf("Error loading config: %+v", err)
	}
	cfg.ApplyArgs(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t, err := engine.New(cfg)
	if err != nil {
		klog.Fatalf("Error building train engine: %+v", err)
	}

	if args.TuneEnabled() {
		trials, err := t.Tune(ctx, engine.TuneTrain(t.TrialWriters()))
		if err != nil {
			klog.Fatalf("Error tuning: %+v", err)
		}
		rows := make([]report.Row, 0, len(trials))
		for _, trial := range trials {
			if trial.Err != nil {
				continue
			}
			rows = append(rows, report.Row{Label: trial.Label(), Result: trial.Result})
		}
		fmt.Println(report.Table("Tuning results (validation, best first)", rows))
		return
	}

	valid, err := t.Train(ctx)
	if err != nil {
		klog.Fatalf("Error training: %+v", err)
	}
	test, err := t.Test()
	if err != nil {
		klog.Fatalf("Error testing: %+v", err)
	}
	fmt.Println(report.Table(fmt.Sprintf("NGCF on %s (best epoch %d)", cfg.Dataset.Dataset, t.BestEpoch), []report.Row{
		{Label: "valid", Result: valid},
		{Label: "test", Result: test},
	}))
}
