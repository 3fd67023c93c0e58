// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// malaria trains and evaluates a classifier of parasitized vs. uninfected cell images.
//
// Hyperparameters are set with -set (see -help for the full list), or with an experiment configuration
// file given by -config. The values in -set take precedence over the configuration file. Example:
//
//	$ malaria -data=~/work/malaria -checkpoint=cnn_base -set="train_steps=5000;batch_size=64"
//	$ malaria -data=~/work/malaria -checkpoint=inception -config=inception.yaml
package main

import (
	"flag"
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/malaria/config"
	"github.com/gomlx/malaria/dataset"
	"github.com/gomlx/malaria/report"
	"github.com/gomlx/malaria/training"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/work/malaria", "Directory to cache the downloaded dataset and where checkpoints are saved.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from, relative to -data if not absolute. If left empty, no checkpoints are created.")
	flagConfig     = flag.String("config", "", "Experiment configuration file (YAML) with the name, tags, hyperparameters and tracking of the run.")
	flagEval       = flag.Bool("eval", true, "Whether to print the evaluation metrics on the train and validation datasets in the end.")
	flagReportDir  = flag.String("report", "", "Directory where to write the plots. Defaults to the checkpoint directory.")
	flagRunName    = flag.String("run_name", "", "Name of the tracked run. Defaults to the name in -config, or to model name and time.")
	flagDownload   = flag.Bool("download_only", false, "Only download the dataset and print its statistics.")
	flagProgress   = flag.Bool("progress", true, "Display a progress bar while training.")
)

func main() {
	ctx := training.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	if *flagDownload {
		if err := downloadOnly(*flagDataDir); err != nil {
			klog.Fatalf("Failed with error: %+v", err)
		}
		return
	}

	opts := training.Options{
		RunName:       *flagRunName,
		RunEval:       *flagEval,
		NoProgressBar: !*flagProgress,
	}
	if *flagReportDir != "" {
		opts.ReportDir = fsutil.MustReplaceTildeInDir(*flagReportDir)
	}
	if *flagConfig != "" {
		exp := must.M1(config.Load(*flagConfig))
		opts.ParamsSet = must.M1(exp.ApplyParams(ctx))
		if opts.RunName == "" {
			opts.RunName = exp.Name
		}
		opts.Tags = exp.Tags
	}
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	for _, p := range paramsSet {
		if !slices.Contains(opts.ParamsSet, p) {
			opts.ParamsSet = append(opts.ParamsSet, p)
		}
	}
	fmt.Println(commandline.SprintModifiedContextSettings(ctx, opts.ParamsSet))

	var result *training.Result
	var err error
	if panicErr := exceptions.TryCatch[error](func() {
		result, err = training.TrainModel(ctx, *flagDataDir, *flagCheckpoint, opts)
	}); panicErr != nil {
		err = panicErr
	}
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}

	fmt.Println(report.TitleStyle.Render("Evaluation"))
	fmt.Println(report.SprintSummary(result.ValidationReport, result.TestReport))
	fmt.Println(report.TitleStyle.Render("Confusion matrix on " + result.TestReport.Dataset))
	fmt.Println(report.SprintConfusion(result.TestReport.Confusion))
	if result.StoppedEarly {
		fmt.Printf("Stopped early at step %d, best validation loss %.4f at step %d.\n",
			result.StopStep, result.BestValidationLoss, result.BestStep)
	}
	for _, filePath := range result.ReportFiles {
		fmt.Printf("\t- %s\n", filePath)
	}
	fmt.Printf("Run id: %s\n", result.RunID)
}

// downloadOnly downloads the dataset and prints the number of images of each class.
func downloadOnly(dataDir string) error {
	dataDir, err := fsutil.ReplaceTildeInDir(dataDir)
	if err != nil {
		return err
	}
	if err = dataset.Download(dataDir); err != nil {
		return err
	}
	examples, err := dataset.Scan(dataDir)
	if err != nil {
		return err
	}
	valid, invalid := dataset.FilterValid(examples)
	counts := dataset.CountLabels(valid)
	for label, count := range counts {
		fmt.Printf("%s: %d images\n", dataset.Label(label), count)
	}
	fmt.Printf("%d invalid images skipped\n", len(invalid))
	return nil
}
