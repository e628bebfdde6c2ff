// Copyright 2025 The scmodal Authors. SPDX-License-Identifier: Apache-2.0

// citeseq_train trains the cross-modality autoencoder on paired CITE-seq
// data: it reads cite_train_x.h5ad and cite_train_y.h5ad from --data_dir and
// learns to predict the Y modality (surface proteins) from the X modality
// (gene expression).
//
// Hyperparameters are set with --set, e.g.:
//
//	citeseq_train --data_dir=~/data/citeseq --log_dir=~/tmp/citeseq \
//	    --set="loss=ncorr;optimizer=adam;learning_rate=0.001;schedule_lr=true;save=true"
//
// See citeseq.CreateDefaultContext for the available hyperparameters and
// their defaults.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gomlx/ui/commandline"
	"k8s.io/klog/v2"

	"github.com/scmodal/scmodal/citeseq"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir = flag.String("data_dir", "", "Directory with the paired cite_train_x.h5ad and cite_train_y.h5ad files. Required.")
	flagLogDir  = flag.String("log_dir", "", "Directory for checkpoints and training metric points. If empty, nothing is written.")

	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity: -1 quiet, 0 progress bar, 1 per-epoch reporting.")
)

func main() {
	ctx := citeseq.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "set")
	klog.InitFlags(nil)
	flag.Parse()

	if *flagDataDir == "" {
		fmt.Fprintf(os.Stderr, "Flag --data_dir is required.\n\n")
		flag.Usage()
		os.Exit(1)
	}
	paramsSet, err := commandline.ParseContextSettings(ctx, *settings)
	if err != nil {
		klog.Fatalf("Invalid --set settings: %+v", err)
	}
	if *flagVerbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	if err = citeseq.TrainModel(ctx, *flagDataDir, *flagLogDir, *flagVerbosity, paramsSet); err != nil {
		klog.Fatalf("Training failed: %+v", err)
	}
}
