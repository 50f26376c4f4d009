// Copyright (C) The Seqdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqdiff

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/james-bowman/nlp"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// pcacmd exports a principal-component embedding of the
// variance-stabilized count matrix as a numpy array (samples × components),
// for external plotting.
type pcacmd struct {
	filter geneFilter
}

func (cmd *pcacmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *pcacmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	countsFile := flags.String("counts", "", "gene×sample count table `file` (tsv, optionally .gz)")
	outputFile := flags.String("o", "pca.npy", "output `file` (npy)")
	components := flags.Int("components", 4, "number of components")
	cmd.filter.Flags(flags)
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if *countsFile == "" {
		return fmt.Errorf("must provide -counts")
	}

	m, err := LoadCounts(*countsFile)
	if err != nil {
		return err
	}
	log.Infof("loaded %d genes × %d samples", m.NGenes(), m.NSamples())
	m = cmd.filter.Apply(m)

	vst := VST(m)
	data := make([]float64, 0, m.NGenes()*m.NSamples())
	for _, row := range vst {
		data = append(data, row...)
	}
	// nlp treats columns as observations, so genes are rows here.
	mtx := mat.NewDense(m.NGenes(), m.NSamples(), data)

	log.Info("fitting")
	transformer := nlp.NewPCA(*components)
	transformer.Fit(mtx)
	log.Info("transforming")
	reduced, err := transformer.Transform(mtx)
	if err != nil {
		return err
	}
	embedded := mat.DenseCopyOf(reduced.T())

	rows, cols := embedded.Dims()
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[i*cols+j] = embedded.At(i, j)
		}
	}

	f, err := os.Create(*outputFile)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{rows, cols}
	log.Infof("writing numpy: %d rows, %d cols", rows, cols)
	if err := npw.WriteFloat64(out); err != nil {
		return err
	}
	if err := bufw.Flush(); err != nil {
		return err
	}
	return f.Close()
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
