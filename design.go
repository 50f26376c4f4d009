// Copyright (C) The Seqdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqdiff

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Design is a full-rank, no-intercept encoding of the experimental
// factors: one column per group, one row per sample. Columns are in
// sorted group-label order.
type Design struct {
	X      *mat.Dense
	Cols   []string
	colIdx map[string]int
}

// GroupDesign builds the sex×treatment cross design from a
// post-exclusion sample collection. Each cross cell gets its own
// coefficient; a cell with zero replicates is a configuration error,
// never a silently dropped column.
func GroupDesign(samples []Sample) (*Design, error) {
	return buildDesign("design", samples, Sample.Group, crossLabels(samples))
}

// TreatmentDesign builds the pooled, sex-independent design keyed by
// treatment alone, for the global "any treatment effect" question.
func TreatmentDesign(samples []Sample) (*Design, error) {
	labels, _ := groupSizes(samples, func(s Sample) string { return s.Treatment })
	return buildDesign("design(treatment)", samples, func(s Sample) string { return s.Treatment }, labels)
}

// crossLabels returns every sex×treatment combination present in
// either factor, so an empty cell is detected rather than vanishing.
func crossLabels(samples []Sample) []string {
	sexes, _ := groupSizes(samples, func(s Sample) string { return s.Sex })
	treatments, _ := groupSizes(samples, func(s Sample) string { return s.Treatment })
	var labels []string
	for _, sex := range sexes {
		for _, trt := range treatments {
			labels = append(labels, sex+"."+trt)
		}
	}
	return labels
}

func buildDesign(stage string, samples []Sample, key func(Sample) string, labels []string) (*Design, error) {
	if len(samples) == 0 {
		return nil, &ConfigError{Stage: stage, Detail: "no samples"}
	}
	_, size := groupSizes(samples, key)
	for _, label := range labels {
		if size[label] == 0 {
			return nil, &ConfigError{Stage: stage, Factor: label, Detail: "group has zero replicates"}
		}
	}
	colIdx := map[string]int{}
	for i, label := range labels {
		colIdx[label] = i
	}
	x := mat.NewDense(len(samples), len(labels), nil)
	for si, smp := range samples {
		x.Set(si, colIdx[key(smp)], 1)
	}
	d := &Design{X: x, Cols: labels, colIdx: colIdx}
	if r := matrixRank(x); r < len(labels) {
		return nil, &ConfigError{Stage: stage, Detail: fmt.Sprintf("design is rank deficient (rank %d < %d columns)", r, len(labels))}
	}
	return d, nil
}

func matrixRank(x *mat.Dense) int {
	var svd mat.SVD
	if !svd.Factorize(x, mat.SVDThin) {
		return 0
	}
	sv := svd.Values(nil)
	tol := 1e-10 * sv[0]
	rank := 0
	for _, v := range sv {
		if v > tol {
			rank++
		}
	}
	return rank
}

// NSamples returns the number of design rows.
func (d *Design) NSamples() int {
	r, _ := d.X.Dims()
	return r
}

// NCols returns the number of design columns.
func (d *Design) NCols() int { return len(d.Cols) }

// Column returns the index of the named group column.
func (d *Design) Column(label string) (int, bool) {
	i, ok := d.colIdx[label]
	return i, ok
}

// GroupOf returns the group label encoded for sample row si.
func (d *Design) GroupOf(si int) string {
	for j, label := range d.Cols {
		if d.X.At(si, j) == 1 {
			return label
		}
	}
	return ""
}

// contrastDesign reparameterizes d so the difference group-versus
// becomes its own coefficient: the column for group carries the
// contrast, a union column absorbs the shared baseline of the two
// groups, and all other group columns are unchanged. A Wald test on
// the contrast column then tests group minus versus directly.
func (d *Design) contrastDesign(group, versus string) (*Design, error) {
	gi, ok := d.colIdx[group]
	if !ok {
		return nil, &ConfigError{Stage: "contrast", Factor: group, Detail: "not a design group"}
	}
	vi, ok := d.colIdx[versus]
	if !ok {
		return nil, &ConfigError{Stage: "contrast", Factor: versus, Detail: "not a design group"}
	}
	n, p := d.X.Dims()
	x := mat.NewDense(n, p, nil)
	cols := make([]string, p)
	copy(cols, d.Cols)
	cols[vi] = group + "|" + versus
	for si := 0; si < n; si++ {
		for j := 0; j < p; j++ {
			x.Set(si, j, d.X.At(si, j))
		}
		// Union column: baseline shared by both contrast groups.
		if d.X.At(si, gi) == 1 || d.X.At(si, vi) == 1 {
			x.Set(si, vi, 1)
		}
	}
	colIdx := map[string]int{}
	for i, label := range cols {
		colIdx[label] = i
	}
	return &Design{X: x, Cols: cols, colIdx: colIdx}, nil
}
