// Copyright (C) The Seqdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqdiff

import (
	"fmt"
	"math"
	"sort"
)

// Contrast names a comparison of two design groups. Group minus
// Versus: a positive log fold-change means higher expression in Group.
type Contrast struct {
	Name   string
	Group  string
	Versus string
}

// Result is one gene row of a differential-expression table.
type Result struct {
	GeneID   string
	GeneName string
	Chrom    string
	Log2FC   float64
	BaseMean float64
	P        float64
	AdjP     float64
}

// ResultTable holds one backend's output for one contrast, sorted by
// adjusted p-value ascending, ties broken by raw p-value then gene ID.
// Dropped counts genes whose fit did not converge or produced
// undefined statistics; those rows are removed, never coerced.
type ResultTable struct {
	Backend  string
	Contrast string
	Decision string // QualityDecision fingerprint of the input matrix
	Rows     []Result
	Dropped  int
}

// Model is a fitted backend ready to test contrasts.
type Model interface {
	Test(Contrast) (*ResultTable, error)
}

// Backend is one of the three interchangeable DE models. The three are
// mutually independent given the same inputs and may run in parallel.
type Backend interface {
	Name() string
	Fit(*CountMatrix, *Design) (Model, error)
}

// Significant returns the (gene ID, log2 fold-change) pairs with
// adjusted p below cutoff, in table order. This is the boundary
// payload handed to pathway enrichment.
func (t *ResultTable) Significant(cutoff float64) []RankedGene {
	var out []RankedGene
	for _, r := range t.Rows {
		if r.AdjP < cutoff {
			out = append(out, RankedGene{GeneID: r.GeneID, EffectSize: r.Log2FC})
		}
	}
	return out
}

// TopN returns the first n gene IDs in table order.
func (t *ResultTable) TopN(n int) []string {
	if n > len(t.Rows) {
		n = len(t.Rows)
	}
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = t.Rows[i].GeneID
	}
	return ids
}

func sortResults(rows []Result) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].AdjP != rows[j].AdjP {
			return rows[i].AdjP < rows[j].AdjP
		}
		if rows[i].P != rows[j].P {
			return rows[i].P < rows[j].P
		}
		return rows[i].GeneID < rows[j].GeneID
	})
}

// bhAdjust returns Benjamini-Hochberg adjusted p-values, monotone from
// the largest p downward and clamped to 1, so adjusted >= raw always
// holds.
func bhAdjust(pvals []float64) []float64 {
	n := len(pvals)
	if n == 0 {
		return nil
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return pvals[idx[i]] < pvals[idx[j]] })
	adj := make([]float64, n)
	min := 1.0
	for i := n - 1; i >= 0; i-- {
		a := pvals[idx[i]] * float64(n) / float64(i+1)
		if a > 1 {
			a = 1
		}
		if a < min {
			min = a
		} else {
			a = min
		}
		if a < pvals[idx[i]] {
			// p*n/(i+1) can round one ulp below p when n/(i+1) is
			// near 1; clamp to keep adjusted >= raw.
			a = pvals[idx[i]]
		}
		adj[idx[i]] = a
	}
	return adj
}

// finalize drops undefined rows, BH-adjusts the survivors, and applies
// the deterministic sort. dropped already counts genes lost during
// fitting; rows with NaN statistics are added to it here.
func finalize(table *ResultTable, rows []Result, dropped int) *ResultTable {
	var kept []Result
	for _, r := range rows {
		if math.IsNaN(r.P) || math.IsInf(r.P, 0) || math.IsNaN(r.Log2FC) || math.IsInf(r.Log2FC, 0) {
			dropped++
			continue
		}
		kept = append(kept, r)
	}
	pvals := make([]float64, len(kept))
	for i, r := range kept {
		pvals[i] = r.P
	}
	adj := bhAdjust(pvals)
	for i := range kept {
		kept[i].AdjP = adj[i]
	}
	sortResults(kept)
	table.Rows = kept
	table.Dropped = dropped
	return table
}

// baseMeans returns per-gene means of size-factor-normalized counts.
func baseMeans(m *CountMatrix, sf []float64) []float64 {
	out := make([]float64, m.NGenes())
	for gi := range out {
		sum := 0.0
		for si := 0; si < m.NSamples(); si++ {
			sum += float64(m.Count(gi, si)) / sf[si]
		}
		out[gi] = sum / float64(m.NSamples())
	}
	return out
}

func checkResidualDF(backend string, c Contrast, n, p int) error {
	if n-p < 1 {
		return &ConfigError{
			Stage:  backend,
			Factor: c.Name,
			Detail: fmt.Sprintf("no residual degrees of freedom (%d samples for %d coefficients)", n, p),
		}
	}
	return nil
}
