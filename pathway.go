// Copyright (C) The Seqdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqdiff

import (
	"sort"

	fet "github.com/glycerine/golang-fisher-exact"
)

// RankedGene is the boundary payload handed to pathway enrichment:
// a significant gene and its effect size.
type RankedGene struct {
	GeneID     string
	EffectSize float64
}

// Enrichment is one pathway row returned by an Enricher. The core
// treats it as opaque pass-through data and does not re-validate it.
type Enrichment struct {
	PathwayID string
	Score     float64
	AdjP      float64
}

// Enricher consumes significant genes and returns enrichment results.
// External services (KEGG, Reactome, GO lookups) implement this.
type Enricher interface {
	Enrich(genes []RankedGene) ([]Enrichment, error)
}

// FisherEnricher is the in-process Enricher: a Fisher exact
// over-representation test of the significant set against each
// pathway's gene set, within a fixed gene universe.
type FisherEnricher struct {
	Universe []string            // all tested gene IDs
	Pathways map[string][]string // pathway ID -> member gene IDs
}

// Enrich scores each pathway by the two-sided Fisher exact p-value of
// the 2×2 membership table, BH-adjusts across pathways, and reports
// the fold-enrichment as the score. Pathways with no member in the
// universe are skipped.
func (e *FisherEnricher) Enrich(genes []RankedGene) ([]Enrichment, error) {
	universe := map[string]bool{}
	for _, id := range e.Universe {
		universe[id] = true
	}
	sig := map[string]bool{}
	for _, g := range genes {
		if universe[g.GeneID] {
			sig[g.GeneID] = true
		}
	}
	nUniverse := len(universe)
	nSig := len(sig)

	ids := make([]string, 0, len(e.Pathways))
	for id := range e.Pathways {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []Enrichment
	var pvals []float64
	for _, id := range ids {
		inPath := 0
		sigInPath := 0
		for _, gene := range e.Pathways[id] {
			if !universe[gene] {
				continue
			}
			inPath++
			if sig[gene] {
				sigInPath++
			}
		}
		if inPath == 0 {
			continue
		}
		n11 := sigInPath
		n12 := nSig - sigInPath
		n21 := inPath - sigInPath
		n22 := nUniverse - nSig - n21
		_, _, _, twop := fet.FisherExactTest(n11, n12, n21, n22)

		expected := float64(nSig) * float64(inPath) / float64(nUniverse)
		score := 0.0
		if expected > 0 {
			score = float64(sigInPath) / expected
		}
		out = append(out, Enrichment{PathwayID: id, Score: score, AdjP: twop})
		pvals = append(pvals, twop)
	}
	adj := bhAdjust(pvals)
	for i := range out {
		out[i].AdjP = adj[i]
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AdjP != out[j].AdjP {
			return out[i].AdjP < out[j].AdjP
		}
		return out[i].PathwayID < out[j].PathwayID
	})
	return out, nil
}
