// Copyright (C) The Seqdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqdiff

import (
	"sort"
)

// Gene is immutable reference data, loaded once and shared by value.
type Gene struct {
	ID    string
	Name  string
	Chrom string
}

// MapStats holds aligner mapping-quality percentages for one sample.
type MapStats struct {
	PctUniqueMapped float64 `csv:"pct_unique_mapped"`
	PctMultiMapped  float64 `csv:"pct_multi_mapped"`
	PctTooShort     float64 `csv:"pct_too_short"`
}

// Sample is created once at ingestion and never mutated; excluding
// samples produces a new slice.
type Sample struct {
	ID             string `csv:"sample_id"`
	Sex            string `csv:"sex"`
	Treatment      string `csv:"treatment"`
	QualityCluster string `csv:"quality_cluster,omitempty"`
	MapStats
}

// Group returns the sex×treatment cross label, e.g. "F.treated".
func (s Sample) Group() string {
	return s.Sex + "." + s.Treatment
}

// CountMatrix is an immutable gene×sample table of raw read counts.
// Every sample has a count for every gene. Row/column removal returns
// a new matrix so the full and filtered analyses can coexist.
type CountMatrix struct {
	Genes   []Gene
	Samples []Sample
	counts  [][]int // [gene][sample]
}

// NewCountMatrix validates counts against metadata and returns an
// immutable matrix. Counts must be non-negative and complete, and the
// column order must match the sample slice.
func NewCountMatrix(genes []Gene, samples []Sample, counts [][]int) (*CountMatrix, error) {
	if len(counts) != len(genes) {
		return nil, shapeErrorf("%d genes but %d count rows", len(genes), len(counts))
	}
	seen := map[string]bool{}
	for _, smp := range samples {
		if smp.ID == "" {
			return nil, shapeErrorf("sample with empty identifier")
		}
		if seen[smp.ID] {
			return nil, shapeErrorf("duplicate sample %q", smp.ID)
		}
		seen[smp.ID] = true
	}
	for gi, row := range counts {
		if len(row) != len(samples) {
			return nil, shapeErrorf("gene %s has %d counts for %d samples", genes[gi].ID, len(row), len(samples))
		}
		for si, n := range row {
			if n < 0 {
				return nil, shapeErrorf("negative count %d for gene %s sample %s", n, genes[gi].ID, samples[si].ID)
			}
		}
	}
	return &CountMatrix{Genes: genes, Samples: samples, counts: counts}, nil
}

// NGenes returns the number of gene rows.
func (m *CountMatrix) NGenes() int { return len(m.Genes) }

// NSamples returns the number of sample columns.
func (m *CountMatrix) NSamples() int { return len(m.Samples) }

// Count returns the raw count for gene row gi and sample column si.
func (m *CountMatrix) Count(gi, si int) int { return m.counts[gi][si] }

// GeneCounts returns a copy of the count row for gene gi.
func (m *CountMatrix) GeneCounts(gi int) []int {
	return append([]int(nil), m.counts[gi]...)
}

// SampleCounts returns a copy of the count column for sample si.
func (m *CountMatrix) SampleCounts(si int) []int {
	col := make([]int, len(m.counts))
	for gi, row := range m.counts {
		col[gi] = row[si]
	}
	return col
}

// LibSize returns the total count for sample column si.
func (m *CountMatrix) LibSize(si int) float64 {
	var sum int
	for _, row := range m.counts {
		sum += row[si]
	}
	return float64(sum)
}

// SubsetGenes returns a new matrix restricted to the gene rows for
// which keep is true. The receiver is not modified.
func (m *CountMatrix) SubsetGenes(keep []bool) *CountMatrix {
	var genes []Gene
	var counts [][]int
	for gi := range m.Genes {
		if keep[gi] {
			genes = append(genes, m.Genes[gi])
			counts = append(counts, m.counts[gi])
		}
	}
	return &CountMatrix{Genes: genes, Samples: m.Samples, counts: counts}
}

// DropSamples returns a new matrix without the named samples. Unknown
// identifiers in exclude are ignored; callers that care should check
// the decision record instead.
func (m *CountMatrix) DropSamples(exclude map[string]bool) *CountMatrix {
	var keep []int
	var samples []Sample
	for si, smp := range m.Samples {
		if !exclude[smp.ID] {
			keep = append(keep, si)
			samples = append(samples, smp)
		}
	}
	counts := make([][]int, len(m.counts))
	for gi, row := range m.counts {
		newrow := make([]int, len(keep))
		for i, si := range keep {
			newrow[i] = row[si]
		}
		counts[gi] = newrow
	}
	return &CountMatrix{Genes: m.Genes, Samples: samples, counts: counts}
}

// groupSizes returns the per-group sample counts for the given factor
// key func, with group labels sorted for deterministic iteration.
func groupSizes(samples []Sample, key func(Sample) string) (labels []string, size map[string]int) {
	size = map[string]int{}
	for _, smp := range samples {
		size[key(smp)]++
	}
	for label := range size {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels, size
}
