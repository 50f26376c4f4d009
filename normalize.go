// Copyright (C) The Seqdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqdiff

import (
	"flag"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
)

// geneFilter is the fixed, auditable pre-filter applied before any
// normalization: keep a gene only if at least MinSamples samples have
// count >= MinCount. The thresholds are configuration, never learned
// from the data.
type geneFilter struct {
	MinCount   int
	MinSamples int
}

func (f *geneFilter) Flags(flags *flag.FlagSet) {
	flags.IntVar(&f.MinCount, "min-count", 10, "count threshold `N` for the gene pre-filter")
	flags.IntVar(&f.MinSamples, "min-samples", 0, "keep genes with at least `K` samples >= min-count (0 means smallest group size)")
}

// Apply returns a new matrix restricted to genes passing the filter.
// The before/after gene counts are logged so over-aggressive filtering
// is visible in the run record.
func (f *geneFilter) Apply(m *CountMatrix) *CountMatrix {
	minSamples := f.MinSamples
	if minSamples <= 0 {
		minSamples = smallestGroup(m.Samples)
	}
	keep := make([]bool, m.NGenes())
	kept := 0
	for gi := 0; gi < m.NGenes(); gi++ {
		n := 0
		for si := 0; si < m.NSamples(); si++ {
			if m.Count(gi, si) >= f.MinCount {
				n++
			}
		}
		if n >= minSamples {
			keep[gi] = true
			kept++
		}
	}
	log.Infof("gene filter (count>=%d in >=%d samples): %d of %d genes retained", f.MinCount, minSamples, kept, m.NGenes())
	return m.SubsetGenes(keep)
}

func smallestGroup(samples []Sample) int {
	labels, size := groupSizes(samples, Sample.Group)
	min := len(samples)
	for _, label := range labels {
		if size[label] < min {
			min = size[label]
		}
	}
	if min < 1 {
		min = 1
	}
	return min
}

// SizeFactors returns per-sample median-of-ratios scaling factors
// ("Differential expression analysis for sequence count data", Anders
// and Huber). Genes with a zero count in any sample do not contribute.
func SizeFactors(m *CountMatrix) []float64 {
	logGeoMean := make([]float64, m.NGenes())
	usable := make([]bool, m.NGenes())
	for gi := 0; gi < m.NGenes(); gi++ {
		sum := 0.0
		ok := true
		for si := 0; si < m.NSamples(); si++ {
			n := m.Count(gi, si)
			if n == 0 {
				ok = false
				break
			}
			sum += math.Log(float64(n))
		}
		if ok {
			logGeoMean[gi] = sum / float64(m.NSamples())
			usable[gi] = true
		}
	}
	sf := make([]float64, m.NSamples())
	ratios := make([]float64, 0, m.NGenes())
	for si := 0; si < m.NSamples(); si++ {
		ratios = ratios[:0]
		for gi := 0; gi < m.NGenes(); gi++ {
			if usable[gi] {
				ratios = append(ratios, math.Log(float64(m.Count(gi, si)))-logGeoMean[gi])
			}
		}
		if len(ratios) == 0 {
			sf[si] = 1
			continue
		}
		sort.Float64s(ratios)
		sf[si] = math.Exp(median(ratios))
	}
	return sf
}

// median expects v sorted ascending.
func median(v []float64) float64 {
	n := len(v)
	if n%2 == 1 {
		return v[n/2]
	}
	return (v[n/2-1] + v[n/2]) / 2
}

// TMMFactors returns per-sample trimmed-mean-of-M-values factors
// relative to the sample whose upper quartile is closest to the mean
// upper quartile ("A scaling normalization method for differential
// expression analysis of RNA-seq data", Robinson and Oshlack). The
// factors are scaled so their log mean is zero.
func TMMFactors(m *CountMatrix) []float64 {
	ns := m.NSamples()
	f := make([]float64, ns)
	if ns == 0 {
		return f
	}
	lib := make([]float64, ns)
	for si := range lib {
		lib[si] = m.LibSize(si)
	}
	ref := tmmRefIndex(m, lib)
	for si := 0; si < ns; si++ {
		f[si] = tmmFactor(m, si, ref, lib)
	}
	// Rescale so the factors multiply to 1.
	sum := 0.0
	for _, v := range f {
		sum += math.Log(v)
	}
	geo := math.Exp(sum / float64(ns))
	for i := range f {
		f[i] /= geo
	}
	return f
}

func tmmRefIndex(m *CountMatrix, lib []float64) int {
	q := make([]float64, m.NSamples())
	mean := 0.0
	for si := range q {
		col := make([]float64, 0, m.NGenes())
		for gi := 0; gi < m.NGenes(); gi++ {
			col = append(col, float64(m.Count(gi, si))/lib[si])
		}
		sort.Float64s(col)
		q[si] = col[(len(col)*3)/4]
		mean += q[si]
	}
	mean /= float64(len(q))
	ref, best := 0, math.Inf(1)
	for si, v := range q {
		if d := math.Abs(v - mean); d < best {
			best, ref = d, si
		}
	}
	return ref
}

func tmmFactor(m *CountMatrix, alt, ref int, lib []float64) float64 {
	const (
		trimM = 0.30 // two-sided trim on log ratios
		trimA = 0.05 // two-sided trim on absolute intensity
	)
	if alt == ref {
		return 1
	}
	type ma struct{ m, a, w float64 }
	obs := make([]ma, 0, m.NGenes())
	for gi := 0; gi < m.NGenes(); gi++ {
		ya := float64(m.Count(gi, alt)) / lib[alt]
		yr := float64(m.Count(gi, ref)) / lib[ref]
		if ya <= 0 || yr <= 0 {
			continue
		}
		obs = append(obs, ma{
			m: math.Log2(ya / yr),
			a: math.Log2(ya*yr) / 2,
			w: (lib[alt]-float64(m.Count(gi, alt)))/(lib[alt]*float64(m.Count(gi, alt))) + (lib[ref]-float64(m.Count(gi, ref)))/(lib[ref]*float64(m.Count(gi, ref))),
		})
	}
	if len(obs) == 0 {
		return 1
	}
	ms := make([]float64, len(obs))
	as := make([]float64, len(obs))
	for i, o := range obs {
		ms[i] = o.m
		as[i] = o.a
	}
	rankM := rank(ms)
	rankA := rank(as)
	n := float64(len(obs))
	loM, hiM := math.Floor(n*trimM), n-math.Floor(n*trimM)-1
	loA, hiA := math.Floor(n*trimA), n-math.Floor(n*trimA)-1
	var num, den float64
	for i, o := range obs {
		if rankM[i] < loM || rankM[i] > hiM || rankA[i] < loA || rankA[i] > hiA {
			continue
		}
		if o.w > 0 {
			num += o.m / o.w
			den += 1 / o.w
		}
	}
	if den == 0 {
		return 1
	}
	return math.Pow(2, num/den)
}

// rank returns mean-of-coequals sample ranks for v.
func rank(v []float64) []float64 {
	idx := make([]int, len(v))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return v[idx[i]] < v[idx[j]] })
	r := make([]float64, len(v))
	for i := 0; i < len(idx); {
		j := i
		for j < len(idx) && v[idx[j]] == v[idx[i]] {
			j++
		}
		mean := float64(i+j-1) / 2
		for k := i; k < j; k++ {
			r[idx[k]] = mean
		}
		i = j
	}
	return r
}

// VST returns a gene×sample variance-stabilized matrix,
// log2(count/sizeFactor + 1), suitable for Euclidean methods (PCA,
// clustering). Not used by the DE backends, which own their internal
// normalization.
func VST(m *CountMatrix) [][]float64 {
	sf := SizeFactors(m)
	out := make([][]float64, m.NGenes())
	for gi := range out {
		row := make([]float64, m.NSamples())
		for si := range row {
			row[si] = math.Log2(float64(m.Count(gi, si))/sf[si] + 1)
		}
		out[gi] = row
	}
	return out
}

// LogRatios returns per-gene log2 ratios of size-factor-normalized
// counts to the gene's cross-sample geometric mean (relative log
// expression), for rank-based diagnostics.
func LogRatios(m *CountMatrix) [][]float64 {
	vst := VST(m)
	for _, row := range vst {
		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= float64(len(row))
		for si := range row {
			row[si] -= mean
		}
	}
	return vst
}

// logCPM returns log2 counts per million for one gene row given
// effective library sizes (library size × TMM factor). The 0.5 count
// and 1.0 library offsets keep zeros finite.
func logCPM(counts []int, effLib []float64) []float64 {
	out := make([]float64, len(counts))
	for i, n := range counts {
		out[i] = math.Log2((float64(n) + 0.5) / (effLib[i] + 1) * 1e6)
	}
	return out
}
