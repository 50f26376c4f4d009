// Copyright (C) The Seqdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqdiff

import (
	"fmt"
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"gonum.org/v1/gonum/mat"
)

// TriageParams configures QualityTriage. Exclude is the explicit,
// versioned exclusion decision: triage reports candidate samples but
// never excludes on its own, so re-running with the same list is fully
// reproducible and a different curation decision is a diffable change.
type TriageParams struct {
	Components int      // principal components to record (default 2)
	Clusters   int      // quality clusters to cut from the dendrogram (default 2)
	Exclude    []string // sample IDs to exclude, supplied by the curator
}

// SampleSignal holds the per-sample quality signals used to justify a
// decision.
type SampleSignal struct {
	SampleID    string
	PC          []float64 // principal-component coordinates
	NearestDist float64   // Poisson distance to nearest other sample
	Cluster     int       // quality-cluster label
	Excluded    bool
}

// QualityDecision is the audit record for one triage run. Downstream
// tables record Fingerprint so it is always clear which decision
// produced a filtered matrix.
type QualityDecision struct {
	Signals      []SampleSignal
	VarExplained []float64            // proportion of variance per component
	MetricCorr   map[string][]float64 // mapping metric -> correlation with each PC
	Candidates   []string             // quality-exclusion candidates (advisory)
	Excluded     []string             // the explicit exclusion list, sorted
	Degenerate   bool                 // near-zero variance in all dimensions
	Fingerprint  string
}

// Triage computes quality signals for every sample and applies the
// explicit exclusion list from params. Every ID in the exclusion list
// must name a sample in m. It never mutates m. After applying the
// exclusion the smallest sex×treatment group must keep at least 2
// samples; otherwise DE cannot run and triage fails.
func Triage(m *CountMatrix, params TriageParams) (*QualityDecision, error) {
	if params.Components <= 0 {
		params.Components = 2
	}
	if params.Clusters <= 0 {
		params.Clusters = 2
	}
	known := map[string]bool{}
	for _, smp := range m.Samples {
		known[smp.ID] = true
	}
	excluded := map[string]bool{}
	for _, id := range params.Exclude {
		// A typo here would otherwise change the fingerprint without
		// excluding anything.
		if !known[id] {
			return nil, &ConfigError{Stage: "triage", Factor: id, Detail: "excluded sample is not in the count matrix"}
		}
		excluded[id] = true
	}

	vst := VST(m)
	scores, varExplained, degenerate := principalComponents(vst, params.Components)
	if degenerate {
		log.Warn("triage: near-zero variance in all dimensions; principal components are degenerate")
	}

	dist := poissonDistances(m)
	cluster := cutClusters(hclustAverage(dist), len(m.Samples), params.Clusters)

	decision := &QualityDecision{
		VarExplained: varExplained,
		MetricCorr:   map[string][]float64{},
		Degenerate:   degenerate,
	}
	for si, smp := range m.Samples {
		decision.Signals = append(decision.Signals, SampleSignal{
			SampleID:    smp.ID,
			PC:          scores[si],
			NearestDist: nearest(dist, si),
			Cluster:     cluster[si],
			Excluded:    excluded[smp.ID],
		})
	}

	for name, metric := range mappingMetrics(m.Samples) {
		corr := make([]float64, params.Components)
		for c := 0; c < params.Components; c++ {
			pc := make([]float64, len(m.Samples))
			for si := range m.Samples {
				pc[si] = scores[si][c]
			}
			r, err := stats.Pearson(pc, metric)
			if err != nil {
				r = math.NaN()
			}
			corr[c] = r
		}
		decision.MetricCorr[name] = corr
	}

	decision.Candidates = candidates(m.Samples, cluster, decision.MetricCorr, scores)

	for id := range excluded {
		decision.Excluded = append(decision.Excluded, id)
	}
	sort.Strings(decision.Excluded)
	decision.Fingerprint = fingerprint(m, decision.Excluded)

	if err := checkReplication(m.Samples, excluded); err != nil {
		return decision, err
	}
	return decision, nil
}

func checkReplication(samples []Sample, excluded map[string]bool) error {
	var kept []Sample
	for _, smp := range samples {
		if !excluded[smp.ID] {
			kept = append(kept, smp)
		}
	}
	labels, size := groupSizes(kept, Sample.Group)
	for _, label := range labels {
		if size[label] < 2 {
			return &ConfigError{Stage: "triage", Factor: label, Detail: fmt.Sprintf("only %d sample(s) left after exclusion; differential expression needs at least 2", size[label])}
		}
	}
	if len(labels) == 0 {
		return &ConfigError{Stage: "triage", Detail: "no samples left after exclusion"}
	}
	return nil
}

// principalComponents performs a PCA with samples as observations and
// genes as features. vst is gene-major, so it is transposed first.
func principalComponents(vst [][]float64, k int) (scores [][]float64, varExplained []float64, degenerate bool) {
	ngenes := len(vst)
	nsamples := 0
	if ngenes > 0 {
		nsamples = len(vst[0])
	}
	scores = make([][]float64, nsamples)
	for si := range scores {
		scores[si] = make([]float64, k)
	}
	varExplained = make([]float64, k)
	if nsamples == 0 || ngenes == 0 {
		return scores, varExplained, true
	}

	// Center each gene across samples.
	x := mat.NewDense(nsamples, ngenes, nil)
	total := 0.0
	for gi, row := range vst {
		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= float64(nsamples)
		for si, v := range row {
			d := v - mean
			x.Set(si, gi, d)
			total += d * d
		}
	}
	if total < 1e-12 {
		return scores, varExplained, true
	}

	var svd mat.SVD
	if !svd.Factorize(x, mat.SVDThin) {
		return scores, varExplained, true
	}
	sv := svd.Values(nil)
	var u mat.Dense
	svd.UTo(&u)
	for c := 0; c < k && c < len(sv); c++ {
		varExplained[c] = sv[c] * sv[c] / total
		for si := 0; si < nsamples; si++ {
			scores[si][c] = u.At(si, c) * sv[c]
		}
	}
	return scores, varExplained, false
}

// poissonDistances returns the pairwise inter-sample distance matrix
// under a Poisson-deviance metric on depth-normalized counts (after
// Witten 2011, as popularized by PoiClaClu), instead of Euclidean
// distance on raw counts.
func poissonDistances(m *CountMatrix) [][]float64 {
	ns := m.NSamples()
	lib := make([]float64, ns)
	for si := range lib {
		lib[si] = m.LibSize(si)
		if lib[si] == 0 {
			lib[si] = 1
		}
	}
	meanLib := 0.0
	for _, v := range lib {
		meanLib += v
	}
	meanLib /= float64(ns)

	d := make([][]float64, ns)
	for i := range d {
		d[i] = make([]float64, ns)
	}
	for i := 0; i < ns; i++ {
		for j := i + 1; j < ns; j++ {
			var dev float64
			for gi := 0; gi < m.NGenes(); gi++ {
				x := float64(m.Count(gi, i)) / lib[i] * meanLib
				y := float64(m.Count(gi, j)) / lib[j] * meanLib
				s := (x + y) / 2
				if s == 0 {
					continue
				}
				if x > 0 {
					dev += x * math.Log(x/s)
				}
				if y > 0 {
					dev += y * math.Log(y/s)
				}
			}
			v := math.Sqrt(2 * dev / float64(m.NGenes()))
			d[i][j], d[j][i] = v, v
		}
	}
	return d
}

func nearest(dist [][]float64, si int) float64 {
	best := math.Inf(1)
	for j, v := range dist[si] {
		if j != si && v < best {
			best = v
		}
	}
	if math.IsInf(best, 1) {
		return 0
	}
	return best
}

// hclustAverage performs average-linkage agglomerative clustering and
// returns the merge order. Each merge joins the two clusters with the
// smallest mean inter-point distance.
type merge struct {
	a, b []int // member indices of the two clusters joined
	d    float64
}

func hclustAverage(dist [][]float64) []merge {
	n := len(dist)
	clusters := make([][]int, n)
	for i := range clusters {
		clusters[i] = []int{i}
	}
	var merges []merge
	for len(clusters) > 1 {
		bi, bj, best := 0, 1, math.Inf(1)
		for i := 0; i < len(clusters); i++ {
			for j := i + 1; j < len(clusters); j++ {
				sum := 0.0
				for _, a := range clusters[i] {
					for _, b := range clusters[j] {
						sum += dist[a][b]
					}
				}
				mean := sum / float64(len(clusters[i])*len(clusters[j]))
				if mean < best {
					bi, bj, best = i, j, mean
				}
			}
		}
		merges = append(merges, merge{a: clusters[bi], b: clusters[bj], d: best})
		joined := append(append([]int(nil), clusters[bi]...), clusters[bj]...)
		clusters[bi] = joined
		clusters = append(clusters[:bj], clusters[bj+1:]...)
	}
	return merges
}

// cutClusters assigns each of n samples to one of k clusters by
// replaying all but the last k-1 merges.
func cutClusters(merges []merge, n, k int) []int {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			i = parent[i]
		}
		return i
	}
	stop := len(merges) - (k - 1)
	for mi, mg := range merges {
		if mi >= stop {
			break
		}
		ra, rb := find(mg.a[0]), find(mg.b[0])
		parent[rb] = ra
	}
	label := map[int]int{}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		r := find(i)
		if _, ok := label[r]; !ok {
			label[r] = len(label)
		}
		out[i] = label[r]
	}
	return out
}

func mappingMetrics(samples []Sample) map[string][]float64 {
	out := map[string][]float64{
		"pct_unique_mapped": make([]float64, len(samples)),
		"pct_multi_mapped":  make([]float64, len(samples)),
		"pct_too_short":     make([]float64, len(samples)),
	}
	any := false
	for si, smp := range samples {
		out["pct_unique_mapped"][si] = smp.PctUniqueMapped
		out["pct_multi_mapped"][si] = smp.PctMultiMapped
		out["pct_too_short"][si] = smp.PctTooShort
		if smp.PctUniqueMapped != 0 || smp.PctMultiMapped != 0 || smp.PctTooShort != 0 {
			any = true
		}
	}
	if !any {
		return map[string][]float64{}
	}
	return out
}

// candidates flags samples in the cluster with the worst mean unique
// mapping whose membership is not explained by sex or treatment: a
// cluster that coincides exactly with one factor level is biology, not
// a technical artifact.
func candidates(samples []Sample, cluster []int, corr map[string][]float64, scores [][]float64) []string {
	metrics := mappingMetrics(samples)
	unique, ok := metrics["pct_unique_mapped"]
	if !ok {
		return nil
	}
	nclust := 0
	for _, c := range cluster {
		if c+1 > nclust {
			nclust = c + 1
		}
	}
	if nclust < 2 {
		return nil
	}
	meanUnique := make([]float64, nclust)
	size := make([]int, nclust)
	for si, c := range cluster {
		meanUnique[c] += unique[si]
		size[c]++
	}
	worst := 0
	for c := range meanUnique {
		meanUnique[c] /= float64(size[c])
		if meanUnique[c] < meanUnique[worst] {
			worst = c
		}
	}
	if explainedByFactor(samples, cluster, worst) {
		return nil
	}
	var out []string
	for si, c := range cluster {
		if c == worst {
			out = append(out, samples[si].ID)
		}
	}
	sort.Strings(out)
	return out
}

// explainedByFactor reports whether cluster c is exactly one level of
// sex or treatment.
func explainedByFactor(samples []Sample, cluster []int, c int) bool {
	for _, key := range []func(Sample) string{
		func(s Sample) string { return s.Sex },
		func(s Sample) string { return s.Treatment },
	} {
		levels := map[string][2]int{} // level -> {in cluster, out of cluster}
		for si, smp := range samples {
			v := levels[key(smp)]
			if cluster[si] == c {
				v[0]++
			} else {
				v[1]++
			}
			levels[key(smp)] = v
		}
		for _, v := range levels {
			if v[0] > 0 && v[1] == 0 {
				return true
			}
		}
	}
	return false
}

// fingerprint hashes the matrix identifiers and the exclusion list so
// downstream tables can name the decision that produced them.
func fingerprint(m *CountMatrix, excluded []string) string {
	h, _ := blake2b.New256(nil)
	for _, g := range m.Genes {
		h.Write([]byte(g.ID))
		h.Write([]byte{0})
	}
	for _, s := range m.Samples {
		h.Write([]byte(s.ID))
		h.Write([]byte{0})
	}
	h.Write([]byte{1})
	for _, id := range excluded {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))[:16]
}
