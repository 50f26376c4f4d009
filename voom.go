// Copyright (C) The Seqdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqdiff

import (
	"math"
	"runtime"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// WLM is the empirical-Bayes weighted linear model backend on log
// counts per million. Library sizes are TMM-scaled, the mean-variance
// trend of the log-CPM values supplies observation-level precision
// weights, each gene is fitted by weighted least squares, and the
// per-gene variances are shrunk toward a global value before a
// moderated t-test on the contrast.
type WLM struct {
	// PriorDF is the prior degrees of freedom of the variance
	// squeeze.
	PriorDF float64
	// TrendBins is the number of bins of the mean-variance trend.
	TrendBins int
}

func (b *WLM) Name() string { return "wlm" }

type wlmModel struct {
	backend  *WLM
	m        *CountMatrix
	design   *Design
	logCPM   [][]float64 // [gene][sample]
	weights  [][]float64 // [gene][sample]
	baseMean []float64   // mean CPM per gene
	priorDF  float64
}

func (b *WLM) Fit(m *CountMatrix, d *Design) (Model, error) {
	if m.NSamples() != d.NSamples() {
		return nil, shapeErrorf("count matrix has %d samples, design has %d rows", m.NSamples(), d.NSamples())
	}
	priorDF := b.PriorDF
	if priorDF <= 0 {
		priorDF = 4
	}
	bins := b.TrendBins
	if bins <= 0 {
		bins = 20
	}

	tmm := TMMFactors(m)
	effLib := make([]float64, m.NSamples())
	for si := range effLib {
		effLib[si] = m.LibSize(si) * tmm[si]
	}

	ng := m.NGenes()
	logcpm := make([][]float64, ng)
	baseMean := make([]float64, ng)
	for gi := 0; gi < ng; gi++ {
		logcpm[gi] = logCPM(m.counts[gi], effLib)
		var sum float64
		for si, n := range m.counts[gi] {
			sum += float64(n) / (effLib[si] + 1) * 1e6
		}
		baseMean[gi] = sum / float64(m.NSamples())
	}

	mdl := &wlmModel{
		backend:  b,
		m:        m,
		design:   d,
		logCPM:   logcpm,
		baseMean: baseMean,
		priorDF:  priorDF,
	}
	mdl.weights = meanVarianceWeights(logcpm, d, effLib, bins)
	return mdl, nil
}

// meanVarianceWeights fits each gene by ordinary least squares on the
// design, regresses sqrt residual standard deviation on average log
// count with a binned trend, and converts the trend into inverse
// fourth-power precision weights at each observation's fitted log
// count (after Law et al., "voom: precision weights unlock linear
// model analysis tools for RNA-seq read counts").
func meanVarianceWeights(logcpm [][]float64, d *Design, effLib []float64, bins int) [][]float64 {
	ng := len(logcpm)
	ns := len(effLib)
	p := d.NCols()

	// Convert fitted log-CPM back to log-count scale using the
	// geometric mean library size.
	var logLib float64
	for _, v := range effLib {
		logLib += math.Log2(v + 1)
	}
	logLib /= float64(ns)
	toLogCount := func(lcpm float64) float64 { return lcpm + logLib - math.Log2(1e6) }

	groupMean := func(gi int) ([]float64, []float64) {
		// OLS on a group-indicator design reduces to group means.
		mean := make([]float64, p)
		n := make([]float64, p)
		for si := 0; si < ns; si++ {
			for j := 0; j < p; j++ {
				if d.X.At(si, j) == 1 {
					mean[j] += logcpm[gi][si]
					n[j]++
				}
			}
		}
		for j := range mean {
			if n[j] > 0 {
				mean[j] /= n[j]
			}
		}
		fitted := make([]float64, ns)
		for si := 0; si < ns; si++ {
			for j := 0; j < p; j++ {
				if d.X.At(si, j) == 1 {
					fitted[si] = mean[j]
				}
			}
		}
		return mean, fitted
	}

	sx := make([]float64, ng) // average log count
	sy := make([]float64, ng) // sqrt residual sd
	fittedAll := make([][]float64, ng)
	for gi := 0; gi < ng; gi++ {
		_, fitted := groupMean(gi)
		fittedAll[gi] = fitted
		var rss, meanLC float64
		for si := 0; si < ns; si++ {
			r := logcpm[gi][si] - fitted[si]
			rss += r * r
			meanLC += toLogCount(logcpm[gi][si])
		}
		df := float64(ns - p)
		if df < 1 {
			df = 1
		}
		sx[gi] = meanLC / float64(ns)
		sy[gi] = math.Sqrt(math.Sqrt(rss / df))
	}

	trend := binnedTrend(sx, sy, bins)

	w := make([][]float64, ng)
	for gi := 0; gi < ng; gi++ {
		row := make([]float64, ns)
		for si := 0; si < ns; si++ {
			sd := trend(toLogCount(fittedAll[gi][si]))
			if sd < 1e-4 {
				sd = 1e-4
			}
			row[si] = 1 / (sd * sd * sd * sd)
		}
		w[gi] = row
	}
	return w
}

// binnedTrend returns a piecewise-linear approximation of y as a
// function of x, from equal-count bins of the sorted x values.
func binnedTrend(x, y []float64, bins int) func(float64) float64 {
	n := len(x)
	if n == 0 {
		return func(float64) float64 { return 1 }
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return x[idx[i]] < x[idx[j]] })
	if bins > n {
		bins = n
	}
	bx := make([]float64, 0, bins)
	by := make([]float64, 0, bins)
	per := n / bins
	if per < 1 {
		per = 1
	}
	for lo := 0; lo < n; lo += per {
		hi := lo + per
		if hi > n {
			hi = n
		}
		var mx, my float64
		for _, i := range idx[lo:hi] {
			mx += x[i]
			my += y[i]
		}
		k := float64(hi - lo)
		bx = append(bx, mx/k)
		by = append(by, my/k)
	}
	return func(v float64) float64 {
		if v <= bx[0] {
			return by[0]
		}
		for i := 1; i < len(bx); i++ {
			if v <= bx[i] {
				t := (v - bx[i-1]) / (bx[i] - bx[i-1])
				return by[i-1] + t*(by[i]-by[i-1])
			}
		}
		return by[len(by)-1]
	}
}

type wlmGeneFit struct {
	lfc     float64
	se      float64 // unscaled standard error of the contrast
	s2      float64 // residual variance
	defined bool
}

func (mdl *wlmModel) Test(c Contrast) (*ResultTable, error) {
	cd, err := mdl.design.contrastDesign(c.Group, c.Versus)
	if err != nil {
		err.(*ConfigError).Stage = mdl.backend.Name()
		return nil, err
	}
	if err := checkResidualDF(mdl.backend.Name(), c, mdl.m.NSamples(), cd.NCols()); err != nil {
		return nil, err
	}
	ci, _ := cd.Column(c.Group)
	resDF := float64(mdl.m.NSamples() - cd.NCols())

	fits := make([]wlmGeneFit, mdl.m.NGenes())
	var todo throttle
	todo.Max = runtime.GOMAXPROCS(0)
	for gi := 0; gi < mdl.m.NGenes(); gi++ {
		gi := gi
		todo.Go(func() error {
			fits[gi] = wlsFit(mdl.logCPM[gi], mdl.weights[gi], cd, ci)
			return nil
		})
	}
	if err := todo.Wait(); err != nil {
		return nil, err
	}

	var s2s []float64
	for _, f := range fits {
		if f.defined && f.s2 > 0 {
			s2s = append(s2s, f.s2)
		}
	}
	s2prior := 1.0
	if len(s2s) > 0 {
		sort.Float64s(s2s)
		s2prior = median(s2s)
	}

	tdist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: resDF + mdl.priorDF}
	var rows []Result
	dropped := 0
	for gi, f := range fits {
		if !f.defined {
			dropped++
			continue
		}
		s2post := (mdl.priorDF*s2prior + resDF*f.s2) / (mdl.priorDF + resDF)
		t := f.lfc / (f.se * math.Sqrt(s2post))
		p := 2 * tdist.Survival(math.Abs(t))
		rows = append(rows, Result{
			GeneID:   mdl.m.Genes[gi].ID,
			GeneName: mdl.m.Genes[gi].Name,
			Chrom:    mdl.m.Genes[gi].Chrom,
			Log2FC:   f.lfc,
			BaseMean: mdl.baseMean[gi],
			P:        p,
		})
	}
	table := &ResultTable{Backend: mdl.backend.Name(), Contrast: c.Name}
	return finalize(table, rows, dropped), nil
}

// wlsFit solves the weighted least squares problem for one gene and
// returns the contrast coefficient, its unscaled standard error, and
// the weighted residual variance.
func wlsFit(y, w []float64, cd *Design, ci int) (fit wlmGeneFit) {
	defer func() {
		if recover() != nil {
			fit = wlmGeneFit{}
		}
	}()

	n := len(y)
	p := cd.NCols()
	xtwx := mat.NewDense(p, p, nil)
	xtwy := make([]float64, p)
	for si := 0; si < n; si++ {
		for j := 0; j < p; j++ {
			xj := cd.X.At(si, j)
			if xj == 0 {
				continue
			}
			xtwy[j] += w[si] * xj * y[si]
			for k := 0; k < p; k++ {
				xtwx.Set(j, k, xtwx.At(j, k)+w[si]*xj*cd.X.At(si, k))
			}
		}
	}
	var inv mat.Dense
	if err := inv.Inverse(xtwx); err != nil {
		return wlmGeneFit{}
	}
	beta := make([]float64, p)
	for j := 0; j < p; j++ {
		for k := 0; k < p; k++ {
			beta[j] += inv.At(j, k) * xtwy[k]
		}
	}
	var rss float64
	for si := 0; si < n; si++ {
		var fitted float64
		for j := 0; j < p; j++ {
			fitted += cd.X.At(si, j) * beta[j]
		}
		r := y[si] - fitted
		rss += w[si] * r * r
	}
	df := float64(n - p)
	se := math.Sqrt(inv.At(ci, ci))
	if se <= 0 || math.IsNaN(se) {
		return wlmGeneFit{}
	}
	return wlmGeneFit{
		lfc:     beta[ci],
		se:      se,
		s2:      rss / df,
		defined: true,
	}
}
