// Copyright (C) The Seqdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqdiff

import (
	"io"
	"log"
	"math"
	"runtime"
	"strconv"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// NBGLM is the negative-binomial GLM backend. Counts are modeled
// per-gene with a log-link NB GLM, library depth entering as a
// median-of-ratios size-factor offset. Gene dispersions are estimated
// by moments and shrunk toward a trend fit across genes of similar
// mean expression; the contrast coefficient is tested with a Wald
// test and p-values are BH-adjusted.
type NBGLM struct {
	// DispersionPrior is the weight of the trend in the log-space
	// shrinkage of gene dispersions, in [0,1]. Zero keeps the raw
	// gene-wise estimates.
	DispersionPrior float64
}

func (b *NBGLM) Name() string { return "nbglm" }

type nbglmModel struct {
	backend    *NBGLM
	m          *CountMatrix
	design     *Design
	sf         []float64
	dispersion []float64
	baseMean   []float64
}

func (b *NBGLM) Fit(m *CountMatrix, d *Design) (Model, error) {
	if m.NSamples() != d.NSamples() {
		return nil, shapeErrorf("count matrix has %d samples, design has %d rows", m.NSamples(), d.NSamples())
	}
	sf := SizeFactors(m)
	mdl := &nbglmModel{
		backend:  b,
		m:        m,
		design:   d,
		sf:       sf,
		baseMean: baseMeans(m, sf),
	}
	mdl.dispersion = shrinkDispersions(momentDispersions(m, sf, d), mdl.baseMean, b.DispersionPrior)
	return mdl, nil
}

// momentDispersions returns per-gene method-of-moments NB dispersion
// estimates on size-factor-normalized counts, pooled within design
// groups so the treatment effect does not inflate the variance.
func momentDispersions(m *CountMatrix, sf []float64, d *Design) []float64 {
	out := make([]float64, m.NGenes())
	for gi := range out {
		var sumDisp, sumW float64
		for j := 0; j < d.NCols(); j++ {
			var n, mean, ss float64
			for si := 0; si < m.NSamples(); si++ {
				if d.X.At(si, j) != 1 {
					continue
				}
				v := float64(m.Count(gi, si)) / sf[si]
				n++
				delta := v - mean
				mean += delta / n
				ss += delta * (v - mean)
			}
			if n < 2 || mean <= 0 {
				continue
			}
			variance := ss / (n - 1)
			sumDisp += (variance - mean) / (mean * mean) * n
			sumW += n
		}
		if sumW > 0 {
			out[gi] = sumDisp / sumW
		}
	}
	return out
}

// shrinkDispersions fits the trend a0 + a1/mean to the positive
// gene-wise estimates and pulls each gene toward it in log space.
const minDispersion = 1e-8

func shrinkDispersions(disp, mean []float64, prior float64) []float64 {
	// Least squares for alpha ~ a0 + a1*(1/mean).
	var sx, sy, sxx, sxy, n float64
	for gi, a := range disp {
		if a <= 0 || mean[gi] <= 0 {
			continue
		}
		x := 1 / mean[gi]
		sx += x
		sy += a
		sxx += x * x
		sxy += x * a
		n++
	}
	a0, a1 := 0.01, 1.0
	if n >= 2 && n*sxx-sx*sx > 0 {
		a1 = (n*sxy - sx*sy) / (n*sxx - sx*sx)
		a0 = (sy - a1*sx) / n
		if a0 < minDispersion {
			a0 = minDispersion
		}
		if a1 < 0 {
			a1 = 0
		}
	}
	trend := func(mu float64) float64 {
		if mu <= 0 {
			return a0
		}
		t := a0 + a1/mu
		if t < minDispersion {
			t = minDispersion
		}
		return t
	}
	out := make([]float64, len(disp))
	for gi, a := range disp {
		t := trend(mean[gi])
		if a <= 0 {
			out[gi] = t
			continue
		}
		out[gi] = math.Exp((1-prior)*math.Log(a) + prior*math.Log(t))
		if out[gi] < minDispersion {
			out[gi] = minDispersion
		}
	}
	return out
}

func (mdl *nbglmModel) Test(c Contrast) (*ResultTable, error) {
	cd, err := mdl.design.contrastDesign(c.Group, c.Versus)
	if err != nil {
		err.(*ConfigError).Stage = mdl.backend.Name()
		return nil, err
	}
	if err := checkResidualDF(mdl.backend.Name(), c, mdl.m.NSamples(), cd.NCols()); err != nil {
		return nil, err
	}
	ci, _ := cd.Column(c.Group)

	rows := make([]Result, mdl.m.NGenes())
	defined := make([]bool, mdl.m.NGenes())
	var todo throttle
	todo.Max = runtime.GOMAXPROCS(0)
	for gi := 0; gi < mdl.m.NGenes(); gi++ {
		gi := gi
		todo.Go(func() error {
			lfc, p := mdl.waldTest(gi, cd, ci)
			if !math.IsNaN(p) {
				rows[gi] = Result{
					GeneID:   mdl.m.Genes[gi].ID,
					GeneName: mdl.m.Genes[gi].Name,
					Chrom:    mdl.m.Genes[gi].Chrom,
					Log2FC:   lfc,
					BaseMean: mdl.baseMean[gi],
					P:        p,
				}
				defined[gi] = true
			}
			return nil
		})
	}
	if err := todo.Wait(); err != nil {
		return nil, err
	}

	var kept []Result
	dropped := 0
	for gi, ok := range defined {
		if ok {
			kept = append(kept, rows[gi])
		} else {
			dropped++
		}
	}
	table := &ResultTable{Backend: mdl.backend.Name(), Contrast: c.Name}
	return finalize(table, kept, dropped), nil
}

var nbglmLog = log.New(io.Discard, "", 0)

// glmStart returns ordinary least squares coefficients of
// log((count+0.5)/sizeFactor) on the design, used as IRLS start
// values. IRLS from the library's default start diverges for log-link
// count models.
func glmStart(m *CountMatrix, gi int, sf []float64, cd *Design) []float64 {
	n := m.NSamples()
	p := cd.NCols()
	xtx := mat.NewDense(p, p, nil)
	xtz := make([]float64, p)
	for si := 0; si < n; si++ {
		z := math.Log((float64(m.Count(gi, si)) + 0.5) / sf[si])
		for j := 0; j < p; j++ {
			xj := cd.X.At(si, j)
			if xj == 0 {
				continue
			}
			xtz[j] += xj * z
			for k := 0; k < p; k++ {
				xtx.Set(j, k, xtx.At(j, k)+xj*cd.X.At(si, k))
			}
		}
	}
	var inv mat.Dense
	if err := inv.Inverse(xtx); err != nil {
		return make([]float64, p)
	}
	start := make([]float64, p)
	for j := 0; j < p; j++ {
		for k := 0; k < p; k++ {
			start[j] += inv.At(j, k) * xtz[k]
		}
	}
	return start
}

// waldTest fits the per-gene NB GLM on the contrast design and returns
// the log2 fold-change and two-sided Wald p-value for column ci.
// Fitting failures (singular designs, non-convergence) surface as NaN
// and the caller drops the gene.
func (mdl *nbglmModel) waldTest(gi int, cd *Design, ci int) (lfc, p float64) {
	defer func() {
		if recover() != nil {
			// typically "matrix singular or near-singular with condition number +Inf"
			lfc, p = math.NaN(), math.NaN()
		}
	}()

	ns := mdl.m.NSamples()
	y := make([]statmodel.Dtype, ns)
	offset := make([]statmodel.Dtype, ns)
	for si := 0; si < ns; si++ {
		y[si] = float64(mdl.m.Count(gi, si))
		offset[si] = math.Log(mdl.sf[si])
	}
	data := [][]statmodel.Dtype{y}
	names := []string{"y"}
	for j := 0; j < cd.NCols(); j++ {
		col := make([]statmodel.Dtype, ns)
		for si := 0; si < ns; si++ {
			col[si] = cd.X.At(si, j)
		}
		data = append(data, col)
		names = append(names, "x"+strconv.Itoa(j))
	}
	data = append(data, offset)
	names = append(names, "off")
	dataset := statmodel.NewDataset(data, names)

	config := &glm.Config{
		Family:         glm.NewNegBinomFamily(mdl.dispersion[gi], glm.NewLink(glm.LogLink)),
		FitMethod:      "IRLS",
		ConcurrentIRLS: 1000,
		OffsetVar:      "off",
		Start:          glmStart(mdl.m, gi, mdl.sf, cd),
		Log:            nbglmLog,
	}
	model, err := glm.NewGLM(dataset, "y", names[1:len(names)-1], config)
	if err != nil {
		return math.NaN(), math.NaN()
	}
	result := model.Fit()
	params := result.Params()
	stderr := result.StdErr()
	if ci >= len(params) || stderr[ci] <= 0 {
		return math.NaN(), math.NaN()
	}
	z := params[ci] / stderr[ci]
	p = 2 * distuv.Normal{Mu: 0, Sigma: 1}.Survival(math.Abs(z))
	return params[ci] * math.Log2E, p
}
