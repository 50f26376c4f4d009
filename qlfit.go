// Copyright (C) The Seqdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqdiff

import (
	"math"
	"runtime"
	"sort"
	"strconv"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"
)

// QLNB is the quasi-likelihood negative-binomial backend. A single
// robust common dispersion is estimated for all genes, each gene gets
// a quasi-likelihood dispersion from its residual deviance, and the
// gene dispersions are squeezed toward their central value before an
// F-test on the contrast. It applies its own expression-level filter
// before fitting, so its gene universe may legitimately differ from
// the other backends'.
type QLNB struct {
	// MinAveLogCPM drops genes whose average log2 CPM is below the
	// threshold before fitting. Stricter than the raw-count
	// pre-filter on purpose.
	MinAveLogCPM float64
	// PriorDF is the prior degrees of freedom of the squeeze.
	PriorDF float64
}

func (b *QLNB) Name() string { return "qlnb" }

type qlnbModel struct {
	backend    *QLNB
	m          *CountMatrix // after the backend's own filter
	design     *Design
	sf         []float64
	common     float64 // robust common NB dispersion
	baseMean   []float64
	priorDF    float64
	priorScale float64 // set during Test from the deviance profile
}

func (b *QLNB) Fit(m *CountMatrix, d *Design) (Model, error) {
	if m.NSamples() != d.NSamples() {
		return nil, shapeErrorf("count matrix has %d samples, design has %d rows", m.NSamples(), d.NSamples())
	}
	priorDF := b.PriorDF
	if priorDF <= 0 {
		priorDF = 10
	}
	minAve := b.MinAveLogCPM
	if minAve == 0 {
		minAve = 1
	}

	lib := make([]float64, m.NSamples())
	for si := range lib {
		lib[si] = m.LibSize(si)
	}
	keep := make([]bool, m.NGenes())
	kept := 0
	for gi := 0; gi < m.NGenes(); gi++ {
		var meanCPM float64
		for si := 0; si < m.NSamples(); si++ {
			meanCPM += float64(m.Count(gi, si)) / lib[si] * 1e6
		}
		meanCPM /= float64(m.NSamples())
		if math.Log2(meanCPM+0.5) >= minAve {
			keep[gi] = true
			kept++
		}
	}
	log.Infof("qlnb expression filter (aveLogCPM>=%.3g): %d of %d genes retained", minAve, kept, m.NGenes())
	fm := m.SubsetGenes(keep)

	sf := SizeFactors(fm)
	mdl := &qlnbModel{
		backend:  b,
		m:        fm,
		design:   d,
		sf:       sf,
		baseMean: baseMeans(fm, sf),
		priorDF:  priorDF,
	}
	mdl.common = commonDispersion(fm, sf, d)
	return mdl, nil
}

// commonDispersion is the median of the positive per-gene moment
// estimates, a robust single value shared by all genes.
func commonDispersion(m *CountMatrix, sf []float64, d *Design) float64 {
	disp := momentDispersions(m, sf, d)
	var pos []float64
	for _, a := range disp {
		if a > 0 {
			pos = append(pos, a)
		}
	}
	if len(pos) == 0 {
		return minDispersion
	}
	sort.Float64s(pos)
	a := median(pos)
	if a < minDispersion {
		a = minDispersion
	}
	return a
}

type qlGeneFit struct {
	lfc     float64
	wald    float64 // squared Wald statistic at the common dispersion
	s2      float64 // quasi-likelihood dispersion (deviance / residual df)
	defined bool
}

func (mdl *qlnbModel) Test(c Contrast) (*ResultTable, error) {
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

	fits := make([]qlGeneFit, mdl.m.NGenes())
	var todo throttle
	todo.Max = runtime.GOMAXPROCS(0)
	for gi := 0; gi < mdl.m.NGenes(); gi++ {
		gi := gi
		todo.Go(func() error {
			fits[gi] = mdl.fitGene(gi, cd, ci)
			return nil
		})
	}
	if err := todo.Wait(); err != nil {
		return nil, err
	}

	// Squeeze the QL dispersions toward their central value.
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

	var rows []Result
	dropped := 0
	for gi, f := range fits {
		if !f.defined {
			dropped++
			continue
		}
		s2post := (mdl.priorDF*s2prior + resDF*f.s2) / (mdl.priorDF + resDF)
		if s2post <= 0 {
			dropped++
			continue
		}
		fstat := f.wald / s2post
		p := distuv.F{D1: 1, D2: resDF + mdl.priorDF}.Survival(fstat)
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

func (mdl *qlnbModel) fitGene(gi int, cd *Design, ci int) (fit qlGeneFit) {
	defer func() {
		if recover() != nil {
			fit = qlGeneFit{}
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
		Family:         glm.NewNegBinomFamily(mdl.common, glm.NewLink(glm.LogLink)),
		FitMethod:      "IRLS",
		ConcurrentIRLS: 1000,
		OffsetVar:      "off",
		Start:          glmStart(mdl.m, gi, mdl.sf, cd),
		Log:            nbglmLog,
	}
	model, err := glm.NewGLM(dataset, "y", names[1:len(names)-1], config)
	if err != nil {
		return qlGeneFit{}
	}
	result := model.Fit()
	params := result.Params()
	stderr := result.StdErr()
	if ci >= len(params) || stderr[ci] <= 0 {
		return qlGeneFit{}
	}
	z := params[ci] / stderr[ci]

	dev := mdl.deviance(gi, cd, params)
	resDF := float64(ns - cd.NCols())
	if resDF <= 0 || math.IsNaN(dev) {
		return qlGeneFit{}
	}
	return qlGeneFit{
		lfc:     params[ci] * math.Log2E,
		wald:    z * z,
		s2:      dev / resDF,
		defined: !math.IsNaN(z),
	}
}

// deviance is the negative-binomial residual deviance of the fit at
// the model's common dispersion.
func (mdl *qlnbModel) deviance(gi int, cd *Design, params []float64) float64 {
	a := mdl.common
	var dev float64
	for si := 0; si < mdl.m.NSamples(); si++ {
		eta := math.Log(mdl.sf[si])
		for j := 0; j < cd.NCols(); j++ {
			eta += cd.X.At(si, j) * params[j]
		}
		mu := math.Exp(eta)
		yv := float64(mdl.m.Count(gi, si))
		if yv > 0 {
			dev += yv * math.Log(yv/mu)
		}
		dev -= (yv + 1/a) * math.Log((1+a*yv)/(1+a*mu))
	}
	return 2 * dev
}
