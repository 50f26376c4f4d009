// Copyright (C) The Seqdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqdiff

import (
	"math"

	"golang.org/x/exp/rand"
	"gopkg.in/check.v1"
)

type normalizeSuite struct{}

var _ = check.Suite(&normalizeSuite{})

func randomMatrix(c *check.C, ngenes, nsamples int, seed uint64) *CountMatrix {
	rng := rand.New(rand.NewSource(seed))
	genes := make([]Gene, ngenes)
	counts := make([][]int, ngenes)
	for gi := range genes {
		genes[gi] = Gene{ID: geneID(gi)}
		row := make([]int, nsamples)
		for si := range row {
			row[si] = rng.Intn(100)
		}
		counts[gi] = row
	}
	m, err := NewCountMatrix(genes, testSamples(nsamples), counts)
	c.Assert(err, check.IsNil)
	return m
}

func geneID(gi int) string {
	id := "G"
	for _, d := range []int{1000, 100, 10, 1} {
		id += string(rune('0' + (gi/d)%10))
	}
	return id
}

func retained(m *CountMatrix) map[string]bool {
	out := map[string]bool{}
	for _, g := range m.Genes {
		out[g.ID] = true
	}
	return out
}

func (s *normalizeSuite) TestFilterMonotone(c *check.C) {
	m := randomMatrix(c, 500, 8, 1)
	strict := (&geneFilter{MinCount: 10, MinSamples: 4}).Apply(m)
	looseCount := (&geneFilter{MinCount: 9, MinSamples: 4}).Apply(m)
	looseSamples := (&geneFilter{MinCount: 10, MinSamples: 3}).Apply(m)
	for id := range retained(strict) {
		c.Check(retained(looseCount)[id], check.Equals, true)
		c.Check(retained(looseSamples)[id], check.Equals, true)
	}
	c.Check(strict.NGenes() <= looseCount.NGenes(), check.Equals, true)
	c.Check(strict.NGenes() <= looseSamples.NGenes(), check.Equals, true)
}

func (s *normalizeSuite) TestSizeFactors(c *check.C) {
	genes := []Gene{{ID: "g1"}, {ID: "g2"}, {ID: "g3"}}
	m, err := NewCountMatrix(genes, testSamples(2), [][]int{
		{10, 20},
		{50, 100},
		{7, 14},
	})
	c.Assert(err, check.IsNil)
	sf := SizeFactors(m)
	c.Check(math.Abs(sf[1]/sf[0]-2) < 1e-12, check.Equals, true)
	c.Check(math.Abs(sf[0]*sf[1]-1) < 1e-12, check.Equals, true)
}

func (s *normalizeSuite) TestTMMIdenticalSamples(c *check.C) {
	genes := []Gene{{ID: "g1"}, {ID: "g2"}}
	m, err := NewCountMatrix(genes, testSamples(3), [][]int{
		{10, 10, 10},
		{90, 90, 90},
	})
	c.Assert(err, check.IsNil)
	for _, f := range TMMFactors(m) {
		c.Check(math.Abs(f-1) < 1e-12, check.Equals, true)
	}
}

func (s *normalizeSuite) TestVST(c *check.C) {
	genes := []Gene{{ID: "g1"}}
	m, err := NewCountMatrix(genes, testSamples(2), [][]int{{3, 3}})
	c.Assert(err, check.IsNil)
	vst := VST(m)
	c.Check(vst[0][0], check.Equals, 2.0)
	c.Check(vst[0][1], check.Equals, 2.0)
}

func (s *normalizeSuite) TestLogRatiosCenter(c *check.C) {
	m := randomMatrix(c, 50, 4, 2)
	lr := LogRatios(m)
	for _, row := range lr {
		mean := 0.0
		for _, v := range row {
			mean += v
		}
		c.Check(math.Abs(mean/float64(len(row))) < 1e-9, check.Equals, true)
	}
}
