// Copyright (C) The Seqdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqdiff

import (
	"math"

	"gopkg.in/check.v1"
)

type triageSuite struct{}

var _ = check.Suite(&triageSuite{})

func (s *triageSuite) TestDeterminism(c *check.C) {
	m := randomMatrix(c, 200, 16, 3)
	params := TriageParams{Exclude: []string{"sC"}}
	d1, err1 := Triage(m, params)
	d2, err2 := Triage(m, params)
	c.Check(err1, check.IsNil)
	c.Check(err2, check.IsNil)
	c.Assert(d1, check.NotNil)
	c.Assert(d2, check.NotNil)
	c.Check(d1.Fingerprint, check.Equals, d2.Fingerprint)
	c.Check(d1.Excluded, check.DeepEquals, d2.Excluded)
	c.Check(d1.Signals, check.DeepEquals, d2.Signals)
	c.Check(d1.VarExplained, check.DeepEquals, d2.VarExplained)
}

func (s *triageSuite) TestFingerprintTracksExclusion(c *check.C) {
	m := randomMatrix(c, 200, 8, 3)
	d1, err := Triage(m, TriageParams{})
	c.Assert(err, check.IsNil)
	d2, err := Triage(m, TriageParams{Exclude: []string{"sA"}})
	c.Check(err, check.NotNil) // sA leaves F.control with 1 sample
	c.Assert(d2, check.NotNil)
	c.Check(d1.Fingerprint == d2.Fingerprint, check.Equals, false)
}

// An exclusion ID that matches no sample is a configuration error:
// folding it into the decision would change the fingerprint without
// excluding anything.
func (s *triageSuite) TestUnknownExclusionID(c *check.C) {
	m := randomMatrix(c, 100, 8, 3)
	d, err := Triage(m, TriageParams{Exclude: []string{"sC", "bogus"}})
	c.Check(d, check.IsNil)
	c.Assert(err, check.NotNil)
	cfg, ok := err.(*ConfigError)
	c.Assert(ok, check.Equals, true)
	c.Check(cfg.Stage, check.Equals, "triage")
	c.Check(cfg.Factor, check.Equals, "bogus")
}

func (s *triageSuite) TestTooFewSamples(c *check.C) {
	m := randomMatrix(c, 100, 8, 4)
	// Samples come in groups of 2 per sex×treatment cell; excluding
	// one member of a cell leaves a singleton.
	decision, err := Triage(m, TriageParams{Exclude: []string{"sA"}})
	c.Assert(decision, check.NotNil)
	c.Assert(err, check.NotNil)
	cfg, ok := err.(*ConfigError)
	c.Assert(ok, check.Equals, true)
	c.Check(cfg.Stage, check.Equals, "triage")
	c.Check(cfg.Factor, check.Equals, "F.control")
}

func (s *triageSuite) TestDegenerateVariance(c *check.C) {
	genes := make([]Gene, 20)
	counts := make([][]int, 20)
	for gi := range genes {
		genes[gi] = Gene{ID: geneID(gi)}
		counts[gi] = []int{5, 5, 5, 5, 5, 5, 5, 5}
	}
	m, err := NewCountMatrix(genes, testSamples(8), counts)
	c.Assert(err, check.IsNil)
	decision, err := Triage(m, TriageParams{})
	c.Assert(err, check.IsNil)
	c.Check(decision.Degenerate, check.Equals, true)
	for _, v := range decision.VarExplained {
		c.Check(v, check.Equals, 0.0)
	}
}

func (s *triageSuite) TestPoissonDistances(c *check.C) {
	m := randomMatrix(c, 100, 6, 5)
	d := poissonDistances(m)
	for i := range d {
		c.Check(d[i][i], check.Equals, 0.0)
		for j := range d[i] {
			c.Check(d[i][j], check.Equals, d[j][i])
			c.Check(d[i][j] >= 0, check.Equals, true)
			c.Check(math.IsNaN(d[i][j]), check.Equals, false)
		}
	}
}

func (s *triageSuite) TestClusterCut(c *check.C) {
	m := randomMatrix(c, 100, 8, 6)
	d := poissonDistances(m)
	labels := cutClusters(hclustAverage(d), 8, 3)
	seen := map[int]bool{}
	for _, l := range labels {
		seen[l] = true
	}
	c.Check(len(seen), check.Equals, 3)
}

func (s *triageSuite) TestVarianceExplainedSumsBelowOne(c *check.C) {
	m := randomMatrix(c, 300, 8, 7)
	decision, err := Triage(m, TriageParams{Components: 4})
	c.Assert(err, check.IsNil)
	sum := 0.0
	for _, v := range decision.VarExplained {
		c.Check(v >= 0 && v <= 1, check.Equals, true)
		sum += v
	}
	c.Check(sum <= 1+1e-9, check.Equals, true)
}
