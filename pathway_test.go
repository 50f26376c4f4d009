// Copyright (C) The Seqdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqdiff

import (
	"gopkg.in/check.v1"
)

type pathwaySuite struct{}

var _ = check.Suite(&pathwaySuite{})

func (s *pathwaySuite) TestFisherEnricher(c *check.C) {
	universe := make([]string, 100)
	for i := range universe {
		universe[i] = geneID(i)
	}
	// pw1 holds 8 of the 10 significant genes, pw2 is disjoint from
	// the significant set, pw3 has no member in the universe at all.
	e := &FisherEnricher{
		Universe: universe,
		Pathways: map[string][]string{
			"pw1": universe[:10],
			"pw2": universe[50:60],
			"pw3": {"XYZ1", "XYZ2"},
		},
	}
	var sig []RankedGene
	for _, id := range universe[2:12] {
		sig = append(sig, RankedGene{GeneID: id, EffectSize: 2})
	}
	out, err := e.Enrich(sig)
	c.Assert(err, check.IsNil)
	c.Assert(len(out), check.Equals, 2)
	c.Check(out[0].PathwayID, check.Equals, "pw1")
	c.Check(out[0].AdjP < 0.05, check.Equals, true)
	c.Check(out[0].Score > 1, check.Equals, true)
	c.Check(out[1].PathwayID, check.Equals, "pw2")
	c.Check(out[1].Score, check.Equals, 0.0)
	for _, en := range out {
		c.Check(en.AdjP <= 1, check.Equals, true)
	}
}

func (s *pathwaySuite) TestEnricherIgnoresGenesOutsideUniverse(c *check.C) {
	e := &FisherEnricher{
		Universe: []string{"a", "b", "c", "d"},
		Pathways: map[string][]string{"pw": {"a", "b"}},
	}
	out, err := e.Enrich([]RankedGene{{GeneID: "a"}, {GeneID: "zzz"}})
	c.Assert(err, check.IsNil)
	c.Assert(len(out), check.Equals, 1)
	// The stray gene must not inflate the significant-set size: with
	// one significant gene of four, one of two pathway members hit,
	// expected = 1*2/4 and the score is exactly 2.
	c.Check(out[0].Score, check.Equals, 2.0)
}

func (s *pathwaySuite) TestEnricherEmptySignificantSet(c *check.C) {
	e := &FisherEnricher{
		Universe: []string{"a", "b"},
		Pathways: map[string][]string{"pw": {"a"}},
	}
	out, err := e.Enrich(nil)
	c.Assert(err, check.IsNil)
	c.Assert(len(out), check.Equals, 1)
	c.Check(out[0].Score, check.Equals, 0.0)
	c.Check(out[0].AdjP, check.Equals, 1.0)
}
