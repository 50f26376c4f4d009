// Copyright (C) The Seqdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqdiff

import (
	"gopkg.in/check.v1"
)

type countMatrixSuite struct{}

var _ = check.Suite(&countMatrixSuite{})

func testSamples(n int) []Sample {
	sexes := []string{"F", "M"}
	treatments := []string{"control", "treated"}
	samples := make([]Sample, n)
	for i := range samples {
		samples[i] = Sample{
			ID:        "s" + string(rune('A'+i)),
			Sex:       sexes[(i/2)%2],
			Treatment: treatments[i%2],
		}
	}
	return samples
}

func (s *countMatrixSuite) TestValidation(c *check.C) {
	genes := []Gene{{ID: "g1"}, {ID: "g2"}}
	samples := testSamples(2)

	_, err := NewCountMatrix(genes, samples, [][]int{{1, 2}})
	c.Check(err, check.NotNil)
	c.Check(err, check.FitsTypeOf, &InputShapeError{})

	_, err = NewCountMatrix(genes, samples, [][]int{{1, 2}, {3, -4}})
	c.Check(err, check.ErrorMatches, `input shape: negative count.*`)

	_, err = NewCountMatrix(genes, samples, [][]int{{1, 2, 3}, {4, 5, 6}})
	c.Check(err, check.NotNil)

	dup := []Sample{{ID: "x"}, {ID: "x"}}
	_, err = NewCountMatrix(genes, dup, [][]int{{1, 2}, {3, 4}})
	c.Check(err, check.ErrorMatches, `input shape: duplicate sample "x"`)

	m, err := NewCountMatrix(genes, samples, [][]int{{1, 2}, {3, 4}})
	c.Assert(err, check.IsNil)
	c.Check(m.Count(1, 0), check.Equals, 3)
	c.Check(m.LibSize(1), check.Equals, 6.0)
}

func (s *countMatrixSuite) TestSubsetDoesNotMutate(c *check.C) {
	genes := []Gene{{ID: "g1"}, {ID: "g2"}, {ID: "g3"}}
	samples := testSamples(4)
	m, err := NewCountMatrix(genes, samples, [][]int{
		{1, 2, 3, 4},
		{5, 6, 7, 8},
		{9, 10, 11, 12},
	})
	c.Assert(err, check.IsNil)

	sub := m.SubsetGenes([]bool{true, false, true})
	c.Check(sub.NGenes(), check.Equals, 2)
	c.Check(sub.Genes[1].ID, check.Equals, "g3")
	c.Check(m.NGenes(), check.Equals, 3)

	drop := m.DropSamples(map[string]bool{"sB": true})
	c.Check(drop.NSamples(), check.Equals, 3)
	c.Check(drop.Count(0, 1), check.Equals, 3)
	c.Check(m.NSamples(), check.Equals, 4)
	c.Check(m.Count(0, 1), check.Equals, 2)
}

func (s *countMatrixSuite) TestGroupLabels(c *check.C) {
	smp := Sample{ID: "a", Sex: "F", Treatment: "treated"}
	c.Check(smp.Group(), check.Equals, "F.treated")
}
