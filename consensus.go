// Copyright (C) The Seqdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqdiff

import "sort"

// Consensus is the overlap report of the three backends' top-ranked
// gene lists for one contrast. It is a diagnostic: appearing in more
// sets does not make a gene more likely to be a true positive.
type Consensus struct {
	Contrast string
	TopN     int
	Backends []string            // the three backend names, input order
	Top      map[string][]string // backend -> its top-N gene IDs
	Pairwise map[[2]string][]string
	ThreeWay []string
}

// Overlap computes pairwise and three-way overlaps of the top-N gene
// identifiers (default 1000, by adjusted significance) of the three
// tables, which must describe the same contrast.
func Overlap(topN int, tables ...*ResultTable) (*Consensus, error) {
	if len(tables) < 2 {
		return nil, shapeErrorf("overlap needs at least 2 result tables, got %d", len(tables))
	}
	if topN <= 0 {
		topN = 1000
	}
	contrast := tables[0].Contrast
	for _, t := range tables[1:] {
		if t.Contrast != contrast {
			return nil, shapeErrorf("overlap across different contrasts %q and %q", contrast, t.Contrast)
		}
	}
	c := &Consensus{
		Contrast: contrast,
		TopN:     topN,
		Top:      map[string][]string{},
		Pairwise: map[[2]string][]string{},
	}
	sets := map[string]map[string]bool{}
	for _, t := range tables {
		c.Backends = append(c.Backends, t.Backend)
		top := t.TopN(topN)
		c.Top[t.Backend] = top
		set := map[string]bool{}
		for _, id := range top {
			set[id] = true
		}
		sets[t.Backend] = set
	}
	for i := 0; i < len(tables); i++ {
		for j := i + 1; j < len(tables); j++ {
			a, b := tables[i].Backend, tables[j].Backend
			c.Pairwise[[2]string{a, b}] = intersect(sets[a], c.Top[b])
		}
	}
	if len(tables) >= 3 {
		three := c.Top[tables[0].Backend]
		for _, t := range tables[1:] {
			three = intersect(sets[t.Backend], three)
		}
		c.ThreeWay = three
	}
	return c, nil
}

func intersect(set map[string]bool, ids []string) []string {
	var out []string
	for _, id := range ids {
		if set[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
