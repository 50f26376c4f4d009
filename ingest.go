// Copyright (C) The Seqdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqdiff

import (
	"bufio"
	"io"
	"io/ioutil"
	"os"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/klauspost/pgzip"
)

// LoadCounts reads a tab-delimited gene×sample count table, gzipped
// or not. The first column is the gene identifier; optional gene_name
// and chrom columns (recognized by header name) carry annotation;
// every remaining column is a sample.
func LoadCounts(path string) (*CountMatrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var r io.Reader = bufio.NewReaderSize(f, 1<<20)
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	return readCounts(r)
}

func readCounts(r io.Reader) (*CountMatrix, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<24)
	if !scanner.Scan() {
		return nil, shapeErrorf("empty count table")
	}
	header := strings.Split(scanner.Text(), "\t")
	if len(header) < 2 {
		return nil, shapeErrorf("count table header has %d columns", len(header))
	}
	nameCol, chromCol := -1, -1
	firstSample := 1
	for i, h := range header[1:] {
		switch strings.ToLower(h) {
		case "gene_name":
			nameCol = i + 1
			firstSample = i + 2
		case "chrom":
			chromCol = i + 1
			firstSample = i + 2
		}
	}
	sampleIDs := header[firstSample:]
	if len(sampleIDs) == 0 {
		return nil, shapeErrorf("count table has no sample columns")
	}

	var genes []Gene
	var counts [][]int
	for lineno := 2; scanner.Scan(); lineno++ {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != len(header) {
			return nil, shapeErrorf("line %d has %d columns, header has %d", lineno, len(fields), len(header))
		}
		gene := Gene{ID: fields[0]}
		if nameCol >= 0 {
			gene.Name = fields[nameCol]
		}
		if chromCol >= 0 {
			gene.Chrom = fields[chromCol]
		}
		row := make([]int, len(sampleIDs))
		for i, field := range fields[firstSample:] {
			n, err := strconv.Atoi(field)
			if err != nil {
				return nil, shapeErrorf("line %d: non-integer count %q for gene %s", lineno, field, gene.ID)
			}
			row[i] = n
		}
		genes = append(genes, gene)
		counts = append(counts, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	samples := make([]Sample, len(sampleIDs))
	for i, id := range sampleIDs {
		samples[i] = Sample{ID: id}
	}
	return NewCountMatrix(genes, samples, counts)
}

// LoadSamples reads a CSV sample sheet (sample_id, sex, treatment,
// optional quality_cluster and mapping percentages).
func LoadSamples(path string) ([]Sample, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var samples []*Sample
	if err := gocsv.UnmarshalBytes(raw, &samples); err != nil {
		return nil, err
	}
	out := make([]Sample, len(samples))
	for i, smp := range samples {
		out[i] = *smp
	}
	return out, nil
}

// attachMetadata replaces the matrix's placeholder samples with the
// sheet rows, in matrix column order. Every matrix column must appear
// in the sheet exactly once.
func attachMetadata(m *CountMatrix, sheet []Sample) (*CountMatrix, error) {
	byID := map[string]Sample{}
	for _, smp := range sheet {
		if _, dup := byID[smp.ID]; dup {
			return nil, shapeErrorf("sample %q appears twice in sample sheet", smp.ID)
		}
		byID[smp.ID] = smp
	}
	samples := make([]Sample, len(m.Samples))
	for i, col := range m.Samples {
		smp, ok := byID[col.ID]
		if !ok {
			return nil, shapeErrorf("sample %q in count table but not in sample sheet", col.ID)
		}
		samples[i] = smp
	}
	return &CountMatrix{Genes: m.Genes, Samples: samples, counts: m.counts}, nil
}

// LoadPathways reads a two-column TSV of pathway ID and member gene
// ID, one membership per line.
func LoadPathways(path string) (map[string][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	out := map[string][]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 2 {
			return nil, shapeErrorf("pathway line %q: want 2 columns", line)
		}
		out[fields[0]] = append(out[fields[0]], fields[1])
	}
	return out, scanner.Err()
}
