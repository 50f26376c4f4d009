// Copyright (C) The Seqdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqdiff

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/exp/rand"
	"gopkg.in/check.v1"
)

type pipelineSuite struct{}

var _ = check.Suite(&pipelineSuite{})

// writePipelineFixtures writes a 80-gene × 16-sample count table (the
// first 10 genes carry a treatment effect), a matching sample sheet,
// and a pathway file, and returns their paths.
func writePipelineFixtures(c *check.C, tmpdir string) (countsPath, samplesPath, pathwaysPath string) {
	src := rand.NewSource(42)
	samples := make([]Sample, 16)
	for i := range samples {
		sex := "F"
		if i >= 8 {
			sex = "M"
		}
		treatment := "control"
		if i%2 == 1 {
			treatment = "treated"
		}
		samples[i] = Sample{ID: fmt.Sprintf("s%02d", i+1), Sex: sex, Treatment: treatment}
	}

	var counts bytes.Buffer
	counts.WriteString("gene_id\tgene_name\tchrom")
	for _, smp := range samples {
		counts.WriteString("\t" + smp.ID)
	}
	counts.WriteString("\n")
	for gi := 0; gi < 80; gi++ {
		fmt.Fprintf(&counts, "%s\tgene%d\tchr%d", geneID(gi), gi, gi%5+1)
		for _, smp := range samples {
			mean := 100.0
			if gi < 10 && smp.Treatment == "treated" {
				mean = 400
			}
			fmt.Fprintf(&counts, "\t%d", nbRand(src, mean, 0.05))
		}
		counts.WriteString("\n")
	}
	countsPath = tmpdir + "/counts.tsv"
	c.Assert(ioutil.WriteFile(countsPath, counts.Bytes(), 0o644), check.IsNil)

	var sheet bytes.Buffer
	sheet.WriteString("sample_id,sex,treatment,pct_unique_mapped,pct_multi_mapped,pct_too_short\n")
	for i, smp := range samples {
		fmt.Fprintf(&sheet, "%s,%s,%s,%.1f,%.1f,%.1f\n", smp.ID, smp.Sex, smp.Treatment, 85-float64(i), 5.0, 2.0)
	}
	samplesPath = tmpdir + "/samples.csv"
	c.Assert(ioutil.WriteFile(samplesPath, sheet.Bytes(), 0o644), check.IsNil)

	var pathways bytes.Buffer
	for gi := 0; gi < 10; gi++ {
		fmt.Fprintf(&pathways, "pw_effect\t%s\n", geneID(gi))
	}
	for gi := 40; gi < 50; gi++ {
		fmt.Fprintf(&pathways, "pw_null\t%s\n", geneID(gi))
	}
	pathwaysPath = tmpdir + "/pathways.tsv"
	c.Assert(ioutil.WriteFile(pathwaysPath, pathways.Bytes(), 0o644), check.IsNil)
	return
}

func (s *pipelineSuite) TestRunPipeline(c *check.C) {
	tmpdir := c.MkDir()
	countsPath, samplesPath, pathwaysPath := writePipelineFixtures(c, tmpdir)
	configPath := tmpdir + "/config.toml"
	c.Assert(ioutil.WriteFile(configPath, []byte(`
min_count = 1
top_n = 50
sig_cutoff = 0.05
exclude = ["s16"]
`), 0o644), check.IsNil)

	code := (&runcmd{}).RunCommand("seqdiff run", []string{
		"-counts", countsPath,
		"-samples", samplesPath,
		"-config", configPath,
		"-pathways", pathwaysPath,
		"-output-dir", tmpdir,
	}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)

	for _, name := range []string{
		"triage.tsv",
		"nbglm.F.treated-vs-control.tsv",
		"nbglm.M.treated-vs-control.tsv",
		"nbglm.treatment.treated-vs-control.tsv",
		"qlnb.treatment.treated-vs-control.tsv",
		"wlm.treatment.treated-vs-control.tsv",
		"consensus.F.treated-vs-control.tsv",
		"consensus.treatment.treated-vs-control.tsv",
		"enrichment.tsv",
	} {
		buf, err := ioutil.ReadFile(tmpdir + "/" + name)
		c.Assert(err, check.IsNil, check.Commentf("%s", name))
		c.Check(len(buf) > 0, check.Equals, true, check.Commentf("%s", name))
	}

	triage, err := ioutil.ReadFile(tmpdir + "/triage.tsv")
	c.Assert(err, check.IsNil)
	excludedLine := ""
	for _, line := range strings.Split(string(triage), "\n") {
		if strings.HasPrefix(line, "s16\t") {
			excludedLine = line
		}
	}
	c.Check(strings.HasSuffix(excludedLine, "\ttrue"), check.Equals, true)

	table, err := ioutil.ReadFile(tmpdir + "/nbglm.treatment.treated-vs-control.tsv")
	c.Assert(err, check.IsNil)
	lines := strings.Split(strings.TrimRight(string(table), "\n"), "\n")
	c.Check(strings.HasPrefix(lines[0], "# backend=nbglm contrast=treatment.treated-vs-control decision="), check.Equals, true)
	c.Check(lines[1], check.Equals, "gene_id\tgene_name\tchrom\tlog2_fc\tbase_mean\tpvalue\tadj_pvalue")
	// The strongest fold changes were planted in the first ten genes.
	c.Check(strings.HasPrefix(lines[2], "G000"), check.Equals, true)

	enrichment, err := ioutil.ReadFile(tmpdir + "/enrichment.tsv")
	c.Assert(err, check.IsNil)
	elines := strings.Split(string(enrichment), "\n")
	c.Assert(len(elines) >= 3, check.Equals, true)
	c.Check(strings.HasPrefix(elines[1], "pw_effect\t"), check.Equals, true)
}

func (s *pipelineSuite) TestRunRejectsBadFlags(c *check.C) {
	var stderr bytes.Buffer
	code := (&runcmd{}).RunCommand("seqdiff run", nil, bytes.NewReader(nil), &bytes.Buffer{}, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?s).*must provide -counts and -samples.*`)
}

// The run and triage subcommands must agree on the decision
// fingerprint for the same inputs and filter thresholds, so a curated
// decision is diffable across both entry points.
func (s *pipelineSuite) TestRunAndTriageFingerprintsAgree(c *check.C) {
	tmpdir := c.MkDir()
	countsPath, samplesPath, _ := writePipelineFixtures(c, tmpdir)
	outdir := tmpdir + "/run"
	c.Assert(os.Mkdir(outdir, 0o755), check.IsNil)
	code := (&runcmd{}).RunCommand("seqdiff run", []string{
		"-counts", countsPath,
		"-samples", samplesPath,
		"-output-dir", outdir,
	}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)
	triage, err := ioutil.ReadFile(outdir + "/triage.tsv")
	c.Assert(err, check.IsNil)

	var stdout bytes.Buffer
	code = (&triagecmd{}).RunCommand("seqdiff triage", []string{
		"-counts", countsPath,
		"-samples", samplesPath,
	}, bytes.NewReader(nil), &stdout, os.Stderr)
	c.Assert(code, check.Equals, 0)

	fromRun := decisionField(c, string(triage))
	fromTriage := decisionField(c, stdout.String())
	c.Check(fromRun, check.Equals, fromTriage)
}

func decisionField(c *check.C, report string) string {
	line := strings.SplitN(report, "\n", 2)[0]
	for _, field := range strings.Fields(line) {
		if strings.HasPrefix(field, "decision=") {
			return strings.TrimPrefix(field, "decision=")
		}
	}
	c.Fatalf("no decision field in %q", line)
	return ""
}

// Two triage runs over the same inputs must emit byte-identical
// reports.
func (s *pipelineSuite) TestTriageDeterminism(c *check.C) {
	tmpdir := c.MkDir()
	countsPath, samplesPath, _ := writePipelineFixtures(c, tmpdir)
	run := func() string {
		var stdout bytes.Buffer
		code := (&triagecmd{}).RunCommand("seqdiff triage", []string{
			"-counts", countsPath,
			"-samples", samplesPath,
			"-exclude", "s03",
		}, bytes.NewReader(nil), &stdout, os.Stderr)
		c.Assert(code, check.Equals, 0)
		return stdout.String()
	}
	out1, out2 := run(), run()
	if out1 != out2 {
		dmp := diffmatchpatch.New()
		c.Log(dmp.DiffPrettyText(dmp.DiffMain(out1, out2, false)))
		c.Fatal("triage output is not deterministic")
	}
}

func (s *pipelineSuite) TestPCAExport(c *check.C) {
	tmpdir := c.MkDir()
	countsPath, _, _ := writePipelineFixtures(c, tmpdir)
	npyPath := tmpdir + "/pca.npy"
	code := (&pcacmd{}).RunCommand("seqdiff pca", []string{
		"-counts", countsPath,
		"-components", "3",
		"-o", npyPath,
	}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)
	buf, err := ioutil.ReadFile(npyPath)
	c.Assert(err, check.IsNil)
	c.Check(bytes.HasPrefix(buf, []byte("\x93NUMPY")), check.Equals, true)
	c.Check(len(buf) > 128, check.Equals, true)
}
