// Copyright (C) The Seqdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqdiff

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// runcmd runs the whole pipeline: triage, design, the three DE
// backends per contrast, consensus, and optional pathway enrichment.
type runcmd struct{}

func (cmd *runcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *runcmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	countsFile := flags.String("counts", "", "gene×sample count table `file` (tsv, optionally .gz)")
	samplesFile := flags.String("samples", "", "sample sheet `file` (csv)")
	configFile := flags.String("config", "", "threshold configuration `file` (toml)")
	outputDir := flags.String("output-dir", ".", "output `directory`")
	excludeArg := flags.String("exclude", "", "comma-separated sample `IDs` to exclude (overrides config)")
	caseLevel := flags.String("case", "treated", "treatment-factor level considered the case")
	controlLevel := flags.String("control", "control", "treatment-factor level considered the control")
	pathwaysFile := flags.String("pathways", "", "pathway membership `file` (tsv: pathway, gene) for enrichment")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	} else if *countsFile == "" || *samplesFile == "" {
		return fmt.Errorf("must provide -counts and -samples")
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}
	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)

	config, err := LoadConfig(*configFile)
	if err != nil {
		return err
	}
	if *excludeArg != "" {
		config.Exclude = strings.Split(*excludeArg, ",")
	}

	m, err := LoadCounts(*countsFile)
	if err != nil {
		return err
	}
	sheet, err := LoadSamples(*samplesFile)
	if err != nil {
		return err
	}
	m, err = attachMetadata(m, sheet)
	if err != nil {
		return err
	}
	log.Infof("loaded %d genes × %d samples", m.NGenes(), m.NSamples())

	// Gene pre-filter comes before any normalization, so the triage
	// decision and its fingerprint are computed on the same gene set
	// the triage subcommand sees.
	gf := geneFilter{MinCount: config.MinCount, MinSamples: config.MinSamples}
	m = gf.Apply(m)

	decision, triageErr := Triage(m, TriageParams{
		Components: config.Components,
		Clusters:   config.Clusters,
		Exclude:    config.Exclude,
	})
	if decision != nil {
		if err := writeTriage(*outputDir+"/triage.tsv", decision); err != nil {
			return err
		}
	}
	if triageErr != nil {
		return triageErr
	}
	log.Infof("triage decision %s: %d samples excluded, candidates %v", decision.Fingerprint, len(decision.Excluded), decision.Candidates)

	excluded := map[string]bool{}
	for _, id := range decision.Excluded {
		excluded[id] = true
	}
	filtered := m.DropSamples(excluded)

	groupDesign, err := GroupDesign(filtered.Samples)
	if err != nil {
		return err
	}
	trtDesign, err := TreatmentDesign(filtered.Samples)
	if err != nil {
		return err
	}

	contrasts := sexStratifiedContrasts(filtered.Samples, *caseLevel, *controlLevel)
	pooled := Contrast{
		Name:   "treatment." + *caseLevel + "-vs-" + *controlLevel,
		Group:  *caseLevel,
		Versus: *controlLevel,
	}

	backends := []Backend{
		&NBGLM{DispersionPrior: config.DispersionPrior},
		&QLNB{MinAveLogCPM: config.MinAveLogCPM, PriorDF: config.QLPriorDF},
		&WLM{PriorDF: config.WLMPriorDF},
	}

	// The backends are independent given the same inputs. Each owns
	// its fitted state, so they run concurrently.
	tables := make([][]*ResultTable, len(backends))
	var todo throttle
	todo.Max = len(backends)
	for bi, backend := range backends {
		bi, backend := bi, backend
		todo.Go(func() error {
			model, err := backend.Fit(filtered, groupDesign)
			if err != nil {
				return err
			}
			for _, c := range contrasts {
				table, err := model.Test(c)
				if err != nil {
					return err
				}
				table.Decision = decision.Fingerprint
				tables[bi] = append(tables[bi], table)
			}
			// Global treatment effect: a design keyed by treatment
			// alone, not a union of per-sex results.
			tmodel, err := backend.Fit(filtered, trtDesign)
			if err != nil {
				return err
			}
			table, err := tmodel.Test(pooled)
			if err != nil {
				return err
			}
			table.Decision = decision.Fingerprint
			tables[bi] = append(tables[bi], table)
			return nil
		})
	}
	if err := todo.Wait(); err != nil {
		return err
	}

	allContrasts := append(append([]Contrast(nil), contrasts...), pooled)
	for ci, c := range allContrasts {
		var group []*ResultTable
		for bi := range backends {
			table := tables[bi][ci]
			nsig := len(table.Significant(config.SigCutoff))
			log.Infof("%s %s: %d genes, %d with adjusted p < %g, %d dropped", table.Backend, c.Name, len(table.Rows), nsig, config.SigCutoff, table.Dropped)
			if err := writeResultTable(fmt.Sprintf("%s/%s.%s.tsv", *outputDir, table.Backend, c.Name), table); err != nil {
				return err
			}
			group = append(group, table)
		}
		consensus, err := Overlap(config.TopN, group...)
		if err != nil {
			return err
		}
		if err := writeConsensus(fmt.Sprintf("%s/consensus.%s.tsv", *outputDir, c.Name), consensus); err != nil {
			return err
		}
	}

	if *pathwaysFile != "" {
		pathways, err := LoadPathways(*pathwaysFile)
		if err != nil {
			return err
		}
		universe := make([]string, filtered.NGenes())
		for gi, g := range filtered.Genes {
			universe[gi] = g.ID
		}
		enricher := &FisherEnricher{Universe: universe, Pathways: pathways}
		pooledNB := tables[0][len(allContrasts)-1]
		enrichments, err := enricher.Enrich(pooledNB.Significant(config.SigCutoff))
		if err != nil {
			return err
		}
		if err := writeEnrichment(*outputDir+"/enrichment.tsv", enrichments); err != nil {
			return err
		}
	}
	return nil
}

// sexStratifiedContrasts returns one case-vs-control contrast per sex
// level present, in sorted sex order.
func sexStratifiedContrasts(samples []Sample, caseLevel, controlLevel string) []Contrast {
	sexes, _ := groupSizes(samples, func(s Sample) string { return s.Sex })
	var out []Contrast
	for _, sex := range sexes {
		out = append(out, Contrast{
			Name:   sex + "." + caseLevel + "-vs-" + controlLevel,
			Group:  sex + "." + caseLevel,
			Versus: sex + "." + controlLevel,
		})
	}
	return out
}

func writeResultTable(path string, table *ResultTable) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "# backend=%s contrast=%s decision=%s dropped=%d\n", table.Backend, table.Contrast, table.Decision, table.Dropped)
	fmt.Fprintln(w, "gene_id\tgene_name\tchrom\tlog2_fc\tbase_mean\tpvalue\tadj_pvalue")
	for _, r := range table.Rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.6g\t%.6g\t%.6g\t%.6g\n", r.GeneID, r.GeneName, r.Chrom, r.Log2FC, r.BaseMean, r.P, r.AdjP)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

func writeTriage(path string, decision *QualityDecision) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "# decision=%s degenerate=%v\n", decision.Fingerprint, decision.Degenerate)
	for c, v := range decision.VarExplained {
		fmt.Fprintf(w, "# pc%d_var_explained=%.4f\n", c+1, v)
	}
	var metrics []string
	for name := range decision.MetricCorr {
		metrics = append(metrics, name)
	}
	sort.Strings(metrics)
	for _, name := range metrics {
		fmt.Fprintf(w, "# corr %s =", name)
		for _, r := range decision.MetricCorr[name] {
			fmt.Fprintf(w, " %.4f", r)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "# candidates=%s\n", strings.Join(decision.Candidates, ","))
	fmt.Fprintln(w, "sample_id\tpc1\tpc2\tnearest_dist\tcluster\texcluded")
	for _, s := range decision.Signals {
		pc1, pc2 := 0.0, 0.0
		if len(s.PC) > 0 {
			pc1 = s.PC[0]
		}
		if len(s.PC) > 1 {
			pc2 = s.PC[1]
		}
		fmt.Fprintf(w, "%s\t%.6g\t%.6g\t%.6g\t%d\t%v\n", s.SampleID, pc1, pc2, s.NearestDist, s.Cluster, s.Excluded)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

func writeConsensus(path string, c *Consensus) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "# contrast=%s top_n=%d\n", c.Contrast, c.TopN)
	fmt.Fprintln(w, "sets\tcount\tgenes")
	var pairs [][2]string
	for pair := range c.Pairwise {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	for _, backend := range c.Backends {
		fmt.Fprintf(w, "%s\t%d\t\n", backend, len(c.Top[backend]))
	}
	for _, pair := range pairs {
		genes := c.Pairwise[pair]
		fmt.Fprintf(w, "%s∩%s\t%d\t%s\n", pair[0], pair[1], len(genes), strings.Join(genes, ","))
	}
	fmt.Fprintf(w, "%s\t%d\t%s\n", strings.Join(c.Backends, "∩"), len(c.ThreeWay), strings.Join(c.ThreeWay, ","))
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

func writeEnrichment(path string, rows []Enrichment) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "pathway_id\tscore\tadj_pvalue")
	for _, e := range rows {
		fmt.Fprintf(w, "%s\t%.6g\t%.6g\n", e.PathwayID, e.Score, e.AdjP)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// triagecmd computes quality signals and the exclusion decision
// without running any DE model.
type triagecmd struct {
	filter geneFilter
}

func (cmd *triagecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *triagecmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	countsFile := flags.String("counts", "", "gene×sample count table `file` (tsv, optionally .gz)")
	samplesFile := flags.String("samples", "", "sample sheet `file` (csv)")
	outputFile := flags.String("o", "-", "output `file`")
	excludeArg := flags.String("exclude", "", "comma-separated sample `IDs` to exclude")
	clusters := flags.Int("clusters", 2, "number of quality clusters")
	components := flags.Int("components", 2, "number of principal components")
	cmd.filter.Flags(flags)
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if *countsFile == "" || *samplesFile == "" {
		return fmt.Errorf("must provide -counts and -samples")
	}

	m, err := LoadCounts(*countsFile)
	if err != nil {
		return err
	}
	sheet, err := LoadSamples(*samplesFile)
	if err != nil {
		return err
	}
	m, err = attachMetadata(m, sheet)
	if err != nil {
		return err
	}
	m = cmd.filter.Apply(m)

	var exclude []string
	if *excludeArg != "" {
		exclude = strings.Split(*excludeArg, ",")
	}
	decision, triageErr := Triage(m, TriageParams{
		Components: *components,
		Clusters:   *clusters,
		Exclude:    exclude,
	})
	if decision == nil {
		return triageErr
	}
	if *outputFile == "-" {
		tmp := stdout
		err = writeTriageTo(tmp, decision)
	} else {
		err = writeTriage(*outputFile, decision)
	}
	if err != nil {
		return err
	}
	return triageErr
}

func writeTriageTo(w io.Writer, decision *QualityDecision) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# decision=%s\n", decision.Fingerprint)
	fmt.Fprintln(bw, "sample_id\tpc1\tpc2\tnearest_dist\tcluster\texcluded")
	for _, s := range decision.Signals {
		pc1, pc2 := 0.0, 0.0
		if len(s.PC) > 0 {
			pc1 = s.PC[0]
		}
		if len(s.PC) > 1 {
			pc2 = s.PC[1]
		}
		fmt.Fprintf(bw, "%s\t%.6g\t%.6g\t%.6g\t%d\t%v\n", s.SampleID, pc1, pc2, s.NearestDist, s.Cluster, s.Excluded)
	}
	return bw.Flush()
}
