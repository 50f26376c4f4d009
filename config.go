// Copyright (C) The Seqdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqdiff

import (
	"github.com/BurntSushi/toml"
)

// Config collects the numeric thresholds of a pipeline run. Every
// value here is explicit configuration; nothing is learned from the
// data or hidden in a constant.
type Config struct {
	MinCount        int      `toml:"min_count"`        // gene pre-filter count threshold
	MinSamples      int      `toml:"min_samples"`      // gene pre-filter sample threshold (0: smallest group)
	TopN            int      `toml:"top_n"`            // consensus list length
	SigCutoff       float64  `toml:"sig_cutoff"`       // adjusted-p significance threshold
	Clusters        int      `toml:"clusters"`         // triage quality clusters
	Components      int      `toml:"components"`       // triage principal components
	DispersionPrior float64  `toml:"dispersion_prior"` // nbglm trend shrinkage weight
	QLPriorDF       float64  `toml:"ql_prior_df"`      // qlnb squeeze prior df
	WLMPriorDF      float64  `toml:"wlm_prior_df"`     // wlm squeeze prior df
	MinAveLogCPM    float64  `toml:"min_ave_log_cpm"`  // qlnb expression filter
	Exclude         []string `toml:"exclude"`          // curated sample exclusion list
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinCount:        10,
		MinSamples:      0,
		TopN:            1000,
		SigCutoff:       0.05,
		Clusters:        2,
		Components:      2,
		DispersionPrior: 0.5,
		QLPriorDF:       10,
		WLMPriorDF:      4,
		MinAveLogCPM:    1,
	}
}

// LoadConfig reads a TOML threshold file over the defaults.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return config, err
	}
	return config, nil
}
