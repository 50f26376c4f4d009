// Copyright (C) The Seqdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqdiff

import "fmt"

// ConfigError aborts a run. Stage identifies the pipeline stage that
// rejected its configuration (triage, design, or a backend/contrast);
// Factor names the offending factor, group, or contrast.
type ConfigError struct {
	Stage  string
	Factor string
	Detail string
}

func (e *ConfigError) Error() string {
	if e.Factor == "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.Factor, e.Detail)
}

// InputShapeError is raised before any modeling begins, when the count
// matrix and sample metadata disagree or counts are malformed.
type InputShapeError struct {
	Detail string
}

func (e *InputShapeError) Error() string {
	return "input shape: " + e.Detail
}

func shapeErrorf(format string, args ...interface{}) error {
	return &InputShapeError{Detail: fmt.Sprintf(format, args...)}
}
