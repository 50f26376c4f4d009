// Copyright (C) The Seqdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"github.com/seqdiff/seqdiff"
)

func main() {
	seqdiff.Main()
}
