// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Pagespeed rewrites stylesheets and HTML documents.
package main

import (
	"fmt"
	"os"

	"codeberg.org/readeck/pagespeed/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err) //nolint:errcheck
		os.Exit(1)
	}
}
