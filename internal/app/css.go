// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/cristalhq/acmd"
	"github.com/dustin/go-humanize"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/schollz/progressbar/v3"
	"github.com/xlab/treeprint"
	"golang.org/x/term"

	"codeberg.org/readeck/pagespeed/internal/httpclient"
	"codeberg.org/readeck/pagespeed/internal/metrics"
	"codeberg.org/readeck/pagespeed/internal/rewrite"
	"codeberg.org/readeck/pagespeed/internal/rewrite/cssfilter"
	"codeberg.org/readeck/pagespeed/pkg/css/stylesheet"
)

func init() {
	commands = append(commands, acmd.Command{
		Name:        "css",
		Description: "Rewrite stylesheet files",
		ExecFunc:    runCSS,
	})
}

// cssOptions are the settings of the css command.
type cssOptions struct {
	baseURL   *url.URL
	outputDir string
	diff      bool
	outline   bool
	progress  io.Writer
}

// cssSummary counts the rewritten files.
type cssSummary struct {
	files     int
	rewritten int
	original  uint64
	result    uint64
}

func (s *cssSummary) String() string {
	saved := uint64(0)
	if s.original > s.result {
		saved = s.original - s.result
	}
	pct := 0.0
	if s.original > 0 {
		pct = float64(saved) * 100 / float64(s.original)
	}
	return fmt.Sprintf("%d/%d %s rewritten, %s → %s, saved %s (%.1f%%)",
		s.rewritten, s.files, pluralize(s.files, "file", "files"),
		humanize.Bytes(s.original), humanize.Bytes(s.result),
		humanize.Bytes(saved), pct,
	)
}

func pluralize(n int, one, other string) string {
	if n == 1 {
		return one
	}
	return other
}

func runCSS(ctx context.Context, args []string) error {
	var baseURL string
	var domains stringsFlag
	var filters stringsFlag
	o := cssOptions{}

	var flags appFlags
	fs := flags.Flags()
	// nolint: errcheck
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: css [arguments...] FILE...")
		fmt.Fprintln(fs.Output(), "  FILE")
		fmt.Fprintln(fs.Output(), "    \tstylesheet files")
		fs.PrintDefaults()
	}
	fs.StringVar(&baseURL, "url", "http://localhost/", "URL the stylesheets are served from")
	fs.StringVar(&o.outputDir, "o", "", "output directory")
	fs.BoolVar(&o.diff, "diff", false, "print a unified diff of every change")
	fs.BoolVar(&o.outline, "outline", false, "print the outline of every rewritten stylesheet")
	fs.Var(&domains, "domain", "authorized domain (repeatable)")
	fs.Var(&filters, "filter", "enable a filter (repeatable)")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}

	files := fs.Args()
	if len(files) == 0 {
		return errors.New("at least one file is required")
	}
	if len(files) > 1 && o.outputDir == "" && !o.diff && !o.outline {
		return errors.New("-o is required with more than one file")
	}

	var err error
	if o.baseURL, err = url.Parse(baseURL); err != nil || !o.baseURL.IsAbs() {
		return fmt.Errorf("invalid base URL %q", baseURL)
	}

	cfg, err := appPreRun(&flags)
	if err != nil {
		return err
	}
	cfg.Rewrite.Domains = append(cfg.Rewrite.Domains, domains...)
	cfg.Rewrite.Filters = append(cfg.Rewrite.Filters, filters...)

	rw, release, err := newRewriteServer(ctx, cfg, metrics.New(false), true)
	if err != nil {
		return err
	}
	defer release()

	if len(files) > 1 && term.IsTerminal(int(os.Stderr.Fd())) {
		o.progress = os.Stderr
	}

	summary, err := rewriteStylesheets(ctx, rw, files, o, os.Stdout)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s%s%s\n", colorGreen, summary, colorReset) //nolint:errcheck
	return nil
}

// rewriteStylesheets rewrites every file. Results go to the output
// directory, or to out when there is none.
func rewriteStylesheets(ctx context.Context, rw *rewrite.Server, files []string, o cssOptions, out io.Writer) (*cssSummary, error) {
	f := cssfilter.New()
	summary := &cssSummary{}

	var bar *progressbar.ProgressBar
	if o.progress != nil {
		bar = progressbar.NewOptions(len(files),
			progressbar.OptionSetWriter(o.progress),
			progressbar.OptionSetDescription("rewriting"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish() //nolint:errcheck
	}

	if o.outputDir != "" {
		if err := os.MkdirAll(o.outputDir, 0o755); err != nil {
			return nil, err
		}
	}

	// Every input file is known to the HTTP cache, so they can import
	// each other without being served.
	sources := make([][]byte, len(files))
	urls := make([]string, len(files))
	for i, name := range files {
		contents, err := os.ReadFile(name)
		if err != nil {
			return nil, err
		}
		sources[i] = contents
		urls[i] = o.baseURL.ResolveReference(&url.URL{Path: filepath.ToSlash(filepath.Base(name))}).String()
		httpclient.AddToCache(rw.Loader().Client(), urls[i], http.Header{
			"Content-Type": {"text/css"},
		}, contents)
	}

	for i, name := range files {
		contents, cssURL := sources[i], urls[i]
		d, err := rw.NewDriver(cssURL, rewrite.WithDeadline(0))
		if err != nil {
			return nil, err
		}
		res, err := f.RewriteStylesheet(ctx, d, cssURL, contents)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		summary.files++
		summary.original += uint64(len(contents))
		summary.result += uint64(len(res.CSS))
		if res.Optimizable {
			summary.rewritten++
		}

		if o.diff {
			if err = writeDiff(out, name, contents, res.CSS); err != nil {
				return nil, err
			}
		}
		if o.outline {
			if err = writeOutline(out, name, res.CSS); err != nil {
				return nil, err
			}
		}

		switch {
		case o.outputDir != "":
			dest := filepath.Join(o.outputDir, filepath.Base(name))
			if err = os.WriteFile(dest, res.CSS, 0o644); err != nil {
				return nil, err
			}
		case !o.diff && !o.outline:
			if _, err = out.Write(res.CSS); err != nil {
				return nil, err
			}
		}

		if bar != nil {
			bar.Add(1) //nolint:errcheck
		}
	}

	return summary, nil
}

// writeDiff writes a unified diff between two versions of a stylesheet.
// Declarations are put on their own line so the diff stays readable
// on minified output.
func writeDiff(w io.Writer, name string, a, b []byte) error {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(diffLines(a)),
		B:        difflib.SplitLines(diffLines(b)),
		FromFile: name,
		ToFile:   name + " (rewritten)",
		Context:  2,
	})
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, diff)
	return err
}

var diffReplacer = strings.NewReplacer("{", "{\n", ";", ";\n", "}", "\n}\n")

func diffLines(src []byte) string {
	lines := strings.Split(diffReplacer.Replace(string(src)), "\n")
	res := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			res = append(res, l)
		}
	}
	return strings.Join(res, "\n") + "\n"
}

// writeOutline writes the tree of imports and rulesets of a stylesheet.
func writeOutline(w io.Writer, name string, src []byte) error {
	tree := treeprint.NewWithRoot(name)

	sheet, err := stylesheet.Parse(src)
	if err != nil {
		tree.AddNode("parse error: " + err.Error())
		_, err = io.WriteString(w, tree.String())
		return err
	}

	for _, cs := range sheet.Charsets {
		tree.AddNode("@charset " + cs)
	}
	for _, imp := range sheet.Imports {
		tree.AddNode(imp.String())
	}

	branches := map[string]treeprint.Tree{}
	for _, rs := range sheet.Rulesets {
		parent := tree
		if len(rs.Media) > 0 {
			key := "@media " + strings.Join(rs.Media, ",")
			if branches[key] == nil {
				branches[key] = tree.AddBranch(key)
			}
			parent = branches[key]
		}

		switch rs.Type {
		case stylesheet.FontFaceType:
			parent.AddMetaNode(len(rs.Declarations), "@font-face")
		case stylesheet.RawType:
			raw := rs.Raw
			if i := strings.IndexByte(raw, '{'); i > 0 {
				raw = raw[:i]
			}
			parent.AddNode(strings.TrimSpace(raw))
		default:
			parent.AddMetaNode(len(rs.Declarations), rs.Selectors)
		}
	}

	_, err = io.WriteString(w, tree.String())
	return err
}
