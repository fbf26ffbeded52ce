// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package cssfilter

import (
	"bytes"
	"context"
	"fmt"
	"net/url"

	"codeberg.org/readeck/pagespeed/internal/resource"
	"codeberg.org/readeck/pagespeed/internal/rewrite"
	"codeberg.org/readeck/pagespeed/pkg/css/scanner"
)

// fallback rewrites the URLs of a stylesheet the parser could not
// handle. A first pass counts the URLs, the rewritten URLs are recorded
// in an association map by the nested contexts and a second pass over
// the same bytes replaces them.
type fallback struct {
	contents    []byte
	transformer *scanner.AssociationTransformer
}

func (r *cssRewriter) startFallback(c *rewrite.Context, p *rewrite.Partition, contents []byte) rewrite.Status {
	stats := c.Driver().Server().Stats()

	counter := scanner.NewCounter(r.base)
	if err := counter.Count(contents); err != nil {
		stats.CSSFallbackFailures.Inc()
		p.Result.AddDebugMessage("CSS rewrite failed: Fallback transformer error in " + r.location)
		return rewrite.RewriteFailed
	}

	var backup scanner.Transformer
	if r.trimURLs || r.base.String() != r.trim.String() {
		backup = scanner.NewAbsolutifier(r.base, r.trim, r.trimURLs)
	}
	m := scanner.NewAssociationMap()
	r.fallback = &fallback{
		contents:    contents,
		transformer: scanner.NewAssociationTransformer(r.base, m, backup),
	}
	r.mode = fallbackMode

	for i, u := range counter.URLs() {
		res, authorized := c.Driver().CreateInputResource(u, resource.RoleOther)
		if res == nil {
			continue
		}
		if !authorized {
			host := u
			if x, err := url.Parse(u); err == nil {
				host = x.Host
			}
			p.Result.AddDebugMessage(fmt.Sprintf("A resource was not rewritten because %s is not an authorized domain", host))
			continue
		}
		slot := NewAssociationSlot(res, m, r.trim, r.trimURLs, fmt.Sprintf("%s#url%d", r.location, i))
		rewriteSlot(c, slot, r.limit)
	}
	return rewrite.RewriteOK
}

func (r *cssRewriter) harvestFallback(ctx context.Context, c *rewrite.Context) rewrite.Status {
	stats := c.Driver().Server().Stats()
	p := c.Partitions()[0]

	buf := new(bytes.Buffer)
	if r.bom {
		buf.WriteString(utf8BOM)
	}
	if err := scanner.TransformURLs(r.fallback.contents, buf, r.fallback.transformer); err != nil {
		stats.CSSFallbackFailures.Inc()
		p.Result.AddDebugMessage("CSS rewrite failed: Fallback transformer error in " + r.location)
		return rewrite.RewriteFailed
	}

	stats.CSSFallbackRewrites.Inc()
	return r.write(ctx, c, p, buf.String())
}
