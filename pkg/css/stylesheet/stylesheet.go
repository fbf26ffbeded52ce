// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package stylesheet is a small CSS object model: a stylesheet is an
// ordered list of @charset and @import rules followed by rulesets, each
// ruleset holding ordered declarations made of typed values.
//
// The model only understands what the rewriters need. Everything else
// (unknown at-rules, keyframes, declarations with errors) is kept as raw
// text and printed back untouched.
package stylesheet

import (
	"strings"
)

// Stylesheet is a parsed CSS document.
type Stylesheet struct {
	Charsets []string
	Imports  []*Import
	Rulesets []*Ruleset

	// Unparseables is set when the parser kept sections it could not
	// understand as raw text.
	Unparseables bool
}

// Import is an @import rule.
type Import struct {
	Link  string
	Media []string
}

// RulesetType is the kind of a [Ruleset].
type RulesetType uint8

const (
	// RuleType is a regular "selectors { declarations }" ruleset.
	RuleType RulesetType = iota
	// FontFaceType is an @font-face block.
	FontFaceType
	// RawType is a block kept as text (keyframes, supports, page, unknown
	// at-rules).
	RawType
)

// Ruleset is a ruleset, with the media queries it applies to.
type Ruleset struct {
	Type         RulesetType
	Media        []string
	Selectors    string
	Declarations Declarations
	Raw          string
}

// Declarations is an ordered list of declarations.
type Declarations []*Declaration

// Declaration is a "property: values" pair. A declaration with a Raw
// value could not be parsed and is printed as is.
type Declaration struct {
	Property  string
	Values    Values
	Important bool
	Raw       string
}

// Find returns the first declaration with the given property.
func (d Declarations) Find(property string) *Declaration {
	for _, x := range d {
		if x.Raw == "" && x.Property == property {
			return x
		}
	}
	return nil
}

// Has returns true if a declaration with one of the given properties exists.
func (d Declarations) Has(properties ...string) bool {
	for _, p := range properties {
		if d.Find(p) != nil {
			return true
		}
	}
	return false
}

// ValueKind is the type of a [Value].
type ValueKind uint8

// Value kinds.
const (
	OtherValue ValueKind = iota
	URIValue
	StringValue
	IdentValue
	NumberValue
	HashValue
	FunctionValue
	OperatorValue
	SpaceValue
)

// Value is one component of a declaration value. Text holds the source
// text, except for URI values where it holds the unescaped URL.
type Value struct {
	Kind ValueKind
	Text string
}

// IsURI returns true for url() values.
func (v *Value) IsURI() bool {
	return v.Kind == URIValue
}

// Values is an ordered list of values.
type Values []*Value

// URIs returns the indexes of the URI values.
func (v Values) URIs() []int {
	res := []int{}
	for i, x := range v {
		if x.IsURI() {
			res = append(res, i)
		}
	}
	return res
}

// HasIdent returns true when an identifier value equals name, ignoring
// case.
func (v Values) HasIdent(name string) bool {
	for _, x := range v {
		if x.Kind == IdentValue && strings.EqualFold(x.Text, name) {
			return true
		}
	}
	return false
}

// WalkURIs calls fn for every URI value of every parsed declaration in
// the stylesheet.
func (s *Stylesheet) WalkURIs(fn func(v *Value)) {
	for _, rs := range s.Rulesets {
		rs.Declarations.WalkURIs(fn)
	}
}

// WalkURIs calls fn for every URI value.
func (d Declarations) WalkURIs(fn func(v *Value)) {
	for _, decl := range d {
		for _, v := range decl.Values {
			if v.IsURI() {
				fn(v)
			}
		}
	}
}
