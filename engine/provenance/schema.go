// Package provenance implements the content-addressed persistent store of
// simulation and aggregation results, keyed by schema-driven paths.
package provenance

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine"
)

// Schema is a pair of path templates plus a name and version. Templates use
// a minimal expression language over named variables:
//
//	{var}                literal substitution
//	{var[:N]}            first N characters
//	{hash(var)[:N]}      first N characters of blake2b-256 of the value
//	{shard(var,d,w)}     hash the value, split the first d*w hex chars
//	                     into d components of w chars (e.g. "ab/cd")
type Schema struct {
	Name            string
	Version         int
	SimPathTemplate string
	AggPathTemplate string
}

// Predefined schemas. BundleSchema keys simulation results by the full
// bundle digest, so a new bundle invalidates every cached result.
// TokenSchema (the default) keys by a model token derived from the bundle
// reference, surviving bundle rebuilds with identical logical content.
var (
	BundleSchema = Schema{
		Name:            "bundle",
		Version:         1,
		SimPathTemplate: "sims/{bundle_digest}/{shard(param_id,2,2)}/params_{param_id[:8]}/seed_{seed}",
		AggPathTemplate: "aggs/{bundle_digest}/target_{target}/agg_{aggregation_id}",
	}
	TokenSchema = Schema{
		Name:            "token",
		Version:         1,
		SimPathTemplate: "sims/{hash(bundle_digest)[:12]}/{shard(param_id,2,2)}/params_{param_id[:8]}/seed_{seed}",
		AggPathTemplate: "aggs/{hash(bundle_digest)[:12]}/target_{target}/agg_{aggregation_id}",
	}
)

var (
	literalExpr = regexp.MustCompile(`^([a-z][a-z0-9_]*)$`)
	prefixExpr  = regexp.MustCompile(`^([a-z][a-z0-9_]*)\[:(\d+)\]$`)
	hashExpr    = regexp.MustCompile(`^hash\(([a-z][a-z0-9_]*)\)\[:(\d+)\]$`)
	shardExpr   = regexp.MustCompile(`^shard\(([a-z][a-z0-9_]*),(\d+),(\d+)\)$`)
)

// hexDigestLen is the length of a blake2b-256 hex digest; shard expressions
// can consume at most this many characters.
const hexDigestLen = 64

// Root returns the schema's directory prefix, e.g. "token/v1".
func (s Schema) Root() string {
	return fmt.Sprintf("%s/v%d", s.Name, s.Version)
}

// Validate checks both templates for balanced braces and well-formed
// expressions.
func (s Schema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema name cannot be empty")
	}
	if s.Version < 1 {
		return fmt.Errorf("schema version must be >= 1, got %d", s.Version)
	}
	for _, tmpl := range []string{s.SimPathTemplate, s.AggPathTemplate} {
		if _, err := parseTemplate(tmpl); err != nil {
			return err
		}
	}
	return nil
}

// SimPath renders the simulation path template with the given variables.
// Unknown variables are rejected, never substituted with empty strings.
func (s Schema) SimPath(vars map[string]string) (string, error) {
	return renderTemplate(s.SimPathTemplate, vars)
}

// AggPath renders the aggregation path template.
func (s Schema) AggPath(vars map[string]string) (string, error) {
	return renderTemplate(s.AggPathTemplate, vars)
}

type segment struct {
	literal string // non-empty for plain text
	expr    string // non-empty for a {...} expression
}

func parseTemplate(tmpl string) ([]segment, error) {
	var segs []segment
	rest := tmpl
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			if strings.IndexByte(rest, '}') >= 0 {
				return nil, fmt.Errorf("template %q: unbalanced braces", tmpl)
			}
			if rest != "" {
				segs = append(segs, segment{literal: rest})
			}
			return segs, nil
		}
		if open > 0 {
			if strings.IndexByte(rest[:open], '}') >= 0 {
				return nil, fmt.Errorf("template %q: unbalanced braces", tmpl)
			}
			segs = append(segs, segment{literal: rest[:open]})
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			return nil, fmt.Errorf("template %q: unbalanced braces", tmpl)
		}
		expr := rest[open+1 : open+closing]
		if m := shardExpr.FindStringSubmatch(expr); m != nil {
			depth, _ := strconv.Atoi(m[2])
			width, _ := strconv.Atoi(m[3])
			if depth < 1 || width < 1 || depth*width > hexDigestLen {
				return nil, fmt.Errorf("template %q: shard(%s,%d,%d) exceeds the %d-char digest",
					tmpl, m[1], depth, width, hexDigestLen)
			}
		} else if !literalExpr.MatchString(expr) && !prefixExpr.MatchString(expr) &&
			!hashExpr.MatchString(expr) {
			return nil, fmt.Errorf("template %q: invalid expression {%s}", tmpl, expr)
		}
		segs = append(segs, segment{expr: expr})
		rest = rest[open+closing+1:]
	}
}

func renderTemplate(tmpl string, vars map[string]string) (string, error) {
	segs, err := parseTemplate(tmpl)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, seg := range segs {
		if seg.literal != "" {
			b.WriteString(seg.literal)
			continue
		}
		rendered, err := evalExpr(seg.expr, vars)
		if err != nil {
			return "", err
		}
		b.WriteString(rendered)
	}
	return b.String(), nil
}

func evalExpr(expr string, vars map[string]string) (string, error) {
	lookup := func(name string) (string, error) {
		v, ok := vars[name]
		if !ok {
			return "", fmt.Errorf("unknown template variable %q", name)
		}
		return v, nil
	}

	if m := literalExpr.FindStringSubmatch(expr); m != nil {
		return lookup(m[1])
	}
	if m := prefixExpr.FindStringSubmatch(expr); m != nil {
		v, err := lookup(m[1])
		if err != nil {
			return "", err
		}
		n, _ := strconv.Atoi(m[2])
		if n < len(v) {
			v = v[:n]
		}
		return v, nil
	}
	if m := hashExpr.FindStringSubmatch(expr); m != nil {
		v, err := lookup(m[1])
		if err != nil {
			return "", err
		}
		n, _ := strconv.Atoi(m[2])
		h := engine.HashHexString(v)
		if n < len(h) {
			h = h[:n]
		}
		return h, nil
	}
	if m := shardExpr.FindStringSubmatch(expr); m != nil {
		v, err := lookup(m[1])
		if err != nil {
			return "", err
		}
		depth, _ := strconv.Atoi(m[2])
		width, _ := strconv.Atoi(m[3])
		return shardHash(v, depth, width)
	}
	return "", fmt.Errorf("invalid expression {%s}", expr)
}

// shardHash hashes the value and splits the first depth*width hex characters
// into depth directory components of width characters each. The bound is
// re-checked here so a template that skipped Validate errors instead of
// slicing past the digest.
func shardHash(value string, depth, width int) (string, error) {
	h := engine.HashHexString(value)
	if depth < 1 || width < 1 || depth*width > len(h) {
		return "", fmt.Errorf("shard(%d,%d) exceeds the %d-char digest", depth, width, len(h))
	}
	parts := make([]string, 0, depth)
	for i := 0; i < depth; i++ {
		parts = append(parts, h[i*width:(i+1)*width])
	}
	return strings.Join(parts, "/"), nil
}
