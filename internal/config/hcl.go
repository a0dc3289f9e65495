package config

import (
	"fmt"
	"math/big"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// ParseHCL reads the HCL form of a script:
//
//	worker_processes = 4
//	timeout          = 30
//	before_fork      = "drain"
//	listen "unix:/tmp/app.sock" { backlog = 64 }
//	logger "file" { path = "${env.HOME}/app.log" }
//
// Attributes and blocks become directives in source order. Expressions may
// reference the environment as env.NAME.
func ParseHCL(src []byte, filename string) (*Script, error) {
	file, diags := hclsyntax.ParseConfig(normalizeInput(src), filename, hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return nil, diags
	}
	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected HCL body type %T", filename, file.Body)
	}
	ctx := hclEvalContext()

	type positioned struct {
		offset int
		d      Directive
	}
	var items []positioned

	for name, attr := range body.Attributes {
		arg, err := hclAttrArg(ctx, attr)
		if err != nil {
			return nil, err
		}
		items = append(items, positioned{
			offset: attr.SrcRange.Start.Byte,
			d:      Directive{Name: name, Args: []Arg{arg}, Pos: hclPos(attr.NameRange)},
		})
	}

	for _, b := range body.Blocks {
		d := Directive{Name: b.Type, Pos: hclPos(b.TypeRange), HasBlock: true}
		for i, label := range b.Labels {
			d.Args = append(d.Args, Arg{Value: label, Text: label, Quoted: true, Pos: hclPos(b.LabelRanges[i])})
		}
		if len(b.Body.Blocks) > 0 {
			nested := b.Body.Blocks[0]
			return nil, fmt.Errorf("%s:%s: nested block %q not allowed in %s", filename, hclPos(nested.TypeRange), nested.Type, b.Type)
		}
		opts := make([]Directive, 0, len(b.Body.Attributes))
		for name, attr := range b.Body.Attributes {
			arg, err := hclAttrArg(ctx, attr)
			if err != nil {
				return nil, err
			}
			opts = append(opts, Directive{Name: name, Args: []Arg{arg}, Pos: hclPos(attr.NameRange)})
		}
		sort.Slice(opts, func(i, j int) bool { return before(opts[i].Pos, opts[j].Pos) })
		d.Options = opts
		items = append(items, positioned{offset: b.TypeRange.Start.Byte, d: d})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].offset < items[j].offset })
	out := &Script{Filename: filename, Directives: make([]Directive, 0, len(items))}
	for _, it := range items {
		out.Directives = append(out.Directives, it.d)
	}
	return out, nil
}

func hclEvalContext() *hcl.EvalContext {
	env := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && hclsyntax.ValidIdentifier(k) {
			env[k] = cty.StringVal(v)
		}
	}
	envVal := cty.EmptyObjectVal
	if len(env) > 0 {
		envVal = cty.ObjectVal(env)
	}
	return &hcl.EvalContext{Variables: map[string]cty.Value{"env": envVal}}
}

func hclAttrArg(ctx *hcl.EvalContext, attr *hclsyntax.Attribute) (Arg, error) {
	v, diags := attr.Expr.Value(ctx)
	if diags.HasErrors() {
		return Arg{}, diags
	}
	pos := hclPos(attr.Expr.Range())
	if v.IsNull() {
		return Arg{Value: nil, Text: "nil", Pos: pos}, nil
	}
	if !v.IsWhollyKnown() {
		return Arg{}, fmt.Errorf("%s: value of %s is not known", pos, attr.Name)
	}
	switch v.Type() {
	case cty.String:
		s := v.AsString()
		return Arg{Value: s, Text: s, Quoted: true, Pos: pos}, nil
	case cty.Bool:
		b := v.True()
		return Arg{Value: b, Text: strconv.FormatBool(b), Pos: pos}, nil
	case cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			i, acc := bf.Int64()
			if acc != big.Exact {
				return Arg{}, fmt.Errorf("%s: %s is out of range", pos, attr.Name)
			}
			return Arg{Value: int(i), Text: strconv.FormatInt(i, 10), Pos: pos}, nil
		}
		f, _ := bf.Float64()
		return Arg{Value: f, Text: strconv.FormatFloat(f, 'f', -1, 64), Pos: pos}, nil
	default:
		return Arg{}, fmt.Errorf("%s: unsupported value type %s for %s", pos, v.Type().FriendlyName(), attr.Name)
	}
}

func hclPos(r hcl.Range) Position {
	return Position{Line: r.Start.Line, Col: r.Start.Column}
}

func before(a, b Position) bool {
	if a.Line != b.Line {
		return a.Line < b.Line
	}
	return a.Col < b.Col
}
