package schema

import (
	"fmt"

	"github.com/petrijr/weft/pkg/api"
)

// Column types used by inference when the config does not say.
const (
	TypeString = "string"
	TypeNumber = "number"
)

// InferOutput derives a node's output schema from its config and its
// current input schema. It is best-effort: unknown types pass input through.
func InferOutput(node api.Node, input api.Schema) api.Schema {
	cfg := node.Config

	switch node.ComponentType {
	case api.TypeDataInput, api.TypeFileUpload, api.TypeSpreadsheetGenerator, api.TypeDatabase:
		return columnsFromConfig(cfg["columns"])

	case api.TypeHTTPRequest:
		return columnsFromConfig(cfg["responseColumns"])

	case api.TypeAggregation:
		return aggregate(cfg, input)

	case api.TypeFormula:
		return appendColumn(input, stringOr(cfg["outputColumn"], "result"), stringOr(cfg["outputType"], TypeNumber))

	case api.TypeAskAI:
		return appendColumn(input, stringOr(cfg["outputColumn"], "ai_response"), TypeString)

	case api.TypeSummarize:
		return appendColumn(input, stringOr(cfg["outputColumn"], "summary"), TypeString)

	case api.TypeClassify:
		return appendColumn(input, stringOr(cfg["outputColumn"], "category"), TypeString)

	case api.TypeExtract:
		out := input.Clone()
		for _, c := range columnsFromConfig(cfg["fields"]) {
			out = appendColumn(out, c.Name, c.Type)
		}
		return out

	case api.TypeNote:
		return api.Schema{}

	default:
		// filtering, sorting, join, deduplicate, output, webhook, control
		// and merge nodes keep the incoming shape.
		return input.Clone()
	}
}

// RequiredColumns lists the input columns node's config refers to.
func RequiredColumns(node api.Node) []string {
	cfg := node.Config
	var out []string
	add := func(v any) {
		for _, name := range stringsOf(v) {
			if name != "" {
				out = append(out, name)
			}
		}
	}

	switch node.ComponentType {
	case api.TypeFiltering, api.TypeSorting, api.TypeCondition,
		api.TypeSummarize, api.TypeClassify, api.TypeExtract:
		add(cfg["column"])
	case api.TypeAggregation:
		add(cfg["groupBy"])
		for _, agg := range mapsOf(cfg["aggregations"]) {
			add(agg["column"])
		}
	case api.TypeDeduplicate:
		add(cfg["columns"])
	case api.TypeJoin:
		add(cfg["leftKey"])
	case api.TypeVisualization:
		add(cfg["xAxis"])
		add(cfg["yAxis"])
	}
	return dedupe(out)
}

// Missing returns the columns target requires that available lacks.
func Missing(target api.Node, available api.Schema) []string {
	var missing []string
	for _, name := range RequiredColumns(target) {
		if _, ok := available.Column(name); !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func aggregate(cfg map[string]any, input api.Schema) api.Schema {
	var out api.Schema
	for _, name := range stringsOf(cfg["groupBy"]) {
		typ := TypeString
		if c, ok := input.Column(name); ok {
			typ = c.Type
		}
		out = appendColumn(out, name, typ)
	}
	for _, agg := range mapsOf(cfg["aggregations"]) {
		fn := stringOr(agg["function"], "count")
		col := stringOr(agg["column"], "")
		alias := stringOr(agg["alias"], "")
		if alias == "" {
			alias = fn
			if col != "" {
				alias = fmt.Sprintf("%s_%s", fn, col)
			}
		}
		out = appendColumn(out, alias, TypeNumber)
	}
	if out == nil {
		out = api.Schema{}
	}
	return out
}

// appendColumn returns s plus the column, replacing a same-named column.
func appendColumn(s api.Schema, name, typ string) api.Schema {
	out := make(api.Schema, 0, len(s)+1)
	for _, c := range s {
		if c.Name != name {
			out = append(out, c)
		}
	}
	return append(out, api.SchemaColumn{Name: name, Type: typ})
}

// columnsFromConfig accepts either a list of names or a list of
// {name, type, nullable} objects.
func columnsFromConfig(v any) api.Schema {
	out := api.Schema{}
	switch list := v.(type) {
	case []string:
		for _, name := range list {
			out = append(out, api.SchemaColumn{Name: name, Type: TypeString})
		}
	case []any:
		for _, item := range list {
			switch c := item.(type) {
			case string:
				out = append(out, api.SchemaColumn{Name: c, Type: TypeString})
			case map[string]any:
				name := stringOr(c["name"], "")
				if name == "" {
					continue
				}
				nullable, _ := c["nullable"].(bool)
				out = append(out, api.SchemaColumn{
					Name:     name,
					Type:     stringOr(firstOf(c["type"], c["dataType"]), TypeString),
					Nullable: nullable,
				})
			}
		}
	case []map[string]any:
		items := make([]any, len(list))
		for i, m := range list {
			items[i] = m
		}
		return columnsFromConfig(items)
	case api.Schema:
		return list.Clone()
	}
	return out
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func firstOf(vs ...any) any {
	for _, v := range vs {
		if v != nil {
			return v
		}
	}
	return nil
}

func stringsOf(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func mapsOf(v any) []map[string]any {
	switch t := v.(type) {
	case []map[string]any:
		return t
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, e := range t {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
