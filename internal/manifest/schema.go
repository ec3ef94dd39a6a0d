package manifest

import (
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// ParseSchema syntactically parses a GraphQL SDL document. Subgraph
// schemas declare no root Query type (graph-node synthesizes one), so
// this deliberately performs AST-level parsing only, not the full
// schema-validation graph-gophers/graphql-go would otherwise require.
func ParseSchema(raw string) (*ast.SchemaDocument, error) {
	doc, err := parser.ParseSchema(&ast.Source{Name: "schema.graphql", Input: raw})
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return doc, nil
}
