// internal/analyzer/complexity.go
package analyzer

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

type grammar struct {
	language  func() *sitter.Language
	branches  map[string]bool
	operators map[string]bool
}

var (
	goGrammar = grammar{
		language: golang.GetLanguage,
		branches: map[string]bool{
			"if_statement":       true,
			"for_statement":      true,
			"expression_case":    true,
			"type_case":          true,
			"communication_case": true,
		},
		operators: map[string]bool{"&&": true, "||": true},
	}

	jsBranches = map[string]bool{
		"if_statement":       true,
		"ternary_expression": true,
		"for_statement":      true,
		"for_in_statement":   true,
		"while_statement":    true,
		"do_statement":       true,
		"switch_case":        true,
		"catch_clause":       true,
	}
	jsOperators = map[string]bool{"&&": true, "||": true, "??": true}

	grammars = map[string]grammar{
		".go":  goGrammar,
		".js":  {language: javascript.GetLanguage, branches: jsBranches, operators: jsOperators},
		".jsx": {language: javascript.GetLanguage, branches: jsBranches, operators: jsOperators},
		".mjs": {language: javascript.GetLanguage, branches: jsBranches, operators: jsOperators},
		".cjs": {language: javascript.GetLanguage, branches: jsBranches, operators: jsOperators},
		".ts":  {language: typescript.GetLanguage, branches: jsBranches, operators: jsOperators},
		".tsx": {language: tsx.GetLanguage, branches: jsBranches, operators: jsOperators},
	}

	// heuristicTokens approximates branching constructs for unsupported languages.
	heuristicTokens = regexp.MustCompile(`\b(if|elif|for|foreach|while|case|catch|except|when)\b|&&|\|\||\?\?`)
)

// Complexity returns 1 plus the number of branching constructs in content.
// Go, JavaScript and TypeScript are measured on the syntax tree; anything
// else falls back to counting keywords.
func Complexity(ctx context.Context, path string, content []byte) (int, error) {
	g, ok := grammars[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return 1 + len(heuristicTokens.FindAllIndex(content, -1)), nil
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(g.language())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if tree == nil {
		return 0, fmt.Errorf("failed to parse %s: %v", path, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return 0, fmt.Errorf("no root node in parse tree for %s", path)
	}
	return 1 + countBranches(root, g), nil
}

func countBranches(n *sitter.Node, g grammar) int {
	count := 0
	switch t := n.Type(); {
	case g.branches[t]:
		count++
	case t == "binary_expression":
		if op := n.ChildByFieldName("operator"); op != nil && g.operators[op.Type()] {
			count++
		}
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		count += countBranches(n.NamedChild(i), g)
	}
	return count
}
