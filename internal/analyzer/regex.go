// internal/analyzer/regex.go
package analyzer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"regexp"

	"github.com/xkilldash9x/mender/internal/config"
	"github.com/xkilldash9x/mender/internal/models"
)

type rule struct {
	cfg config.RuleConfig
	re  *regexp.Regexp
}

// RegexProvider reports every line matching a configured rule. Rules with a
// replacement are fixable: the suggested fix rewrites every match of that rule.
type RegexProvider struct {
	rules []rule
}

// NewRegexProvider compiles the rule set.
func NewRegexProvider(rules []config.RuleConfig) (*RegexProvider, error) {
	p := &RegexProvider{}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s has an invalid pattern: %w", r.ID, err)
		}
		p.rules = append(p.rules, rule{cfg: r, re: re})
	}
	return p, nil
}

func (p *RegexProvider) Name() string { return "rules" }

func (p *RegexProvider) Analyze(ctx context.Context, _ string, content []byte) ([]Finding, error) {
	var findings []Finding
	for _, r := range p.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var fix *string
		if r.cfg.Replace != "" {
			fixed := string(r.re.ReplaceAll(content, []byte(r.cfg.Replace)))
			fix = &fixed
		}
		msg := r.cfg.Message
		if msg == "" {
			msg = fmt.Sprintf("matches rule %s", r.cfg.ID)
		}

		scanner := bufio.NewScanner(bytes.NewReader(content))
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			for _, loc := range r.re.FindAllIndex(scanner.Bytes(), -1) {
				findings = append(findings, Finding{
					Line:         line,
					Column:       loc[0] + 1,
					Severity:     models.ParseSeverity(r.cfg.Severity),
					Message:      msg,
					RuleID:       r.cfg.ID,
					SuggestedFix: fix,
				})
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("scanning for rule %s: %w", r.cfg.ID, err)
		}
	}
	return findings, nil
}
