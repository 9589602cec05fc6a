package waf

import (
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
)

const (
	defaultMode            = "block"
	defaultMaxInspectBytes = 64 << 10
	maxDecodePasses        = 3
	maxValuesPerTarget     = 300
	maxValuesPerRequest    = 800
)

// Attack categories reported in decisions and metrics.
const (
	CategoryXSS              = "xss"
	CategorySQLi             = "sqli"
	CategoryCommandInjection = "command_injection"
	CategoryPathTraversal    = "path_traversal"
	CategoryScanner          = "scanner"
	CategoryCustom           = "custom"
)

type RuleConfig struct {
	ID          string
	Description string
	Category    string
	Pattern     string
	Targets     []string // path,params,query,body,headers,user_agent
	Action      string   // block|log|allow
	// Transforms overrides the category's decode pipeline. See decoders.
	Transforms []string
}

type Config struct {
	Enabled         bool
	Mode            string
	MaxInspectBytes int64
	Rules           []RuleConfig
	// SkipBuiltin drops the built-in rule set so only Rules apply.
	SkipBuiltin bool
}

type Decision struct {
	Matched    bool
	Blocked    bool
	Violation  bool
	Categories []string
	RuleIDs    []string
	Reason     string
}

type Engine struct {
	enabled         bool
	mode            string
	maxInspectBytes int64
	rules           []rule
	scannerRules    []rule
}

type RuleInfo struct {
	ID          string   `json:"id"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Action      string   `json:"action"`
	Targets     []string `json:"targets"`
	Transforms  []string `json:"transforms"`
}

type rule struct {
	id          string
	category    string
	description string
	action      action
	regex       *regexp.Regexp
	targets     map[target]struct{}
	decode      pipeline
}

type action string

const (
	actionBlock action = "block"
	actionAllow action = "allow"
	actionLog   action = "log"
)

type target string

const (
	targetPath      target = "path"
	targetParams    target = "params"
	targetQuery     target = "query"
	targetHeaders   target = "headers"
	targetBody      target = "body"
	targetUserAgent target = "user_agent"
)

var targetOrder = []target{targetPath, targetParams, targetQuery, targetHeaders, targetBody, targetUserAgent}

func New(cfg Config) (*Engine, error) {
	e := &Engine{
		enabled:         cfg.Enabled,
		mode:            strings.ToLower(strings.TrimSpace(cfg.Mode)),
		maxInspectBytes: cfg.MaxInspectBytes,
	}
	if e.mode == "" {
		e.mode = defaultMode
	}
	if e.mode != "block" && e.mode != "log" {
		return nil, fmt.Errorf("invalid waf mode: %s", cfg.Mode)
	}
	if e.maxInspectBytes <= 0 {
		e.maxInspectBytes = defaultMaxInspectBytes
	}

	inputRules := cfg.Rules
	if !cfg.SkipBuiltin {
		inputRules = append(DefaultRules(), cfg.Rules...)
	}
	seen := map[string]struct{}{}
	for _, rc := range inputRules {
		r, err := compileRule(rc)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[r.id]; dup {
			return nil, fmt.Errorf("duplicate waf rule id %s", r.id)
		}
		seen[r.id] = struct{}{}
		if r.category == CategoryScanner {
			e.scannerRules = append(e.scannerRules, r)
			continue
		}
		e.rules = append(e.rules, r)
	}
	return e, nil
}

func (e *Engine) Enabled() bool {
	return e != nil && e.enabled
}

func (e *Engine) Mode() string {
	if e == nil {
		return ""
	}
	return e.mode
}

// Rules lists the compiled rules, scanner rules last.
func (e *Engine) Rules() []RuleInfo {
	if e == nil {
		return nil
	}
	out := make([]RuleInfo, 0, len(e.rules)+len(e.scannerRules))
	for _, set := range [][]rule{e.rules, e.scannerRules} {
		for _, r := range set {
			info := RuleInfo{
				ID:          r.id,
				Category:    r.category,
				Description: r.description,
				Action:      string(r.action),
				Transforms:  r.decode.names,
			}
			for _, t := range targetOrder {
				if _, ok := r.targets[t]; ok {
					info.Targets = append(info.Targets, string(t))
				}
			}
			out = append(out, info)
		}
	}
	return out
}

// ScannerAgent reports whether ua belongs to a known attack tool.
func (e *Engine) ScannerAgent(ua string) (string, bool) {
	if !e.Enabled() || ua == "" {
		return "", false
	}
	cache := decodeCache{}
	for _, r := range e.scannerRules {
		if r.action == actionAllow {
			continue
		}
		if r.matchValues([]string{ua}, cache) {
			return r.id, true
		}
	}
	return "", false
}

func (e *Engine) Inspect(r *http.Request) (Decision, error) {
	if !e.Enabled() {
		return Decision{}, nil
	}

	v, err := collect(r, collectLimits{
		bodyBytes: e.maxInspectBytes,
		perTarget: maxValuesPerTarget,
		total:     maxValuesPerRequest,
	})
	if err != nil {
		return Decision{}, err
	}
	return e.evaluate(v), nil
}

func (e *Engine) evaluate(v view) Decision {
	matched := map[string]struct{}{}
	categories := map[string]struct{}{}
	allowMatched := false
	blockMatched := false
	var reasons []string

	cache := decodeCache{}
	for _, rl := range e.rules {
		if !rl.match(v, cache) {
			continue
		}
		matched[rl.id] = struct{}{}
		switch rl.action {
		case actionAllow:
			allowMatched = true
			reasons = append(reasons, rl.id+": allow")
		case actionLog:
			categories[rl.category] = struct{}{}
			reasons = append(reasons, rl.id+": log")
		default:
			blockMatched = true
			categories[rl.category] = struct{}{}
			reasons = append(reasons, fmt.Sprintf("%s: %s", rl.id, rl.category))
		}
	}

	if len(matched) == 0 {
		return Decision{}
	}

	decision := Decision{
		Matched:    true,
		RuleIDs:    sortedKeys(matched),
		Categories: sortedKeys(categories),
	}
	sort.Strings(reasons)
	decision.Reason = strings.Join(reasons, "; ")

	if allowMatched {
		return decision
	}
	decision.Violation = blockMatched
	decision.Blocked = blockMatched && e.mode == "block"
	return decision
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func compileRule(cfg RuleConfig) (rule, error) {
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		return rule{}, fmt.Errorf("waf rule id is required")
	}
	pat := strings.TrimSpace(cfg.Pattern)
	if pat == "" {
		return rule{}, fmt.Errorf("waf rule %s has empty pattern", id)
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return rule{}, fmt.Errorf("waf rule %s invalid pattern: %w", id, err)
	}

	category := strings.ToLower(strings.TrimSpace(cfg.Category))
	if category == "" {
		category = CategoryCustom
	}

	tgts, err := parseTargets(cfg.Targets)
	if err != nil {
		return rule{}, fmt.Errorf("waf rule %s: %w", id, err)
	}
	if category == CategoryScanner {
		tgts = map[target]struct{}{targetUserAgent: {}}
	}
	act, err := parseAction(cfg.Action)
	if err != nil {
		return rule{}, fmt.Errorf("waf rule %s: %w", id, err)
	}
	decode, err := newPipeline(category, cfg.Transforms)
	if err != nil {
		return rule{}, fmt.Errorf("waf rule %s: %w", id, err)
	}

	return rule{
		id:          id,
		category:    category,
		description: cfg.Description,
		action:      act,
		regex:       re,
		targets:     tgts,
		decode:      decode,
	}, nil
}

func parseTargets(values []string) (map[target]struct{}, error) {
	if len(values) == 0 {
		return map[target]struct{}{
			targetPath:      {},
			targetParams:    {},
			targetQuery:     {},
			targetBody:      {},
			targetUserAgent: {},
		}, nil
	}
	out := map[target]struct{}{}
	for _, raw := range values {
		v := strings.ToLower(strings.TrimSpace(raw))
		switch v {
		case "path", "uri", "url":
			out[targetPath] = struct{}{}
		case "params", "segments":
			out[targetParams] = struct{}{}
		case "query", "args":
			out[targetQuery] = struct{}{}
		case "headers", "header":
			out[targetHeaders] = struct{}{}
		case "body":
			out[targetBody] = struct{}{}
		case "user_agent", "user-agent", "ua":
			out[targetUserAgent] = struct{}{}
		default:
			return nil, fmt.Errorf("unknown target %q", raw)
		}
	}
	return out, nil
}

func parseAction(v string) (action, error) {
	n := strings.ToLower(strings.TrimSpace(v))
	if n == "" {
		return actionBlock, nil
	}
	switch action(n) {
	case actionBlock, actionAllow, actionLog:
		return action(n), nil
	default:
		return "", fmt.Errorf("unknown action %q", v)
	}
}

func (r rule) match(v view, cache decodeCache) bool {
	for _, t := range targetOrder {
		if _, ok := r.targets[t]; !ok {
			continue
		}
		if r.matchValues(v[t], cache) {
			return true
		}
	}
	return false
}

func (r rule) matchValues(values []string, cache decodeCache) bool {
	for _, s := range values {
		if r.regex.MatchString(cache.decode(r.decode, s)) {
			return true
		}
	}
	return false
}
