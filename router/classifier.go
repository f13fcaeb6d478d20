package router

import (
	"net/http"
	"strings"

	"github.com/tidwall/match"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const (
	RuleNonGet        = "non-get"
	RuleScheme        = "scheme"
	RuleExcluded      = "excluded"
	RuleNavigation    = "navigation"
	RuleCriticalAsset = "critical-asset"
	RuleMedia         = "media"
	RuleDefault       = "default"
)

type Predicate func(req *types.Request) bool

type Rule struct {
	Name      string
	Strategy  types.StrategyName
	Predicate Predicate
}

type Decision struct {
	Rule     string             `json:"rule"`
	Strategy types.StrategyName `json:"strategy"`
}

// Classifier evaluates rules top-down; the first match wins and the
// default rule always matches last.
type Classifier struct {
	rules    []Rule
	fallback Rule
}

func NewClassifier(config *types.RoutingConfig) *Classifier {
	if config == nil {
		config = &types.RoutingConfig{AllowedSchemes: []string{"http", "https"}}
	}

	rules := []Rule{
		{
			Name:      RuleNonGet,
			Strategy:  types.StrategyNetworkOnly,
			Predicate: func(req *types.Request) bool { return !req.IsGet() },
		},
		{
			Name:      RuleScheme,
			Strategy:  types.StrategyNetworkOnly,
			Predicate: schemeNotIn(config.AllowedSchemes),
		},
		{
			Name:      RuleExcluded,
			Strategy:  types.StrategyNetworkOnly,
			Predicate: excluded(config.ExcludedPrefixes, config.ExcludedSuffixes, config.ExcludedSubstrings),
		},
		{
			Name:      RuleNavigation,
			Strategy:  types.StrategyNetworkOnlyWithOffline,
			Predicate: isNavigation,
		},
		{
			Name:      RuleCriticalAsset,
			Strategy:  types.StrategyNetworkFirst,
			Predicate: pathMatchesAny(config.CriticalAssets),
		},
		{
			Name:      RuleMedia,
			Strategy:  types.StrategyNetworkFirst,
			Predicate: pathHasPrefix(config.MediaPrefixes),
		},
	}

	return &Classifier{
		rules: rules,
		fallback: Rule{
			Name:      RuleDefault,
			Strategy:  types.StrategyCacheFirst,
			Predicate: func(*types.Request) bool { return true },
		},
	}
}

func (c *Classifier) Classify(req *types.Request) Decision {
	for _, rule := range c.rules {
		if rule.Predicate(req) {
			return Decision{Rule: rule.Name, Strategy: rule.Strategy}
		}
	}
	return Decision{Rule: c.fallback.Name, Strategy: c.fallback.Strategy}
}

// Rules lists rule names in evaluation order, default last.
func (c *Classifier) Rules() []string {
	names := make([]string, 0, len(c.rules)+1)
	for _, rule := range c.rules {
		names = append(names, rule.Name)
	}
	return append(names, c.fallback.Name)
}

func schemeNotIn(allowed []string) Predicate {
	set := make(map[string]struct{}, len(allowed))
	for _, scheme := range allowed {
		set[strings.ToLower(scheme)] = struct{}{}
	}

	return func(req *types.Request) bool {
		_, ok := set[req.Scheme()]
		return !ok
	}
}

// excluded matches case-insensitively; patterns are folded once here and
// the path on every call.
func excluded(prefixes, suffixes, substrings []string) Predicate {
	prefixes = lowerAll(prefixes)
	suffixes = lowerAll(suffixes)
	substrings = lowerAll(substrings)

	return func(req *types.Request) bool {
		path := strings.ToLower(req.Path())

		if utils.HasAnyPrefix(path, prefixes) || utils.ContainsAny(path, substrings) {
			return true
		}
		for _, suffix := range suffixes {
			if strings.HasSuffix(path, suffix) {
				return true
			}
		}
		return false
	}
}

func lowerAll(values []string) []string {
	lowered := make([]string, len(values))
	for i, v := range values {
		lowered[i] = strings.ToLower(v)
	}
	return lowered
}

// isNavigation accepts the explicit navigate mode and, for requests that
// reach the proxy without one, a Sec-Fetch-Mode header or an HTML-only
// Accept.
func isNavigation(req *types.Request) bool {
	if req.IsNavigation() {
		return true
	}
	if req.Header == nil {
		return false
	}
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == string(types.ModeNavigate)
	}

	accept := req.Header.Get("Accept")
	return req.Method == http.MethodGet && strings.HasPrefix(accept, "text/html")
}

func pathMatchesAny(patterns []string) Predicate {
	return func(req *types.Request) bool {
		path := req.Path()
		for _, pattern := range patterns {
			if match.Match(path, pattern) {
				return true
			}
		}
		return false
	}
}

func pathHasPrefix(prefixes []string) Predicate {
	return func(req *types.Request) bool {
		return utils.HasAnyPrefix(req.Path(), prefixes)
	}
}
