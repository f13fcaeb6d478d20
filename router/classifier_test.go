package router

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/saiset-co/sai-offline/config"
	"github.com/saiset-co/sai-offline/types"
)

func newDefaultClassifier() *Classifier {
	return NewClassifier(config.NewLoader().Defaults().Routing)
}

func TestClassify(t *testing.T) {
	c := newDefaultClassifier()

	navigate := func(url string) *types.Request {
		req := types.NewRequest(http.MethodGet, url)
		req.Mode = types.ModeNavigate
		return req
	}

	tests := []struct {
		name     string
		req      *types.Request
		rule     string
		strategy types.StrategyName
	}{
		{"post", types.NewRequest(http.MethodPost, "/static/main.css"), RuleNonGet, types.StrategyNetworkOnly},
		{"head", types.NewRequest(http.MethodHead, "/"), RuleNonGet, types.StrategyNetworkOnly},
		{"extension scheme", types.NewRequest(http.MethodGet, "chrome-extension://abc/script.js"), RuleScheme, types.StrategyNetworkOnly},
		{"api vote", types.NewRequest(http.MethodGet, "/api/reviews/1/vote/"), RuleExcluded, types.StrategyNetworkOnly},
		{"admin navigation", navigate("/admin/core/review/"), RuleExcluded, types.StrategyNetworkOnly},
		{"accounts", types.NewRequest(http.MethodGet, "/accounts/login/"), RuleExcluded, types.StrategyNetworkOnly},
		{"profile", navigate("/profile/"), RuleExcluded, types.StrategyNetworkOnly},
		{"review edit", types.NewRequest(http.MethodGet, "/reviews/12/edit/"), RuleExcluded, types.StrategyNetworkOnly},
		{"search", navigate("/search/?q=osh"), RuleExcluded, types.StrategyNetworkOnly},
		{"business dashboard", types.NewRequest(http.MethodGet, "/business-dashboard/stats/"), RuleExcluded, types.StrategyNetworkOnly},
		{"home navigation", navigate("/"), RuleNavigation, types.StrategyNetworkOnlyWithOffline},
		{"business page", navigate("/business/42/"), RuleNavigation, types.StrategyNetworkOnlyWithOffline},
		{"main css", types.NewRequest(http.MethodGet, "/static/main.css"), RuleCriticalAsset, types.StrategyNetworkFirst},
		{"bundle css", types.NewRequest(http.MethodGet, "http://example.com/static/bundle.css?v=3"), RuleCriticalAsset, types.StrategyNetworkFirst},
		{"enhancement script", types.NewRequest(http.MethodGet, "/static/js/ui-enhancements.js"), RuleCriticalAsset, types.StrategyNetworkFirst},
		{"media", types.NewRequest(http.MethodGet, "/media/avatars/u1.jpg"), RuleMedia, types.StrategyNetworkFirst},
		{"favicon", types.NewRequest(http.MethodGet, "/static/favicons/favicon.png"), RuleDefault, types.StrategyCacheFirst},
		{"other script", types.NewRequest(http.MethodGet, "/static/js/lightbox.js"), RuleDefault, types.StrategyCacheFirst},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := c.Classify(tt.req)
			assert.Equal(t, tt.rule, decision.Rule)
			assert.Equal(t, tt.strategy, decision.Strategy)
		})
	}
}

func TestNavigationFromHeaders(t *testing.T) {
	c := newDefaultClassifier()

	fetchMode := types.NewRequest(http.MethodGet, "/business/1/")
	fetchMode.Mode = types.ModeCors
	fetchMode.Header.Set("Sec-Fetch-Mode", "navigate")
	assert.Equal(t, RuleNavigation, c.Classify(fetchMode).Rule)

	htmlAccept := types.NewRequest(http.MethodGet, "/business/1/")
	htmlAccept.Mode = types.ModeCors
	htmlAccept.Header.Set("Accept", "text/html,application/xhtml+xml")
	assert.Equal(t, RuleNavigation, c.Classify(htmlAccept).Rule)

	xhr := types.NewRequest(http.MethodGet, "/business/1/")
	xhr.Header.Set("Sec-Fetch-Mode", "cors")
	xhr.Header.Set("Accept", "text/html")
	assert.Equal(t, RuleDefault, c.Classify(xhr).Rule)
}

func TestClassifyIsTotal(t *testing.T) {
	c := NewClassifier(&types.RoutingConfig{AllowedSchemes: []string{"http", "https"}})

	for _, url := range []string{"", "/", "?", "%%%", "/a/b/c"} {
		decision := c.Classify(types.NewRequest(http.MethodGet, url))
		assert.True(t, decision.Strategy.Valid(), url)
	}

	assert.Equal(t, []string{RuleNonGet, RuleScheme, RuleExcluded, RuleNavigation, RuleCriticalAsset, RuleMedia, RuleDefault}, c.Rules())
}

func TestNonGetAlwaysNetworkOnly(t *testing.T) {
	c := newDefaultClassifier()

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions} {
		for _, url := range []string{"/", "/static/main.css", "/media/x.png", "/offline/"} {
			req := types.NewRequest(method, url)
			req.Mode = types.ModeNavigate
			assert.Equal(t, types.StrategyNetworkOnly, c.Classify(req).Strategy, method+" "+url)
		}
	}
}

func TestExcludedIgnoresCase(t *testing.T) {
	c := NewClassifier(&types.RoutingConfig{
		ExcludedPrefixes:   []string{"/Admin/"},
		ExcludedSuffixes:   []string{"/Edit/"},
		ExcludedSubstrings: []string{"Search"},
		AllowedSchemes:     []string{"http", "https"},
	})

	tests := []struct {
		name     string
		url      string
		excluded bool
	}{
		{"prefix lower path", "/admin/users/", true},
		{"prefix mixed path", "/ADMIN/users/", true},
		{"suffix", "/reviews/3/edit/", true},
		{"substring", "/site-search/?q=osh", true},
		{"unrelated", "/static/main.css", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := c.Classify(types.NewRequest(http.MethodGet, tt.url))
			assert.Equal(t, tt.excluded, decision.Rule == RuleExcluded)
		})
	}
}
