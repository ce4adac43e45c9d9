package correlation

import (
	"strings"
	"unicode"

	"github.com/atlas-desktop/risk-engine/pkg/utils"
)

// Unclustered is the cluster of symbols no rule recognises.
const Unclustered = "unclustered"

// ClusterClassifier maps a symbol to a cluster name.
type ClusterClassifier func(symbol string) string

// ClusterRule assigns Cluster to symbols whose base asset is one of Tokens
// (BTC in BTC/USDT, never the USDT quote) or that contain any of Phrases as
// a substring.
type ClusterRule struct {
	Cluster string
	Tokens  []string
	Phrases []string
}

// DefaultClusterRules returns the built-in prediction-market and crypto
// clusters. Prediction-market rules come first so "will bitcoin hit 100k"
// is a crypto prediction rather than spot BTC.
func DefaultClusterRules() []ClusterRule {
	return []ClusterRule{
		{
			Cluster: "election",
			Phrases: []string{"ELECTION", "PRESIDENT", "TRUMP", "BIDEN", "HARRIS", "SENATE", "CONGRESS", "GOVERNOR", "PRIMARY", "NOMINEE"},
		},
		{
			Cluster: "sports",
			Phrases: []string{"NFL", "NBA", "MLB", "NHL", "SUPER BOWL", "SUPERBOWL", "WORLD CUP", "CHAMPIONSHIP", "PREMIER LEAGUE", "UFC"},
		},
		{
			Cluster: "crypto_prediction",
			Phrases: []string{"BITCOIN", "ETHEREUM", "SOLANA", "CRYPTO"},
		},
		{Cluster: "btc", Tokens: []string{"BTC", "XBT", "WBTC", "CBBTC"}},
		{Cluster: "eth", Tokens: []string{"ETH", "WETH", "STETH", "RETH"}},
		{Cluster: "meme", Tokens: []string{"DOGE", "SHIB", "PEPE", "WIF", "BONK", "FLOKI"}},
		{Cluster: "sol", Tokens: []string{"SOL", "JUP", "JTO", "RAY"}},
		{Cluster: "stablecoin", Tokens: []string{"USDT", "USDC", "DAI", "BUSD", "TUSD", "USDE"}},
	}
}

// NewKeywordClassifier builds a classifier that applies rules in order.
func NewKeywordClassifier(rules []ClusterRule) ClusterClassifier {
	compiled := make([]ClusterRule, len(rules))
	for i, rule := range rules {
		compiled[i] = ClusterRule{
			Cluster: rule.Cluster,
			Tokens:  upperAll(rule.Tokens),
			Phrases: upperAll(rule.Phrases),
		}
	}

	return func(symbol string) string {
		upper := strings.ToUpper(strings.TrimSpace(symbol))
		tokens := strings.FieldsFunc(utils.FormatSymbol(symbol), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})

		for _, rule := range compiled {
			for _, phrase := range rule.Phrases {
				if strings.Contains(upper, phrase) {
					return rule.Cluster
				}
			}
			if len(tokens) == 0 {
				continue
			}
			for _, want := range rule.Tokens {
				if tokens[0] == want {
					return rule.Cluster
				}
			}
		}
		return Unclustered
	}
}

// DefaultClassifier classifies with DefaultClusterRules.
func DefaultClassifier() ClusterClassifier {
	return NewKeywordClassifier(DefaultClusterRules())
}

func upperAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToUpper(v)
	}
	return out
}
