// Package correlation tracks pairwise price correlation between assets and
// uses it, together with cluster membership, to limit concentrated exposure
// that individually sized positions would otherwise build up.
package correlation

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/risk-engine/pkg/types"
	"github.com/atlas-desktop/risk-engine/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config configures the correlation tracker.
type Config struct {
	WindowSize        int           // Prices kept per symbol (default 100)
	Lookback          int           // Aligned returns used for Pearson (default 50)
	MinObservations   int           // Prices required per symbol (default 10)
	MinAlignedReturns int           // Aligned returns required (default 5)
	CacheTTL          time.Duration // Age after which a cached pair is recomputed

	HighCorrThreshold        float64 // |rho| above this is "highly correlated" (default 0.7)
	MaxClusterExposurePct    float64 // Per-cluster and per-position cap, fraction of portfolio (default 0.30)
	MaxCorrelatedExposurePct float64 // Cap on a symbol plus its highly correlated peers (default 0.50)

	// Manual cluster assignment, cluster name -> symbols
	Clusters map[string][]string
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() *Config {
	return &Config{
		WindowSize:               100,
		Lookback:                 50,
		MinObservations:          10,
		MinAlignedReturns:        5,
		CacheTTL:                 time.Hour,
		HighCorrThreshold:        0.7,
		MaxClusterExposurePct:    0.30,
		MaxCorrelatedExposurePct: 0.50,
	}
}

// Pair is a computed correlation between two assets. AssetA sorts before AssetB.
type Pair struct {
	AssetA      string    `json:"asset_a"`
	AssetB      string    `json:"asset_b"`
	Correlation float64   `json:"correlation"`
	SampleCount int       `json:"sample_count"`
	LastUpdated time.Time `json:"last_updated"`
}

// RiskLevel bands effective exposure relative to the portfolio.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskAssessment is a correlation-aware view of the registered positions.
type RiskAssessment struct {
	TotalExposure         decimal.Decimal            `json:"total_exposure"`
	EffectiveExposure     decimal.Decimal            `json:"effective_exposure"`
	ExposureRatio         float64                    `json:"exposure_ratio"`
	ClusterExposures      map[string]decimal.Decimal `json:"cluster_exposures"`
	HighlyCorrelatedPairs []Pair                     `json:"highly_correlated_pairs"`
	RiskLevel             RiskLevel                  `json:"risk_level"`
	BlockedAssets         []string                   `json:"blocked_assets"`
}

type pairKey struct {
	a, b string
}

func newPairKey(a, b string) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{a: a, b: b}
}

// Option customises a tracker at construction.
type Option func(*Tracker)

// WithClassifier replaces the default keyword cluster classifier.
func WithClassifier(classify ClusterClassifier) Option {
	return func(t *Tracker) {
		if classify != nil {
			t.classify = classify
		}
	}
}

// WithClock overrides the time source used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker maintains rolling price windows, registered positions and a
// correlation cache.
type Tracker struct {
	logger   *zap.Logger
	config   *Config
	classify ClusterClassifier
	now      func() time.Time

	mu              sync.RWMutex
	prices          map[string][]float64
	lastPrice       map[string]time.Time
	positions       map[string]types.Position
	clusters        map[string]string
	cache           map[pairKey]Pair
	limitMultiplier float64
}

// NewTracker creates a new correlation tracker
func NewTracker(logger *zap.Logger, config *Config, opts ...Option) *Tracker {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.WindowSize <= 1 {
		config.WindowSize = defaults.WindowSize
	}
	if config.Lookback <= 1 {
		config.Lookback = defaults.Lookback
	}
	if config.MinObservations < 2 {
		config.MinObservations = defaults.MinObservations
	}
	if config.MinAlignedReturns < 2 {
		config.MinAlignedReturns = defaults.MinAlignedReturns
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = defaults.CacheTTL
	}
	if config.HighCorrThreshold <= 0 {
		config.HighCorrThreshold = defaults.HighCorrThreshold
	}
	if config.MaxClusterExposurePct <= 0 {
		config.MaxClusterExposurePct = defaults.MaxClusterExposurePct
	}
	if config.MaxCorrelatedExposurePct <= 0 {
		config.MaxCorrelatedExposurePct = defaults.MaxCorrelatedExposurePct
	}

	t := &Tracker{
		logger:          logger.Named("correlation"),
		config:          config,
		classify:        DefaultClassifier(),
		now:             time.Now,
		prices:          make(map[string][]float64),
		lastPrice:       make(map[string]time.Time),
		positions:       make(map[string]types.Position),
		clusters:        make(map[string]string),
		cache:           make(map[pairKey]Pair),
		limitMultiplier: 1.0,
	}
	for _, opt := range opts {
		opt(t)
	}

	for cluster, symbols := range config.Clusters {
		for _, symbol := range symbols {
			t.clusters[symbol] = cluster
		}
	}

	return t
}

// AddPrice appends a price observation to the symbol's rolling window.
func (t *Tracker) AddPrice(symbol string, price float64, ts time.Time) {
	if symbol == "" || price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		t.logger.Warn("Ignoring invalid price",
			zap.String("symbol", symbol),
			zap.Float64("price", price))
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	window := append(t.prices[symbol], price)
	if len(window) > t.config.WindowSize {
		window = window[len(window)-t.config.WindowSize:]
	}
	t.prices[symbol] = window
	t.lastPrice[symbol] = ts

	for key := range t.cache {
		if key.a == symbol || key.b == symbol {
			delete(t.cache, key)
		}
	}
}

// Observations returns the number of prices held for symbol and the
// timestamp of the latest one.
func (t *Tracker) Observations(symbol string) (int, time.Time) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.prices[symbol]), t.lastPrice[symbol]
}

// CalculateCorrelation returns the Pearson correlation of the two assets'
// simple returns. ok is false when there is not enough data, which callers
// must treat as unknown rather than zero.
func (t *Tracker) CalculateCorrelation(a, b string) (Pair, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.correlation(a, b)
}

// correlation computes or returns a cached pair. Caller holds the write lock.
func (t *Tracker) correlation(a, b string) (Pair, bool) {
	key := newPairKey(a, b)
	now := t.now()

	if a == b {
		return Pair{AssetA: a, AssetB: b, Correlation: 1, SampleCount: len(t.prices[a]), LastUpdated: now}, len(t.prices[a]) >= t.config.MinObservations
	}

	if cached, ok := t.cache[key]; ok && now.Sub(cached.LastUpdated) < t.config.CacheTTL {
		return cached, true
	}

	pa, pb := t.prices[key.a], t.prices[key.b]
	if len(pa) < t.config.MinObservations || len(pb) < t.config.MinObservations {
		return Pair{}, false
	}

	n := len(pa)
	if len(pb) < n {
		n = len(pb)
	}
	ra := utils.SimpleReturns(pa[len(pa)-n:])
	rb := utils.SimpleReturns(pb[len(pb)-n:])

	if len(ra) > t.config.Lookback {
		ra = ra[len(ra)-t.config.Lookback:]
		rb = rb[len(rb)-t.config.Lookback:]
	}
	if len(ra) < t.config.MinAlignedReturns {
		return Pair{}, false
	}

	rho, ok := utils.Pearson(ra, rb)
	if !ok {
		return Pair{}, false
	}

	pair := Pair{
		AssetA:      key.a,
		AssetB:      key.b,
		Correlation: rho,
		SampleCount: len(ra),
		LastUpdated: now,
	}
	t.cache[key] = pair
	return pair, true
}

// CorrelationMatrix returns the known pairwise correlations among symbols.
// Unknown pairs are omitted.
func (t *Tracker) CorrelationMatrix(symbols []string) map[string]map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	matrix := make(map[string]map[string]float64, len(symbols))
	for _, a := range symbols {
		row := make(map[string]float64)
		for _, b := range symbols {
			if a == b {
				row[b] = 1
				continue
			}
			if pair, ok := t.correlation(a, b); ok {
				row[b] = pair.Correlation
			}
		}
		matrix[a] = row
	}
	return matrix
}

// AddPosition registers or replaces an open position.
func (t *Tracker) AddPosition(pos types.Position) {
	if pos.Symbol == "" {
		return
	}
	if pos.Direction == "" {
		pos.Direction = types.PositionSideLong
	}

	t.mu.Lock()
	t.positions[pos.Symbol] = pos
	t.mu.Unlock()

	t.logger.Debug("Position registered",
		zap.String("symbol", pos.Symbol),
		zap.String("value", pos.Value.StringFixed(2)),
		zap.String("direction", string(pos.Direction)))
}

// RemovePosition unregisters a position. It reports whether one existed.
func (t *Tracker) RemovePosition(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.positions[symbol]; !ok {
		return false
	}
	delete(t.positions, symbol)
	return true
}

// Positions returns the registered positions sorted by symbol.
func (t *Tracker) Positions() []types.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sortedPositions()
}

func (t *Tracker) sortedPositions() []types.Position {
	positions := make([]types.Position, 0, len(t.positions))
	for _, pos := range t.positions {
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Symbol < positions[j].Symbol
	})
	return positions
}

// SetCluster manually assigns symbol to cluster, overriding the classifier.
func (t *Tracker) SetCluster(symbol, cluster string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cluster = strings.TrimSpace(cluster)
	if cluster == "" {
		delete(t.clusters, symbol)
		return
	}
	t.clusters[symbol] = cluster
}

// ClusterOf returns the cluster symbol belongs to.
func (t *Tracker) ClusterOf(symbol string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.clusterOf(symbol)
}

func (t *Tracker) clusterOf(symbol string) string {
	if cluster, ok := t.clusters[symbol]; ok {
		return cluster
	}
	return t.classify(symbol)
}

// SetLimitMultiplier scales both exposure caps, e.g. with the market regime.
func (t *Tracker) SetLimitMultiplier(m float64) {
	if m < 0 || math.IsNaN(m) {
		m = 0
	}

	t.mu.Lock()
	changed := t.limitMultiplier != m
	t.limitMultiplier = m
	t.mu.Unlock()

	if changed {
		t.logger.Info("Exposure limit multiplier updated", zap.Float64("multiplier", m))
	}
}

// LimitMultiplier returns the active exposure cap multiplier.
func (t *Tracker) LimitMultiplier() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.limitMultiplier
}

func (t *Tracker) clusterCap() float64 {
	return t.config.MaxClusterExposurePct * t.limitMultiplier
}

func (t *Tracker) correlatedCap() float64 {
	return t.config.MaxCorrelatedExposurePct * t.limitMultiplier
}

// AssessPortfolioRisk evaluates concentration across the registered positions.
func (t *Tracker) AssessPortfolioRisk(portfolioValue decimal.Decimal) RiskAssessment {
	t.mu.Lock()
	defer t.mu.Unlock()

	positions := t.sortedPositions()
	assessment := RiskAssessment{
		TotalExposure:         decimal.Zero,
		EffectiveExposure:     decimal.Zero,
		ClusterExposures:      make(map[string]decimal.Decimal),
		HighlyCorrelatedPairs: []Pair{},
		BlockedAssets:         []string{},
	}

	if !portfolioValue.IsPositive() {
		t.logger.Warn("Non-positive portfolio value, blocking all assets",
			zap.String("portfolio_value", portfolioValue.String()))
		assessment.RiskLevel = RiskCritical
		for _, pos := range positions {
			assessment.BlockedAssets = append(assessment.BlockedAssets, pos.Symbol)
		}
		return assessment
	}

	clusterMembers := make(map[string][]string)
	for _, pos := range positions {
		value := pos.Value.Abs()
		cluster := t.clusterOf(pos.Symbol)
		assessment.TotalExposure = assessment.TotalExposure.Add(value)
		assessment.ClusterExposures[cluster] = assessment.ClusterExposures[cluster].Add(value)
		clusterMembers[cluster] = append(clusterMembers[cluster], pos.Symbol)
	}

	penalty := decimal.Zero
	for i := 0; i < len(positions); i++ {
		for j := i + 1; j < len(positions); j++ {
			a, b := positions[i], positions[j]
			pair, ok := t.correlation(a.Symbol, b.Symbol)
			if !ok {
				continue
			}
			if math.Abs(pair.Correlation) > t.config.HighCorrThreshold {
				assessment.HighlyCorrelatedPairs = append(assessment.HighlyCorrelatedPairs, pair)
			}
			if pair.Correlation > 0 && a.Direction == b.Direction {
				smaller := utils.MinDecimal(a.Value.Abs(), b.Value.Abs())
				penalty = penalty.Add(smaller.Mul(decimal.NewFromFloat(pair.Correlation)))
			}
		}
	}

	assessment.EffectiveExposure = assessment.TotalExposure.Add(penalty)
	assessment.ExposureRatio = assessment.EffectiveExposure.Div(portfolioValue).InexactFloat64()
	assessment.RiskLevel = riskLevelFor(assessment.ExposureRatio)

	limit := portfolioValue.Mul(decimal.NewFromFloat(t.clusterCap()))
	for cluster, exposure := range assessment.ClusterExposures {
		if cluster == Unclustered {
			continue
		}
		if exposure.GreaterThanOrEqual(limit) {
			assessment.BlockedAssets = append(assessment.BlockedAssets, clusterMembers[cluster]...)
		}
	}
	sort.Strings(assessment.BlockedAssets)

	return assessment
}

func riskLevelFor(ratio float64) RiskLevel {
	switch {
	case ratio > 0.8:
		return RiskCritical
	case ratio > 0.6:
		return RiskHigh
	case ratio > 0.4:
		return RiskMedium
	default:
		return RiskLow
	}
}

// CanAddPosition reports whether a new position of value in symbol fits the
// exposure caps. A rejection carries a human-readable reason.
func (t *Tracker) CanAddPosition(symbol string, value, portfolioValue decimal.Decimal) (bool, string) {
	if !portfolioValue.IsPositive() {
		t.logger.Warn("Non-positive portfolio value, rejecting position",
			zap.String("symbol", symbol),
			zap.String("portfolio_value", portfolioValue.String()))
		return false, "non-positive portfolio value"
	}
	if !value.IsPositive() {
		return false, "position value must be positive"
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	clusterCap := t.clusterCap()
	sizePct := value.Div(portfolioValue).InexactFloat64()
	if sizePct > clusterCap {
		return false, fmt.Sprintf("position size %s exceeds max single exposure %s",
			utils.FormatPct(sizePct), utils.FormatPct(clusterCap))
	}

	cluster := t.clusterOf(symbol)
	if cluster != Unclustered {
		clusterTotal := value
		for _, pos := range t.positions {
			if t.clusterOf(pos.Symbol) == cluster {
				clusterTotal = clusterTotal.Add(pos.Value.Abs())
			}
		}
		clusterPct := clusterTotal.Div(portfolioValue).InexactFloat64()
		if clusterPct > clusterCap {
			return false, fmt.Sprintf("cluster %s exposure would reach %s, limit %s",
				cluster, utils.FormatPct(clusterPct), utils.FormatPct(clusterCap))
		}
	}

	correlatedTotal := value
	for _, pos := range t.positions {
		if pos.Symbol == symbol {
			correlatedTotal = correlatedTotal.Add(pos.Value.Abs())
			continue
		}
		pair, ok := t.correlation(symbol, pos.Symbol)
		if ok && pair.Correlation > t.config.HighCorrThreshold {
			correlatedTotal = correlatedTotal.Add(pos.Value.Abs())
		}
	}
	correlatedCap := t.correlatedCap()
	correlatedPct := correlatedTotal.Div(portfolioValue).InexactFloat64()
	if correlatedPct > correlatedCap {
		return false, fmt.Sprintf("correlated exposure for %s would reach %s, limit %s",
			symbol, utils.FormatPct(correlatedPct), utils.FormatPct(correlatedCap))
	}

	return true, ""
}
