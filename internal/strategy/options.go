package strategy

import "mmengine/pkg/period"

// Options configures one trading agent. Zero-value fields are filled
// from Defaults; per-market overrides in MarketSettings are applied on
// top for that market only.
type Options struct {
	// Entry gating.
	MinimumTrend              float64 `mapstructure:"minimumTrend"`
	MaximumPriceLevel         float64 `mapstructure:"maximumPriceLevel"`
	MinimumReturns            float64 `mapstructure:"minimumReturns"`
	MinimumReturnsPeriod      int     `mapstructure:"minimumReturnsPeriod"`
	MAPeriodVolume            int     `mapstructure:"maPeriodVolume"`
	EMAPeriodDailyRetracement int     `mapstructure:"emaPeriodDailyRetracement"`
	EMAPeriodDaily            int     `mapstructure:"emaPeriodDaily"`
	ATRRetracementMultiplier  float64 `mapstructure:"atrRetracementMultiplier"`
	EMAPeriodFast             int     `mapstructure:"emaPeriodFast"`
	EMAPeriodMid              int     `mapstructure:"emaPeriodMid"`
	VolumeBalancePeriod       string  `mapstructure:"volumeBalancePeriod"`

	// Exit.
	TakeProfitRSIThreshold  float64 `mapstructure:"takeProfitRSIThreshold"`
	TakeProfitATRMultiplier float64 `mapstructure:"takeProfitATRMultiplier"`
	ReturnBasedExitAfter    string  `mapstructure:"returnBasedExitAfter"`
	MAPeriodReturns         int     `mapstructure:"maPeriodReturns"`
	ReturnThreshold         float64 `mapstructure:"returnThreshold"`
	UseTrailingStop         bool    `mapstructure:"useTrailingStop"`
	VolatilityMultiplier    float64 `mapstructure:"volatilityMultiplier"`

	// Market making.
	Sigma                  float64 `mapstructure:"sigma"`
	Mu                     float64 `mapstructure:"mu"`
	Gamma                  float64 `mapstructure:"gamma"`
	InventorySteps         float64 `mapstructure:"inventorySteps"`
	SpreadFixedTerm        float64 `mapstructure:"spreadFixedTerm"`
	SpreadSigmaMultiplier  float64 `mapstructure:"spreadSigmaMultiplier"`
	RiskAversionCorrection float64 `mapstructure:"riskAversionCorrection"`
	MinDealAmount          float64 `mapstructure:"minDealAmount"`
	MinimumNotionalValue   float64 `mapstructure:"minimumNotionalValue"`
	MinNextQuoteDifference float64 `mapstructure:"minNextQuoteDifference"`
	DynamicAmountDropoff   float64 `mapstructure:"dynamicAmountDropoff"`
	EMAPeriodSlow          int     `mapstructure:"emaPeriodSlow"`
	TradeVolumeCap         float64 `mapstructure:"tradeVolumeCap"`
	CoolOffPeriod          string  `mapstructure:"coolOffPeriod"`
	OrderTTL               string  `mapstructure:"orderTTL"`
	FillPercentage         float64 `mapstructure:"fillPercentage"`

	// Portfolio.
	FiatRatio                 float64 `mapstructure:"fiatRatio"`
	MaxActiveMarkets          int     `mapstructure:"maxActiveMarkets"`
	MinimumVolume             float64 `mapstructure:"minimumVolume"`
	MinimumAverageVolume      float64 `mapstructure:"minimumAverageVolume"`
	MinimumFiatPrice          float64 `mapstructure:"minimumFiatPrice"`
	MaxPercentageHoursNoVolume float64 `mapstructure:"maxPercentageHoursNoVolume"`
	Blacklist                 []string `mapstructure:"blacklist"`

	// MarketSettings holds per-market overrides, keyed by "BASE/QUOTE".
	MarketSettings map[string]OptionsPatch `mapstructure:"marketSettings"`
}

// OptionsPatch overrides a subset of Options for one market. Only the
// fields that make sense per market are exposed; nil means "keep".
type OptionsPatch struct {
	MinimumTrend           *float64 `mapstructure:"minimumTrend"`
	MaximumPriceLevel      *float64 `mapstructure:"maximumPriceLevel"`
	Sigma                  *float64 `mapstructure:"sigma"`
	Mu                     *float64 `mapstructure:"mu"`
	Gamma                  *float64 `mapstructure:"gamma"`
	InventorySteps         *float64 `mapstructure:"inventorySteps"`
	SpreadFixedTerm        *float64 `mapstructure:"spreadFixedTerm"`
	SpreadSigmaMultiplier  *float64 `mapstructure:"spreadSigmaMultiplier"`
	RiskAversionCorrection *float64 `mapstructure:"riskAversionCorrection"`
	MinDealAmount          *float64 `mapstructure:"minDealAmount"`
	MinimumNotionalValue   *float64 `mapstructure:"minimumNotionalValue"`
	MinNextQuoteDifference *float64 `mapstructure:"minNextQuoteDifference"`
	DynamicAmountDropoff   *float64 `mapstructure:"dynamicAmountDropoff"`
	TradeVolumeCap         *float64 `mapstructure:"tradeVolumeCap"`
	CoolOffPeriod          *string  `mapstructure:"coolOffPeriod"`
	OrderTTL               *string  `mapstructure:"orderTTL"`
	CanTrade               *bool    `mapstructure:"canTrade"`
}

// Defaults returns the baseline option set.
func Defaults() Options {
	return Options{
		MinimumTrend:              0.1,
		MaximumPriceLevel:         0.6,
		MinimumReturns:            0.01,
		MinimumReturnsPeriod:      9,
		MAPeriodVolume:            20,
		EMAPeriodDailyRetracement: 10,
		EMAPeriodDaily:            20,
		ATRRetracementMultiplier:  1,
		EMAPeriodFast:             5,
		EMAPeriodMid:              10,
		VolumeBalancePeriod:       "1h",

		TakeProfitRSIThreshold:  80,
		TakeProfitATRMultiplier: 2,
		ReturnBasedExitAfter:    "2d",
		MAPeriodReturns:         10,
		ReturnThreshold:         0,
		VolatilityMultiplier:    2,

		Sigma:                  0.05,
		Mu:                     0,
		Gamma:                  0.1,
		InventorySteps:         8,
		SpreadFixedTerm:        0.005,
		SpreadSigmaMultiplier:  0.1,
		RiskAversionCorrection: 0.1,
		MinDealAmount:          1,
		MinimumNotionalValue:   0,
		MinNextQuoteDifference: 0.005,
		DynamicAmountDropoff:   20,
		EMAPeriodSlow:          20,
		TradeVolumeCap:         0.01,
		CoolOffPeriod:          "2h",
		OrderTTL:               "1d",
		FillPercentage:         1,

		FiatRatio:                  0,
		MaxActiveMarkets:           5,
		MinimumVolume:              70,
		MinimumAverageVolume:       10,
		MinimumFiatPrice:           0,
		MaxPercentageHoursNoVolume: 0.1,
	}
}

// Merge overlays non-zero fields of o onto the defaults. Zero values
// that are legitimate settings (Mu, FiatRatio, thresholds at 0) cannot
// be distinguished from "unset" here; callers that need an explicit zero
// use MarketSettings, whose pointer fields carry intent.
func Merge(o Options) Options {
	d := Defaults()
	merged := o
	if merged.MinimumTrend == 0 {
		merged.MinimumTrend = d.MinimumTrend
	}
	if merged.MaximumPriceLevel == 0 {
		merged.MaximumPriceLevel = d.MaximumPriceLevel
	}
	if merged.MinimumReturns == 0 {
		merged.MinimumReturns = d.MinimumReturns
	}
	if merged.MinimumReturnsPeriod == 0 {
		merged.MinimumReturnsPeriod = d.MinimumReturnsPeriod
	}
	if merged.MAPeriodVolume == 0 {
		merged.MAPeriodVolume = d.MAPeriodVolume
	}
	if merged.EMAPeriodDailyRetracement == 0 {
		merged.EMAPeriodDailyRetracement = d.EMAPeriodDailyRetracement
	}
	if merged.EMAPeriodDaily == 0 {
		merged.EMAPeriodDaily = d.EMAPeriodDaily
	}
	if merged.ATRRetracementMultiplier == 0 {
		merged.ATRRetracementMultiplier = d.ATRRetracementMultiplier
	}
	if merged.EMAPeriodFast == 0 {
		merged.EMAPeriodFast = d.EMAPeriodFast
	}
	if merged.EMAPeriodMid == 0 {
		merged.EMAPeriodMid = d.EMAPeriodMid
	}
	if merged.VolumeBalancePeriod == "" {
		merged.VolumeBalancePeriod = d.VolumeBalancePeriod
	}
	if merged.TakeProfitRSIThreshold == 0 {
		merged.TakeProfitRSIThreshold = d.TakeProfitRSIThreshold
	}
	if merged.TakeProfitATRMultiplier == 0 {
		merged.TakeProfitATRMultiplier = d.TakeProfitATRMultiplier
	}
	if merged.ReturnBasedExitAfter == "" {
		merged.ReturnBasedExitAfter = d.ReturnBasedExitAfter
	}
	if merged.MAPeriodReturns == 0 {
		merged.MAPeriodReturns = d.MAPeriodReturns
	}
	if merged.VolatilityMultiplier == 0 {
		merged.VolatilityMultiplier = d.VolatilityMultiplier
	}
	if merged.Sigma == 0 {
		merged.Sigma = d.Sigma
	}
	if merged.Gamma == 0 {
		merged.Gamma = d.Gamma
	}
	if merged.InventorySteps == 0 {
		merged.InventorySteps = d.InventorySteps
	}
	if merged.SpreadFixedTerm == 0 {
		merged.SpreadFixedTerm = d.SpreadFixedTerm
	}
	if merged.SpreadSigmaMultiplier == 0 {
		merged.SpreadSigmaMultiplier = d.SpreadSigmaMultiplier
	}
	if merged.RiskAversionCorrection == 0 {
		merged.RiskAversionCorrection = d.RiskAversionCorrection
	}
	if merged.MinDealAmount == 0 {
		merged.MinDealAmount = d.MinDealAmount
	}
	if merged.MinNextQuoteDifference == 0 {
		merged.MinNextQuoteDifference = d.MinNextQuoteDifference
	}
	if merged.DynamicAmountDropoff == 0 {
		merged.DynamicAmountDropoff = d.DynamicAmountDropoff
	}
	if merged.EMAPeriodSlow == 0 {
		merged.EMAPeriodSlow = d.EMAPeriodSlow
	}
	if merged.TradeVolumeCap == 0 {
		merged.TradeVolumeCap = d.TradeVolumeCap
	}
	if merged.CoolOffPeriod == "" {
		merged.CoolOffPeriod = d.CoolOffPeriod
	}
	if merged.OrderTTL == "" {
		merged.OrderTTL = d.OrderTTL
	}
	if merged.FillPercentage == 0 {
		merged.FillPercentage = d.FillPercentage
	}
	if merged.MaxActiveMarkets == 0 {
		merged.MaxActiveMarkets = d.MaxActiveMarkets
	}
	if merged.MinimumVolume == 0 {
		merged.MinimumVolume = d.MinimumVolume
	}
	if merged.MinimumAverageVolume == 0 {
		merged.MinimumAverageVolume = d.MinimumAverageVolume
	}
	if merged.MaxPercentageHoursNoVolume == 0 {
		merged.MaxPercentageHoursNoVolume = d.MaxPercentageHoursNoVolume
	}
	return merged
}

// ForMarket returns the effective options for one market: the merged
// globals with that market's patch applied.
func (o Options) ForMarket(market string) Options {
	out := o
	p, ok := o.MarketSettings[market]
	if !ok {
		return out
	}
	if p.MinimumTrend != nil {
		out.MinimumTrend = *p.MinimumTrend
	}
	if p.MaximumPriceLevel != nil {
		out.MaximumPriceLevel = *p.MaximumPriceLevel
	}
	if p.Sigma != nil {
		out.Sigma = *p.Sigma
	}
	if p.Mu != nil {
		out.Mu = *p.Mu
	}
	if p.Gamma != nil {
		out.Gamma = *p.Gamma
	}
	if p.InventorySteps != nil {
		out.InventorySteps = *p.InventorySteps
	}
	if p.SpreadFixedTerm != nil {
		out.SpreadFixedTerm = *p.SpreadFixedTerm
	}
	if p.SpreadSigmaMultiplier != nil {
		out.SpreadSigmaMultiplier = *p.SpreadSigmaMultiplier
	}
	if p.RiskAversionCorrection != nil {
		out.RiskAversionCorrection = *p.RiskAversionCorrection
	}
	if p.MinDealAmount != nil {
		out.MinDealAmount = *p.MinDealAmount
	}
	if p.MinimumNotionalValue != nil {
		out.MinimumNotionalValue = *p.MinimumNotionalValue
	}
	if p.MinNextQuoteDifference != nil {
		out.MinNextQuoteDifference = *p.MinNextQuoteDifference
	}
	if p.DynamicAmountDropoff != nil {
		out.DynamicAmountDropoff = *p.DynamicAmountDropoff
	}
	if p.TradeVolumeCap != nil {
		out.TradeVolumeCap = *p.TradeVolumeCap
	}
	if p.CoolOffPeriod != nil {
		out.CoolOffPeriod = *p.CoolOffPeriod
	}
	if p.OrderTTL != nil {
		out.OrderTTL = *p.OrderTTL
	}
	return out
}

// CoolOffMs returns the cool-off period in ms.
func (o Options) CoolOffMs() int64 {
	ms, err := period.ToMs(o.CoolOffPeriod)
	if err != nil {
		return 2 * period.Hour
	}
	return ms
}

// OrderTTLMs returns the order auto-cancel budget in ms.
func (o Options) OrderTTLMs() int64 {
	ms, err := period.ToMs(o.OrderTTL)
	if err != nil {
		return period.Day
	}
	return ms
}

// ReturnBasedExitAfterMs returns the return-based exit delay in ms.
func (o Options) ReturnBasedExitAfterMs() int64 {
	ms, err := period.ToMs(o.ReturnBasedExitAfter)
	if err != nil {
		return 2 * period.Day
	}
	return ms
}

// VolumeBalanceMs returns the trade-flow lookback in ms.
func (o Options) VolumeBalanceMs() int64 {
	ms, err := period.ToMs(o.VolumeBalancePeriod)
	if err != nil {
		return period.Hour
	}
	return ms
}
