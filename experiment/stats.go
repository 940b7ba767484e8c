package experiment

import (
	"context"
	"math"

	"go.uber.org/zap"
)

// wilsonZ Wilson 区间使用的 z 临界值
// 固定为 95% 水平，与实验自身可配置的置信水平无关
const wilsonZ = 1.96

// UpdateResults 从事件事实全量重算 (test, variant) 的聚合行
// 不做增量：每次重算都是事件表一致性快照上的纯函数，
// 并发重算可以任意交错而不会破坏聚合
func (s *Service) UpdateResults(ctx context.Context, testID, variantID string) error {
	start := s.now()

	snapshot, err := s.store.AggregateVariant(ctx, testID, variantID)
	if err != nil {
		return err
	}

	result := &VariantResult{
		TestID:      testID,
		VariantID:   variantID,
		Impressions: snapshot.Impressions,
		Conversions: snapshot.Conversions,
		TotalValue:  snapshot.TotalValue,
		UpdatedAt:   s.now(),
	}
	// 除零一律得 0，永不 NaN
	if snapshot.Impressions > 0 {
		result.ConversionRate = float64(snapshot.Conversions) / float64(snapshot.Impressions)
	}
	if snapshot.Conversions > 0 {
		result.AvgValue = snapshot.TotalValue / float64(snapshot.Conversions)
	}
	if snapshot.TimedConversions > 0 {
		result.AvgTimeToConversion = snapshot.TimeToConvSum / float64(snapshot.TimedConversions)
	}

	// 显著性字段由 CalculateStatistics 负责，这里保留既有值，
	// 使整行覆盖仍是 (事件, 上次统计) 的纯函数
	if existing, err := s.store.GetVariantResult(ctx, testID, variantID); err != nil {
		return err
	} else if existing != nil {
		result.ChiSquare = existing.ChiSquare
		result.PValue = existing.PValue
		result.IsSignificant = existing.IsSignificant
		result.UpliftVsControl = existing.UpliftVsControl
		result.CILower = existing.CILower
		result.CIUpper = existing.CIUpper
	}

	if err := s.store.SaveVariantResult(ctx, result); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.ObserveRecompute(testID, s.now().Sub(start))
	}
	return nil
}

// CalculateStatistics 对照组显著性检验
// 对每个非对照变体构造 2×2 列联表，计算自由度 1 的 Pearson 卡方，
// 经 z = sqrt(χ²) 转为双尾 p 值（χ²(1) = z²，仅对成对比较有效），
// 并写回提升率与 Wilson 置信区间。对照组自身不持有显著性字段。
func (s *Service) CalculateStatistics(ctx context.Context, testID string) error {
	test, err := s.store.GetTest(ctx, testID)
	if err != nil {
		return err
	}
	variants, err := s.store.ListVariants(ctx, testID)
	if err != nil {
		return err
	}
	if len(variants) < 2 {
		return nil
	}

	control := controlVariant(variants)
	controlResult, err := s.store.GetVariantResult(ctx, testID, control.ID)
	if err != nil {
		return err
	}
	if controlResult == nil {
		controlResult = &VariantResult{TestID: testID, VariantID: control.ID}
	}

	alpha := 1 - test.ConfidenceLevel
	controlRate := controlResult.ConversionRate

	for _, variant := range variants {
		if variant.ID == control.ID {
			continue
		}
		result, err := s.store.GetVariantResult(ctx, testID, variant.ID)
		if err != nil {
			return err
		}
		if result == nil {
			continue
		}

		chi2 := chiSquare2x2(
			controlResult.Impressions, controlResult.Conversions,
			result.Impressions, result.Conversions,
		)
		p := chiSquarePValue(chi2)

		uplift := 0.0
		if controlRate > 0 {
			uplift = (result.ConversionRate - controlRate) / controlRate * 100
		}
		lower, upper := wilsonInterval(result.ConversionRate, result.Impressions)

		result.ChiSquare = &chi2
		result.PValue = &p
		result.IsSignificant = p < alpha
		result.UpliftVsControl = &uplift
		result.CILower = &lower
		result.CIUpper = &upper
		result.UpdatedAt = s.now()

		if err := s.store.SaveVariantResult(ctx, result); err != nil {
			return err
		}

		s.logger.Debug("statistics calculated",
			zap.String("test_id", testID),
			zap.String("variant_id", variant.ID),
			zap.Float64("chi_square", chi2),
			zap.Float64("p_value", p),
			zap.Bool("significant", result.IsSignificant))
	}

	return nil
}

// controlVariant 返回统计基线：标记 isControl 的变体，
// 无标记时回退到标识序首个变体（既定默认，不是错误）
func controlVariant(variants []*Variant) *Variant {
	for _, v := range variants {
		if v.IsControl {
			return v
		}
	}
	return variants[0]
}

// chiSquare2x2 转化/未转化 2×2 列联表的 Pearson 卡方统计量
// 期望频数由行列边际在独立性假设下给出；任一期望频数为 0 时
// 统计量无定义，按 0 处理
func chiSquare2x2(controlImp, controlConv, variantImp, variantConv int64) float64 {
	observed := [2][2]float64{
		{float64(controlConv), float64(controlImp - controlConv)},
		{float64(variantConv), float64(variantImp - variantConv)},
	}

	rowTotals := [2]float64{observed[0][0] + observed[0][1], observed[1][0] + observed[1][1]}
	colTotals := [2]float64{observed[0][0] + observed[1][0], observed[0][1] + observed[1][1]}
	grandTotal := rowTotals[0] + rowTotals[1]
	if grandTotal == 0 {
		return 0
	}

	var chi2 float64
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			expected := rowTotals[i] * colTotals[j] / grandTotal
			if expected == 0 {
				return 0
			}
			diff := observed[i][j] - expected
			chi2 += diff * diff / expected
		}
	}
	return chi2
}

// chiSquarePValue 自由度 1 的卡方统计量对应的双尾 p 值
func chiSquarePValue(chi2 float64) float64 {
	if chi2 <= 0 {
		return 1
	}
	z := math.Sqrt(chi2)
	p := 2 * (1 - normalCDF(z))
	return math.Min(math.Max(p, 0), 1)
}

// normalCDF 标准正态分布 CDF
// Abramowitz and Stegun 有理逼近，约 7 位小数精度，无需特殊函数库
func normalCDF(x float64) float64 {
	const (
		a1 = 0.254829592
		a2 = -0.284496736
		a3 = 1.421413741
		a4 = -1.453152027
		a5 = 1.061405429
		p  = 0.3275911
	)

	sign := 1.0
	if x < 0 {
		sign = -1.0
	}
	x = math.Abs(x) / math.Sqrt2

	t := 1.0 / (1.0 + p*x)
	y := 1.0 - (((((a5*t+a4)*t)+a3)*t+a2)*t+a1)*t*math.Exp(-x*x)

	return 0.5 * (1.0 + sign*y)
}

// wilsonInterval 转化率的 Wilson 得分区间，截断到 [0,1]
func wilsonInterval(pHat float64, n int64) (lower, upper float64) {
	if n <= 0 {
		return 0, 0
	}
	nf := float64(n)
	z2 := wilsonZ * wilsonZ

	denom := 1 + z2/nf
	center := (pHat + z2/(2*nf)) / denom
	margin := (wilsonZ / denom) * math.Sqrt(pHat*(1-pHat)/nf+z2/(4*nf*nf))

	lower = math.Max(center-margin, 0)
	upper = math.Min(center+margin, 1)
	return lower, upper
}
