package inventory

import (
	"cmp"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Criticality is the expiry tier of a batch or a group of batches
// 有効期限による重要度区分
type Criticality string

const (
	CriticalityOK       Criticality = "OK"       // 期限まで余裕あり、または期限なし
	CriticalityCritical Criticality = "CRITICAL" // 期限間近
	CriticalityExpired  Criticality = "EXPIRED"  // 期限切れ
)

// DefaultCriticalWindowDays is the number of days before expiration at
// which a batch becomes critical
const DefaultCriticalWindowDays = 60

func (c Criticality) rank() int {
	switch c {
	case CriticalityExpired:
		return 2
	case CriticalityCritical:
		return 1
	default:
		return 0
	}
}

// worse returns the more severe of two tiers
func worse(a, b Criticality) Criticality {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// ProductSummary aggregates all batches of one product across warehouses
// 商品単位（全倉庫）の集計
type ProductSummary struct {
	ProductID         int64           `json:"product_id"`
	Name              string          `json:"name,omitempty"`
	TotalQuantity     int64           `json:"total_quantity"`
	NearestExpiration *time.Time      `json:"nearest_expiration"`
	TotalValuation    decimal.Decimal `json:"total_valuation"`
	ValueKnown        bool            `json:"value_known"`
	Criticality       Criticality     `json:"criticality"`
	HasCritical       bool            `json:"has_critical"` // CRITICALまたはEXPIREDを含む
	BatchCount        int             `json:"batch_count"`
}

// ProductWarehouseSummary aggregates the batches of one product in one warehouse
// 商品・倉庫単位の集計
type ProductWarehouseSummary struct {
	ProductID         int64            `json:"product_id"`
	WarehouseID       int64            `json:"warehouse_id"`
	TotalQuantity     int64            `json:"total_quantity"`
	NearestExpiration *time.Time       `json:"nearest_expiration"`
	MinUnitCost       *decimal.Decimal `json:"min_unit_cost"`
	MaxUnitCost       *decimal.Decimal `json:"max_unit_cost"`
	NearestUnitCost   *decimal.Decimal `json:"nearest_unit_cost"` // 最も期限の近いバッチの原価
	Criticality       Criticality      `json:"criticality"`
	BatchCount        int              `json:"batch_count"`
}

// Aggregator derives summaries from batch lists. It performs no filtering
// and no I/O, so the same input always yields the same output.
// バッチ一覧から集計を導出（フィルタリング・I/Oなし）
type Aggregator struct {
	Today              time.Time
	CriticalWindowDays int
}

// NewAggregator creates an aggregator evaluating criticality against today
func NewAggregator(today time.Time, criticalWindowDays int) Aggregator {
	if criticalWindowDays <= 0 {
		criticalWindowDays = DefaultCriticalWindowDays
	}
	return Aggregator{Today: today, CriticalWindowDays: criticalWindowDays}
}

// DaysUntil returns the number of calendar days from today to expiration
// 今日から有効期限までの日数
func DaysUntil(expiration, today time.Time) int {
	return int(truncateDay(expiration).Sub(truncateDay(today)).Hours() / 24)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Classify returns the criticality tier of a single expiration
// 単一の有効期限の重要度を判定
func (a Aggregator) Classify(expiration *time.Time) Criticality {
	if expiration == nil {
		return CriticalityOK
	}
	window := a.CriticalWindowDays
	if window <= 0 {
		window = DefaultCriticalWindowDays
	}
	d := DaysUntil(*expiration, a.Today)
	switch {
	case d < 0:
		return CriticalityExpired
	case d <= window:
		return CriticalityCritical
	default:
		return CriticalityOK
	}
}

// SummarizeByProduct groups batches by product
// 商品ごとに集計
func (a Aggregator) SummarizeByProduct(batches []Batch) map[int64]ProductSummary {
	result := make(map[int64]ProductSummary)
	ordered := SortFEFO(batches)

	for _, b := range ordered {
		s, ok := result[b.ProductID]
		if !ok {
			s = ProductSummary{
				ProductID:      b.ProductID,
				TotalValuation: decimal.Zero,
				ValueKnown:     true,
				Criticality:    CriticalityOK,
			}
		}

		s.BatchCount++
		s.TotalQuantity += b.Quantity
		if CompareExpiration(b.Expiration, s.NearestExpiration) < 0 {
			s.NearestExpiration = b.Expiration
		}

		if s.ValueKnown {
			if value, known := BatchValue(b); known {
				s.TotalValuation = Round2(s.TotalValuation.Add(value))
			} else {
				s.ValueKnown = false
				s.TotalValuation = decimal.Zero
			}
		}

		s.Criticality = worse(s.Criticality, a.Classify(b.Expiration))
		s.HasCritical = s.Criticality != CriticalityOK
		result[b.ProductID] = s
	}

	return result
}

// SummarizeByProductWarehouse groups the batches of one product by warehouse,
// ordered by warehouse id.
// 指定商品を倉庫ごとに集計（倉庫ID順）
func (a Aggregator) SummarizeByProductWarehouse(batches []Batch, productID int64) []ProductWarehouseSummary {
	groups := make(map[int64]*ProductWarehouseSummary)

	for _, b := range SortFEFO(batches) {
		if b.ProductID != productID {
			continue
		}
		s, ok := groups[b.WarehouseID]
		if !ok {
			// FEFO順の先頭バッチが最も期限の近いバッチ
			s = &ProductWarehouseSummary{
				ProductID:         productID,
				WarehouseID:       b.WarehouseID,
				NearestExpiration: b.Expiration,
				NearestUnitCost:   b.UnitCost,
				Criticality:       CriticalityOK,
			}
			groups[b.WarehouseID] = s
		}

		s.BatchCount++
		s.TotalQuantity += b.Quantity
		if b.UnitCost != nil {
			if s.MinUnitCost == nil || b.UnitCost.LessThan(*s.MinUnitCost) {
				s.MinUnitCost = b.UnitCost
			}
			if s.MaxUnitCost == nil || b.UnitCost.GreaterThan(*s.MaxUnitCost) {
				s.MaxUnitCost = b.UnitCost
			}
		}
		s.Criticality = worse(s.Criticality, a.Classify(b.Expiration))
	}

	result := make([]ProductWarehouseSummary, 0, len(groups))
	for _, s := range groups {
		result = append(result, *s)
	}
	slices.SortFunc(result, func(x, y ProductWarehouseSummary) int {
		return cmp.Compare(x.WarehouseID, y.WarehouseID)
	})
	return result
}

// SummarizeByProduct groups batches by product using the default window
func SummarizeByProduct(batches []Batch, today time.Time) map[int64]ProductSummary {
	return NewAggregator(today, DefaultCriticalWindowDays).SummarizeByProduct(batches)
}

// SummarizeByProductWarehouse groups one product by warehouse using the default window
func SummarizeByProductWarehouse(batches []Batch, productID int64, today time.Time) []ProductWarehouseSummary {
	return NewAggregator(today, DefaultCriticalWindowDays).SummarizeByProductWarehouse(batches, productID)
}

// OrderProductSummaries returns summaries in display order: groups with
// critical or expired stock first, then nearest expiration ascending with
// undated groups last, then name, then product id.
// 表示順に並べ替え（重要度、期限、名前、ID）
func OrderProductSummaries(summaries map[int64]ProductSummary, names map[int64]string) []ProductSummary {
	result := make([]ProductSummary, 0, len(summaries))
	for id, s := range summaries {
		if name, ok := names[id]; ok {
			s.Name = name
		}
		result = append(result, s)
	}

	slices.SortFunc(result, func(a, b ProductSummary) int {
		if a.HasCritical != b.HasCritical {
			if a.HasCritical {
				return -1
			}
			return 1
		}
		if c := CompareExpiration(a.NearestExpiration, b.NearestExpiration); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.ProductID, b.ProductID)
	})
	return result
}

// RecommendWarehouse picks the warehouse whose stock expires first. Undated
// stock ranks last; ties go to the lowest warehouse id. Returns nil when no
// warehouse holds stock.
// 最も期限の近い在庫を持つ倉庫を推奨
func RecommendWarehouse(summaries []ProductWarehouseSummary) *ProductWarehouseSummary {
	var best *ProductWarehouseSummary
	for i := range summaries {
		s := &summaries[i]
		if s.TotalQuantity <= 0 {
			continue
		}
		if best == nil {
			best = s
			continue
		}
		c := CompareExpiration(s.NearestExpiration, best.NearestExpiration)
		if c < 0 || (c == 0 && s.WarehouseID < best.WarehouseID) {
			best = s
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}
