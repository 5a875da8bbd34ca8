package strategy

import (
	"fmt"
	"sort"

	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
	"github.com/shopspring/decimal"
)

const (
	minGridCount = 2
	maxGridCount = 200
	powPrecision = 16
)

func checkRange(lower, upper decimal.Decimal, count int) error {
	if !lower.IsPositive() || !upper.GreaterThan(lower) {
		return fmt.Errorf("grid range must satisfy 0 < lower < upper")
	}
	if count < minGridCount || count > maxGridCount {
		return fmt.Errorf("grid count must be between %d and %d", minGridCount, maxGridCount)
	}
	return nil
}

// ArithmeticLevels spaces count prices evenly: lower + i*(upper-lower)/(count-1).
func ArithmeticLevels(lower, upper decimal.Decimal, count int) ([]decimal.Decimal, error) {
	if err := checkRange(lower, upper, count); err != nil {
		return nil, err
	}
	step := upper.Sub(lower).Div(decimal.NewFromInt(int64(count - 1)))
	levels := make([]decimal.Decimal, count)
	for i := range levels {
		levels[i] = lower.Add(step.Mul(decimal.NewFromInt(int64(i)))).Round(priceScale)
	}
	levels[count-1] = upper
	return levels, nil
}

// GeometricLevels keeps a constant ratio between neighbours:
// lower * (upper/lower)^(i/(count-1)).
func GeometricLevels(lower, upper decimal.Decimal, count int) ([]decimal.Decimal, error) {
	if err := checkRange(lower, upper, count); err != nil {
		return nil, err
	}
	ratio := upper.Div(lower)
	steps := decimal.NewFromInt(int64(count - 1))
	levels := make([]decimal.Decimal, count)
	levels[0] = lower
	for i := 1; i < count-1; i++ {
		exp := decimal.NewFromInt(int64(i)).Div(steps)
		factor, err := ratio.PowWithPrecision(exp, powPrecision)
		if err != nil {
			return nil, fmt.Errorf("grid level %d: %w", i, err)
		}
		levels[i] = lower.Mul(factor).Round(priceScale)
	}
	levels[count-1] = upper
	return levels, nil
}

// BuildLevels generates the level ladder for cfg. All fill flags start clear.
func BuildLevels(cfg storage.GridConfig) ([]storage.GridLevel, error) {
	var (
		prices []decimal.Decimal
		err    error
	)
	switch cfg.GridType {
	case storage.GridArithmetic, "":
		prices, err = ArithmeticLevels(cfg.LowerPrice, cfg.UpperPrice, cfg.GridCount)
	case storage.GridGeometric:
		prices, err = GeometricLevels(cfg.LowerPrice, cfg.UpperPrice, cfg.GridCount)
	default:
		return nil, fmt.Errorf("unknown grid type %q", cfg.GridType)
	}
	if err != nil {
		return nil, err
	}
	levels := make([]storage.GridLevel, len(prices))
	for i, p := range prices {
		levels[i] = storage.GridLevel{Index: i, Price: p, BuyPrice: decimal.Zero, Quantity: decimal.Zero}
	}
	return levels, nil
}

// PerGridAmount splits the investment across the count-1 buy levels.
func PerGridAmount(total decimal.Decimal, count int) decimal.Decimal {
	if count < minGridCount {
		return decimal.Zero
	}
	return total.DivRound(decimal.NewFromInt(int64(count-1)), priceScale)
}

// InitialBuys lists the levels that start holding inventory when the grid is
// first started at price. Level i carries the inventory for the sell at i+1,
// so only levels whose sell sits above the start price qualify. Long takes
// all of them, neutral the half nearest the start price, short none.
func InitialBuys(cfg storage.GridConfig, start decimal.Decimal) []int {
	if cfg.Strategy == storage.GridShort || len(cfg.Levels) < minGridCount {
		return nil
	}
	var eligible []int
	for i := 0; i < len(cfg.Levels)-1; i++ {
		if cfg.Levels[i+1].Price.GreaterThan(start) {
			eligible = append(eligible, i)
		}
	}
	if cfg.Strategy == storage.GridLong {
		return eligible
	}
	// eligible is ascending so the nearest levels come first.
	half := (len(eligible) + 1) / 2
	return eligible[:half]
}

type GridSignal struct {
	Side     storage.Side
	Level    int
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// GridSignals returns the fills a move from last to price produces. A held
// level sells once price reaches the next level up. An empty level buys only
// when price crosses down through it, so a fresh grid does not sweep every
// level above the market on its first tick. Sells come first.
func GridSignals(cfg storage.GridConfig, last, price decimal.Decimal) []GridSignal {
	var sells, buys []GridSignal
	n := len(cfg.Levels)
	for i := 0; i < n-1; i++ {
		lvl := cfg.Levels[i]
		next := cfg.Levels[i+1]
		if lvl.BuyFilled {
			if price.GreaterThanOrEqual(next.Price) {
				sells = append(sells, GridSignal{Side: storage.SideSell, Level: i, Price: next.Price, Quantity: lvl.Quantity})
			}
			continue
		}
		if last.IsPositive() && price.LessThanOrEqual(lvl.Price) && last.GreaterThan(lvl.Price) {
			buys = append(buys, GridSignal{Side: storage.SideBuy, Level: i, Price: lvl.Price})
		}
	}
	// Buy the highest crossed level first.
	sort.Slice(buys, func(a, b int) bool { return buys[a].Level > buys[b].Level })
	return append(sells, buys...)
}

// CycleProfit is (sell-buy)*qty less the fee charged on both legs.
func CycleProfit(buyPrice, sellPrice, qty, feeRate decimal.Decimal) decimal.Decimal {
	gross := sellPrice.Sub(buyPrice).Mul(qty)
	fees := buyPrice.Mul(qty).Add(sellPrice.Mul(qty)).Mul(feeRate)
	return gross.Sub(fees).Round(priceScale)
}

// GridFloatingPnL marks every held level at price.
func GridFloatingPnL(cfg storage.GridConfig, price decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, lvl := range cfg.Levels {
		if lvl.BuyFilled {
			total = total.Add(price.Sub(lvl.BuyPrice).Mul(lvl.Quantity))
		}
	}
	return total.Round(priceScale)
}

// FillGridBuy marks level i as holding qty bought at price.
func FillGridBuy(cfg *storage.GridConfig, i int, price, qty decimal.Decimal) {
	lvl := &cfg.Levels[i]
	lvl.BuyFilled = true
	lvl.SellFilled = false
	lvl.BuyPrice = price
	lvl.Quantity = qty
}

// FillGridSell books the cycle for level i and re-arms its buy. It returns
// the profit booked.
func FillGridSell(cfg *storage.GridConfig, i int, sellPrice, qty, feeRate decimal.Decimal) decimal.Decimal {
	lvl := &cfg.Levels[i]
	profit := CycleProfit(lvl.BuyPrice, sellPrice, qty, feeRate)
	cfg.GridProfit = cfg.GridProfit.Add(profit)
	cfg.CompletedCycles++
	lvl.BuyFilled = false
	lvl.SellFilled = true
	lvl.BuyPrice = decimal.Zero
	lvl.Quantity = decimal.Zero
	return profit
}
