package ingest

import (
	"adaptive-risk-go/internal/models"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
)

// TradeImporter 从币安账户成交历史回填 TradeOutcome 记录。
// 实盘的执行层是外部协作方；这里只做离线导入，用于重放和冷启动校准。
type TradeImporter struct {
	client *futures.Client
}

// NewTradeImporter 创建一个新的导入器实例。读取账户成交需要API Key。
func NewTradeImporter(apiKey, secretKey string) *TradeImporter {
	return &TradeImporter{
		client: binance.NewFuturesClient(apiKey, secretKey),
	}
}

// FetchOutcomes 拉取指定交易对和时间范围内的账户成交，并将带已实现盈亏的
// 平仓成交转换为 TradeOutcome 记录。
func (i *TradeImporter) FetchOutcomes(symbol string, startTime, endTime time.Time) ([]models.TradeOutcome, error) {
	var outcomes []models.TradeOutcome

	for t := startTime; t.Before(endTime); {
		trades, err := i.client.NewListAccountTradeService().
			Symbol(symbol).
			StartTime(t.UnixMilli()).
			Limit(1000). // 币安单次请求最多1000条
			Do(context.Background())
		if err != nil {
			return nil, fmt.Errorf("拉取账户成交失败: %w", err)
		}
		if len(trades) == 0 {
			break
		}

		for _, trade := range trades {
			if trade.Time > endTime.UnixMilli() {
				return outcomes, nil
			}
			pnl, _ := strconv.ParseFloat(trade.RealizedPnl, 64)
			if pnl == 0 {
				continue // 开仓成交没有已实现盈亏，跳过
			}
			outcomes = append(outcomes, convertTrade(trade, pnl))
		}

		t = time.UnixMilli(trades[len(trades)-1].Time + 1)
		time.Sleep(200 * time.Millisecond) // 避免过于频繁的请求
	}

	return outcomes, nil
}

// convertTrade 将一条平仓成交转换为结果记录。成交流里没有开仓时间、
// 置信度等字段，导入记录只携带可以核实的部分，其余留零值。
func convertTrade(trade *futures.AccountTrade, pnl float64) models.TradeOutcome {
	price, _ := strconv.ParseFloat(trade.Price, 64)
	qty, _ := strconv.ParseFloat(trade.Quantity, 64)
	fees, _ := strconv.ParseFloat(trade.Commission, 64)

	// 卖出平多，买入平空
	side := models.Long
	if trade.Side == futures.SideTypeBuy {
		side = models.Short
	}

	notional := price * qty
	roe := 0.0
	if notional > 0 {
		roe = pnl / notional * 100
	}

	o := models.TradeOutcome{
		Timestamp:   time.UnixMilli(trade.Time),
		Symbol:      trade.Symbol,
		Side:        side,
		ExitPrice:   price,
		ExitTime:    time.UnixMilli(trade.Time),
		Size:        qty,
		Margin:      notional,
		CloseReason: "IMPORTED",
		ROEPct:      roe,
		PnL:         pnl,
		Win:         pnl > 0,
		Fees:        fees,
	}
	o.Normalize()
	return o
}
