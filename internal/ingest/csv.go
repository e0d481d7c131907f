package ingest

import (
	"adaptive-risk-go/internal/models"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

var csvHeader = []string{
	"id", "timestamp", "symbol", "side", "timeframe", "cluster",
	"raw_confidence", "entry_price", "exit_price", "size", "margin",
	"duration_seconds", "close_reason", "roe_pct", "pnl", "win",
	"stop_hit", "target_hit", "fees", "slippage", "mfe_bp", "mae_bp",
}

// WriteOutcomesCSV 将结果记录写入CSV文件，供重放模式使用。
func WriteOutcomesCSV(filePath string, outcomes []models.TradeOutcome) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %w", dir, err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", filePath, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("写入CSV表头失败: %w", err)
	}

	for _, o := range outcomes {
		record := []string{
			o.ID,
			strconv.FormatInt(o.Timestamp.UnixMilli(), 10),
			o.Symbol,
			string(o.Side),
			o.Timeframe,
			o.Cluster,
			formatFloat(o.RawConfidence),
			formatFloat(o.EntryPrice),
			formatFloat(o.ExitPrice),
			formatFloat(o.Size),
			formatFloat(o.Margin),
			formatFloat(o.DurationSeconds),
			o.CloseReason,
			formatFloat(o.ROEPct),
			formatFloat(o.PnL),
			formatBool(o.Win),
			formatBool(o.StopHit),
			formatBool(o.TargetHit),
			formatFloat(o.Fees),
			formatFloat(o.Slippage),
			formatFloat(o.MFEBp),
			formatFloat(o.MAEBp),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("写入CSV记录失败: %w", err)
		}
	}
	return nil
}

// ReadOutcomesCSV 从CSV文件读取结果记录。无法解析的行会被跳过而不是中断。
func ReadOutcomesCSV(filePath string) ([]models.TradeOutcome, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("无法打开结果文件 %s: %w", filePath, err)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("无法读取CSV记录: %w", err)
	}
	if len(records) <= 1 {
		return nil, nil // 只有表头或空文件
	}

	var outcomes []models.TradeOutcome
	for _, record := range records[1:] {
		if len(record) < len(csvHeader) {
			continue
		}
		tsMs, err := strconv.ParseInt(record[1], 10, 64)
		if err != nil {
			continue
		}
		o := models.TradeOutcome{
			ID:              record[0],
			Timestamp:       time.UnixMilli(tsMs),
			Symbol:          record[2],
			Side:            models.Side(record[3]),
			Timeframe:       record[4],
			Cluster:         record[5],
			RawConfidence:   parseFloat(record[6]),
			EntryPrice:      parseFloat(record[7]),
			ExitPrice:       parseFloat(record[8]),
			Size:            parseFloat(record[9]),
			Margin:          parseFloat(record[10]),
			DurationSeconds: parseFloat(record[11]),
			CloseReason:     record[12],
			ROEPct:          parseFloat(record[13]),
			PnL:             parseFloat(record[14]),
			Win:             record[15] == "1",
			StopHit:         record[16] == "1",
			TargetHit:       record[17] == "1",
			Fees:            parseFloat(record[18]),
			Slippage:        parseFloat(record[19]),
			MFEBp:           parseFloat(record[20]),
			MAEBp:           parseFloat(record[21]),
		}
		o.Normalize()
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
