package config

import (
	"adaptive-risk-go/internal/models"
	"encoding/json"
	"os"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中。
// 文件中缺省的字段保留 DefaultConfig 给出的默认值。
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := models.DefaultConfig()
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(config); err != nil {
		return nil, err
	}

	return config, nil
}
