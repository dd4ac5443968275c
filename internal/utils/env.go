package utils

import (
	"os"
	"strconv"
	"time"
)

// EnvString / EnvInt / EnvFloat / EnvDuration：读取环境变量，缺失或解析失败时返回默认值
func EnvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func EnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func EnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// EnvDuration：按 unit 解释整数值，例如 EnvDuration("OSMOSE_REQUEST_DELAY_MS", 500, time.Millisecond)
func EnvDuration(key string, def int, unit time.Duration) time.Duration {
	return time.Duration(EnvInt(key, def)) * unit
}
