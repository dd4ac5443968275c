package patches

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ErrInvalidConfig 配置取值非法
var ErrInvalidConfig = errors.New("invalid patch config")

// Config：引擎参数，按值传递，运行期间不可变
type Config struct {
	ClusterDistanceKm float64
	TargetAreaKm2     float64
	MinErrorsPerPatch int
	// AreaTolerance 为面积上限系数：补丁面积 <= TargetAreaKm2 * AreaTolerance
	AreaTolerance float64
	MaxGridDepth  int
	// PadKm 退化点集（面积为 0）展示几何的外扩距离
	PadKm float64

	HardMinErrors    int
	MediumMinErrors  int
	HardMinDensity   float64
	MediumMinDensity float64

	CountryCode string
	CountryName string
	BatchID     int64
	// Now 生成时间戳，测试中可替换
	Now func() time.Time
}

// DefaultConfig：默认参数，取值与线上补丁规格一致
func DefaultConfig() Config {
	return Config{
		ClusterDistanceKm: 3.0,
		TargetAreaKm2:     15.0,
		MinErrorsPerPatch: 3,
		AreaTolerance:     1.2,
		MaxGridDepth:      3,
		PadKm:             1.0,
		HardMinErrors:     30,
		MediumMinErrors:   15,
		HardMinDensity:    5.0,
		MediumMinDensity:  2.0,
		CountryCode:       "KZ",
		CountryName:       "kazakhstan",
		Now:               time.Now,
	}
}

// ConfigFromEnv：在默认值基础上读取 PATCH_* / COUNTRY_* 环境变量
// 约束：解析失败或非正数时忽略并保留默认值
func ConfigFromEnv() Config {
	c := DefaultConfig()
	envFloat("PATCH_CLUSTER_DISTANCE_KM", &c.ClusterDistanceKm)
	envFloat("PATCH_TARGET_AREA_KM2", &c.TargetAreaKm2)
	envInt("PATCH_MIN_ERRORS", &c.MinErrorsPerPatch)
	envFloat("PATCH_AREA_TOLERANCE", &c.AreaTolerance)
	envInt("PATCH_MAX_DEPTH", &c.MaxGridDepth)
	envFloat("PATCH_PAD_KM", &c.PadKm)
	envInt("PATCH_HARD_MIN_ERRORS", &c.HardMinErrors)
	envInt("PATCH_MEDIUM_MIN_ERRORS", &c.MediumMinErrors)
	envFloat("PATCH_HARD_MIN_DENSITY", &c.HardMinDensity)
	envFloat("PATCH_MEDIUM_MIN_DENSITY", &c.MediumMinDensity)
	if v := os.Getenv("COUNTRY_CODE"); v != "" {
		c.CountryCode = v
	}
	if v := os.Getenv("COUNTRY_NAME"); v != "" {
		c.CountryName = v
	}
	return c
}

func envFloat(key string, dst *float64) {
	if s := os.Getenv(key); s != "" {
		if f, e := strconv.ParseFloat(s, 64); e == nil && f > 0 {
			*dst = f
		}
	}
}

func envInt(key string, dst *int) {
	if s := os.Getenv(key); s != "" {
		if n, e := strconv.Atoi(s); e == nil && n > 0 {
			*dst = n
		}
	}
}

// MaxAreaKm2：允许的补丁面积上限
func (c Config) MaxAreaKm2() float64 { return c.TargetAreaKm2 * c.AreaTolerance }

// Validate：检查参数取值
func (c Config) Validate() error {
	switch {
	case c.ClusterDistanceKm <= 0:
		return fmt.Errorf("%w: cluster distance %v", ErrInvalidConfig, c.ClusterDistanceKm)
	case c.TargetAreaKm2 <= 0:
		return fmt.Errorf("%w: target area %v", ErrInvalidConfig, c.TargetAreaKm2)
	case c.MinErrorsPerPatch < 1:
		return fmt.Errorf("%w: min errors %d", ErrInvalidConfig, c.MinErrorsPerPatch)
	case c.AreaTolerance < 1:
		return fmt.Errorf("%w: area tolerance %v", ErrInvalidConfig, c.AreaTolerance)
	case c.MaxGridDepth < 1:
		return fmt.Errorf("%w: max grid depth %d", ErrInvalidConfig, c.MaxGridDepth)
	case c.PadKm < 0:
		return fmt.Errorf("%w: pad %v", ErrInvalidConfig, c.PadKm)
	case c.MediumMinErrors > c.HardMinErrors || c.MediumMinDensity > c.HardMinDensity:
		return fmt.Errorf("%w: difficulty thresholds out of order", ErrInvalidConfig)
	}
	return nil
}

func (c Config) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}
