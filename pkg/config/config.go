package config

import (
	"fmt"
	"log"
	"reflect"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// 配置文件搜索路径，按顺序查找 {service}.yaml
var searchPaths = []string{"./etc", "./config", "./apps/wallet/etc", "."}

// LoadAndWatch 读取配置并监听文件变更
// onChange 可为空；热更新成功后回调，方便调用方刷新运行时参数
func LoadAndWatch(service string, out interface{}, onChange ...func()) (*viper.Viper, error) {
	// .env 只是补充环境变量，不存在不报错
	if err := godotenv.Load(); err == nil {
		log.Printf("[%s] .env loaded", service)
	}

	v := viper.New()
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}

	// 环境变量覆盖，例如：
	//   WALLET_DB_DSN 覆盖 db.dsn
	//   WALLET_POOL_SECRET_KEY 覆盖 pool.secret_key
	v.SetEnvPrefix(strings.ToUpper(strings.ReplaceAll(service, "-", "_")))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(out, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, err
	}
	log.Printf("[%s] config loaded from %s", service, v.ConfigFileUsed())

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("[%s] config file changed: %s", service, e.Name)
		if err := v.Unmarshal(out, viper.DecodeHook(DecodeHook())); err != nil {
			log.Printf("[%s] reload config error: %v", service, err)
			return
		}
		for _, fn := range onChange {
			fn()
		}
		log.Printf("[%s] config reloaded OK", service)
	})

	return v, nil
}

// Load 只读取一次，不监听（测试和一次性命令使用）
func Load(path string, out interface{}) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	return v.Unmarshal(out, viper.DecodeHook(DecodeHook()))
}

// DecodeHook viper 默认的 duration / 逗号切片 + decimal
// 金额在 yaml 里写成字符串，避免 float 精度
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		decimalHook,
	)
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

func decimalHook(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(strings.TrimSpace(v))
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case decimal.Decimal:
		return v, nil
	}
	return nil, fmt.Errorf("cannot decode %T into decimal", data)
}
