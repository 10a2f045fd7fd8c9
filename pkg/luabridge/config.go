package luabridge

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	lua "github.com/yuin/gopher-lua"
)

// Config определяет параметры моста.
type Config struct {
	// ScriptPath - путь к основному скрипту логики. Обязателен.
	ScriptPath string

	// ScriptFolder - каталог, добавляемый в package.path, чтобы скрипт
	// мог подгружать соседние модули через require. Опционален.
	ScriptFolder string

	// ScriptConfig - произвольная строка конфигурации, передаваемая
	// скрипту в init(). Может быть пустой.
	ScriptConfig string

	// DefaultPLIInterval - начальный период автоматической отправки PLI
	// для новых сессий. Ноль отключает авто-PLI до вызова setPliFreq из
	// скрипта. Разрыв медиа сбрасывает период сессии в ноль.
	DefaultPLIInterval time.Duration

	// CompressRecordings включает zstd-сжатие файлов записи.
	CompressRecordings bool

	// ExtraMethods - дополнительные функции, регистрируемые в движке до
	// загрузки скрипта. Ключ - глобальное имя в скрипте. Имена
	// встроенных методов переопределять нельзя.
	ExtraMethods map[string]lua.LGFunction

	// MetricsRegistry - реестр Prometheus для метрик моста.
	// nil означает отдельный приватный реестр.
	MetricsRegistry prometheus.Registerer
}

// DefaultConfig возвращает конфигурацию с настройками по умолчанию.
// ScriptPath необходимо заполнить перед использованием.
func DefaultConfig() Config {
	return Config{
		CompressRecordings: false,
	}
}

// Validate проверяет конфигурацию моста.
func (c Config) Validate() error {
	if c.ScriptPath == "" {
		return NewBridgeError(ErrorCodeInvalidConfig, "не указан путь к скрипту")
	}
	if c.DefaultPLIInterval < 0 {
		return NewBridgeError(ErrorCodeInvalidConfig, "отрицательный период PLI")
	}
	if _, err := os.Stat(c.ScriptPath); err != nil {
		return WrapError(ErrorCodeInvalidConfig,
			fmt.Sprintf("скрипт '%s' недоступен", c.ScriptPath), err)
	}
	if c.ScriptFolder != "" {
		st, err := os.Stat(c.ScriptFolder)
		if err != nil || !st.IsDir() {
			return NewBridgeError(ErrorCodeInvalidConfig,
				fmt.Sprintf("каталог скриптов '%s' недоступен", c.ScriptFolder))
		}
	}
	for name := range c.ExtraMethods {
		if builtinMethodNames[name] {
			return NewBridgeError(ErrorCodeInvalidConfig,
				fmt.Sprintf("имя '%s' занято встроенным методом", name))
		}
	}
	return nil
}
