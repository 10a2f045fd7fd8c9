package luabridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// bridgeMetrics - счетчики Prometheus моста. Каждый экземпляр Bridge
// держит собственный набор, зарегистрированный в реестре из Config.
type bridgeMetrics struct {
	sessionsCreated   prometheus.Counter
	sessionsDestroyed prometheus.Counter
	sessionsActive    prometheus.Gauge

	engineCalls  *prometheus.CounterVec
	engineErrors *prometheus.CounterVec

	schedulerPokes   prometheus.Counter
	schedulerResumes prometheus.Counter

	asyncDispatched *prometheus.CounterVec
	asyncRejected   prometheus.Counter

	packetsRelayed *prometheus.CounterVec
	pliSent        prometheus.Counter
	rembSent       prometheus.Counter

	recordingsActive prometheus.Gauge
}

// newBridgeMetrics регистрирует метрики моста в указанном реестре.
func newBridgeMetrics(reg prometheus.Registerer) *bridgeMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &bridgeMetrics{
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "janus",
			Subsystem: "lua",
			Name:      "sessions_created_total",
			Help:      "Общее количество созданных сессий",
		}),
		sessionsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "janus",
			Subsystem: "lua",
			Name:      "sessions_destroyed_total",
			Help:      "Общее количество уничтоженных сессий",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "janus",
			Subsystem: "lua",
			Name:      "sessions_active",
			Help:      "Текущее количество живых сессий",
		}),
		engineCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "janus",
			Subsystem: "lua",
			Name:      "engine_calls_total",
			Help:      "Вызовы entry points скрипта по именам",
		}, []string{"entry"}),
		engineErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "janus",
			Subsystem: "lua",
			Name:      "engine_errors_total",
			Help:      "Ошибки вызовов entry points скрипта по именам",
		}, []string{"entry"}),
		schedulerPokes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "janus",
			Subsystem: "lua",
			Name:      "scheduler_pokes_total",
			Help:      "Запросы пробуждения планировщика из скрипта",
		}),
		schedulerResumes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "janus",
			Subsystem: "lua",
			Name:      "scheduler_resumes_total",
			Help:      "Фактические вызовы resumeScheduler",
		}),
		asyncDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "janus",
			Subsystem: "lua",
			Name:      "async_events_total",
			Help:      "Асинхронные действия по типам",
		}, []string{"type"}),
		asyncRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "janus",
			Subsystem: "lua",
			Name:      "async_rejected_total",
			Help:      "Асинхронные действия, отвергнутые диспетчером",
		}),
		packetsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "janus",
			Subsystem: "lua",
			Name:      "packets_relayed_total",
			Help:      "Ретранслированные пакеты по типам медиа",
		}, []string{"medium"}),
		pliSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "janus",
			Subsystem: "lua",
			Name:      "pli_sent_total",
			Help:      "Отправленные PLI",
		}),
		rembSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "janus",
			Subsystem: "lua",
			Name:      "remb_sent_total",
			Help:      "Отправленные REMB",
		}),
		recordingsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "janus",
			Subsystem: "lua",
			Name:      "recordings_active",
			Help:      "Текущее количество открытых файлов записи",
		}),
	}
}
