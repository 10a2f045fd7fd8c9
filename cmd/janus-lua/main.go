package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	pionrtp "github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GSByeon/janus-gateway/pkg/luabridge"
	"github.com/GSByeon/janus-gateway/pkg/plugin"
)

// consoleGateway - ядро-заглушка: печатает все, что плагин просит
// у ядра, вместо настоящих PeerConnection.
type consoleGateway struct{}

func (consoleGateway) PushEvent(h *plugin.HandleSession, pluginPackage, transaction string, event, jsep json.RawMessage) error {
	slog.Info("ядро: событие для клиента",
		slog.String("plugin", pluginPackage),
		slog.String("transaction", transaction),
		slog.String("event", string(event)),
		slog.Bool("jsep", jsep != nil))
	return nil
}

func (consoleGateway) RelayRTP(h *plugin.HandleSession, video bool, buf []byte) {
	slog.Debug("ядро: RTP к клиенту", slog.Bool("video", video), slog.Int("len", len(buf)))
}

func (consoleGateway) RelayRTCP(h *plugin.HandleSession, video bool, buf []byte) {
	slog.Debug("ядро: RTCP к клиенту", slog.Bool("video", video), slog.Int("len", len(buf)))
}

func (consoleGateway) RelayData(h *plugin.HandleSession, buf []byte) {
	slog.Info("ядро: data к клиенту", slog.String("text", string(buf)))
}

func (consoleGateway) ClosePC(h *plugin.HandleSession) {
	slog.Info("ядро: запрос на закрытие PeerConnection")
}

func (consoleGateway) EventsEnabled() bool { return true }

func (consoleGateway) NotifyEvent(h *plugin.HandleSession, event json.RawMessage) {
	slog.Info("ядро: событие мониторинга", slog.String("event", string(event)))
}

func main() {
	var (
		scriptPath  = flag.String("script", "examples/echotest.lua", "путь к скрипту логики")
		scriptDir   = flag.String("folder", "examples", "каталог модулей скрипта")
		configStr   = flag.String("config", "", "строка конфигурации для init()")
		metricsAddr = flag.String("metrics", "127.0.0.1:9091", "адрес экспорта метрик, пусто - выключено")
		compress    = flag.Bool("compress", false, "zstd-сжатие файлов записи")
		debug       = flag.Bool("debug", false, "подробные логи")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	registry := prometheus.NewRegistry()
	cfg := luabridge.DefaultConfig()
	cfg.ScriptPath = *scriptPath
	cfg.ScriptFolder = *scriptDir
	cfg.ScriptConfig = *configStr
	cfg.CompressRecordings = *compress
	cfg.MetricsRegistry = registry

	bridge, err := luabridge.New(cfg)
	if err != nil {
		slog.Error("создание моста", slog.Any("error", err))
		os.Exit(1)
	}
	if err := bridge.Init(consoleGateway{}); err != nil {
		slog.Error("инициализация моста", slog.Any("error", err))
		os.Exit(1)
	}
	defer bridge.Destroy()

	slog.Info("плагин загружен",
		slog.String("name", bridge.GetName()),
		slog.String("version", bridge.GetVersionString()),
		slog.String("package", bridge.GetPackage()))

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("экспорт метрик", slog.Any("error", err))
			}
		}()
		defer func() { _ = srv.Shutdown(context.Background()) }()
		slog.Info("метрики доступны", slog.String("addr", *metricsAddr))
	}

	runDemo(bridge)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	slog.Info("демо завершено, Ctrl+C для выхода")
	<-sigCh
}

// runDemo прогоняет один эхо-сценарий: сессия, сообщение, подъем
// медиа, секунда синтетического аудио, опрос состояния, разрыв.
func runDemo(bridge *luabridge.Bridge) {
	h := &plugin.HandleSession{}
	if err := bridge.CreateSession(h); err != nil {
		slog.Error("создание сессии", slog.Any("error", err))
		return
	}

	res := bridge.HandleMessage(h, uuid.NewString(),
		json.RawMessage(`{"request":"echo"}`), nil)
	slog.Info("ответ скрипта",
		slog.String("type", res.Type.String()),
		slog.String("content", string(res.Content)))

	bridge.SetupMedia(h)

	for i := 0; i < 50; i++ {
		pkt := &pionrtp.Packet{
			Header: pionrtp.Header{
				Version:        2,
				PayloadType:    111,
				SequenceNumber: uint16(1000 + i),
				Timestamp:      uint32(160 * i),
				SSRC:           0xDEADBEEF,
			},
			Payload: make([]byte, 160),
		}
		buf, err := pkt.Marshal()
		if err != nil {
			slog.Error("сборка RTP", slog.Any("error", err))
			continue
		}
		bridge.IncomingRTP(h, false, buf)
	}

	bridge.IncomingData(h, []byte(`{"text":"привет"}`))

	if info, err := bridge.QuerySession(h); err == nil {
		slog.Info("состояние сессии", slog.String("info", string(info)))
	}

	bridge.HangupMedia(h)
	if err := bridge.DestroySession(h); err != nil {
		slog.Error("уничтожение сессии", slog.Any("error", err))
	}
}
