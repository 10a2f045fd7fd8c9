package luabridge

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/pion/sdp/v3"
	lua "github.com/yuin/gopher-lua"

	"github.com/GSByeon/janus-gateway/pkg/plugin"
)

// Метаданные плагина.
const (
	PluginVersion       = 1
	PluginVersionString = "0.1.0"
	PluginDescription   = "Мост прикладной логики на Lua поверх медиа-шлюза"
	PluginName          = "Janus Lua plugin"
	PluginAuthor        = "Janus Gateway community"
	PluginPackage       = "janus.plugin.lua"
)

// Bridge связывает callbacks ядра со скриптом логики: реестр сессий,
// движок с одним интерпретатором, планировщик корутин, асинхронный
// диспетчер и ретрансляция медиа.
type Bridge struct {
	cfg     Config
	gateway plugin.Gateway
	metrics *bridgeMetrics

	initialized int32
	stopping    int32

	engine     *engine
	registry   *registry
	scheduler  *scheduler
	dispatcher *dispatcher
}

var _ plugin.Plugin = (*Bridge)(nil)

// New создает мост с указанной конфигурацией. Скрипт загружается
// позже, в Init.
func New(cfg Config) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Bridge{
		cfg:     cfg,
		metrics: newBridgeMetrics(cfg.MetricsRegistry),
	}, nil
}

func (b *Bridge) isInitialized() bool {
	return atomic.LoadInt32(&b.initialized) == 1
}

func (b *Bridge) isStopping() bool {
	return atomic.LoadInt32(&b.stopping) == 1
}

// Init загружает скрипт, вызывает его init и запускает планировщик.
func (b *Bridge) Init(gw plugin.Gateway) error {
	if b.isStopping() {
		return NewBridgeError(ErrorCodeShuttingDown, "мост еще останавливается")
	}
	if b.isInitialized() {
		return NewBridgeError(ErrorCodeAlreadyInitialized, "мост уже инициализирован")
	}
	if gw == nil {
		return NewBridgeError(ErrorCodeInvalidConfig, "gateway равен nil")
	}

	b.gateway = gw
	b.registry = newRegistry(b.metrics)
	b.dispatcher = newDispatcher(b.runAsyncEvent, b.metrics)
	b.scheduler = newScheduler(b.resumeCoroutines, b.metrics)

	eng, err := newEngine(b.cfg, b.methodTable(), b.metrics)
	if err != nil {
		return err
	}
	b.engine = eng

	initArg := lua.LValue(lua.LNil)
	if b.cfg.ScriptConfig != "" {
		initArg = lua.LString(b.cfg.ScriptConfig)
	}
	if err := b.engine.invoke("init", initArg); err != nil {
		b.engine.close()
		return err
	}

	if err := b.scheduler.start(); err != nil {
		b.engine.close()
		return err
	}

	atomic.StoreInt32(&b.initialized, 1)
	slog.Info("luabridge.Bridge Started", slog.String("script", b.cfg.ScriptPath))
	return nil
}

// Destroy останавливает мост: планировщик, диспетчер, деинициализация
// скрипта, реестр, интерпретатор. Новые вызовы движка блокируются
// флагом stopping с самого начала остановки.
func (b *Bridge) Destroy() {
	if !b.isInitialized() {
		return
	}
	atomic.StoreInt32(&b.stopping, 1)

	if err := b.scheduler.stop(); err != nil {
		slog.Error("luabridge.Bridge scheduler stop", slog.Any("error", err))
	}
	b.dispatcher.close()

	if err := b.engine.invoke("destroy"); err != nil {
		slog.Error("luabridge.Bridge script destroy", slog.Any("error", err))
	}

	b.registry.closeAll()
	b.engine.close()

	atomic.StoreInt32(&b.initialized, 0)
	atomic.StoreInt32(&b.stopping, 0)
	slog.Info("luabridge.Bridge Stopped")
}

// resumeCoroutines - resume-колбэк планировщика.
func (b *Bridge) resumeCoroutines() {
	if b.isStopping() {
		return
	}
	if err := b.engine.invoke("resumeScheduler"); err != nil {
		slog.Error("luabridge.Bridge resumeScheduler", slog.Any("error", err))
	}
}

// runAsyncEvent выполняет одно действие диспетчера.
func (b *Bridge) runAsyncEvent(ev *asyncEvent) {
	switch ev.kind {
	case asyncPushEvent:
		var jsep json.RawMessage
		if ev.jsep != "" {
			jsep = json.RawMessage(ev.jsep)
		}
		err := b.gateway.PushEvent(ev.session.handle, PluginPackage, ev.transaction,
			json.RawMessage(ev.event), jsep)
		if err != nil {
			slog.Error("luabridge.Bridge async pushEvent",
				slog.Uint64("session", uint64(ev.session.id)),
				slog.Any("error", err))
		}
	case asyncClosePC:
		b.gateway.ClosePC(ev.session.handle)
	}
}

// Метаданные.

func (b *Bridge) GetAPICompatibility() int { return plugin.APIVersion }
func (b *Bridge) GetVersion() int          { return PluginVersion }
func (b *Bridge) GetVersionString() string { return PluginVersionString }
func (b *Bridge) GetDescription() string   { return PluginDescription }
func (b *Bridge) GetName() string          { return PluginName }
func (b *Bridge) GetAuthor() string        { return PluginAuthor }
func (b *Bridge) GetPackage() string       { return PluginPackage }

// CreateSession регистрирует сессию и уведомляет скрипт. Если скрипт
// падает на createSession, регистрация откатывается.
func (b *Bridge) CreateSession(h *plugin.HandleSession) error {
	if b.isStopping() || !b.isInitialized() {
		return NewBridgeError(ErrorCodeNotInitialized, "мост не готов")
	}
	s, err := b.registry.create(h)
	if err != nil {
		return err
	}
	if b.cfg.DefaultPLIInterval > 0 {
		s.setPLIInterval(b.cfg.DefaultPLIInterval)
	}
	if err := b.engine.invoke("createSession", lua.LNumber(s.id)); err != nil {
		slog.Error("luabridge.Bridge script createSession",
			slog.Uint64("session", uint64(s.id)),
			slog.Any("error", err))
		if _, derr := b.registry.destroy(h); derr != nil {
			slog.Error("luabridge.Bridge rollback createSession", slog.Any("error", derr))
		}
		return err
	}
	return nil
}

// DestroySession снимает handle-запись, выполняет destroyed-переход и
// уведомляет скрипт.
func (b *Bridge) DestroySession(h *plugin.HandleSession) error {
	if b.isStopping() || !b.isInitialized() {
		return NewBridgeError(ErrorCodeNotInitialized, "мост не готов")
	}
	id, err := b.registry.destroy(h)
	if err != nil {
		return err
	}
	if err := b.engine.invoke("destroySession", lua.LNumber(id)); err != nil {
		slog.Error("luabridge.Bridge script destroySession",
			slog.Uint64("session", uint64(id)),
			slog.Any("error", err))
	}
	return nil
}

// QuerySession возвращает JSON-состояние сессии по версии скрипта.
func (b *Bridge) QuerySession(h *plugin.HandleSession) (json.RawMessage, error) {
	if b.isStopping() || !b.isInitialized() {
		return nil, NewBridgeError(ErrorCodeNotInitialized, "мост не готов")
	}
	s, ok := b.registry.lookupHandle(h)
	if !ok {
		return nil, NewBridgeError(ErrorCodeSessionNotFound, "handle не привязан к сессии")
	}
	defer s.unref()

	info, err := b.engine.invokeString("querySession", lua.LNumber(s.id))
	if err != nil {
		return nil, err
	}
	if !isJSONContainer(info) {
		return nil, NewSessionError(ErrorCodeBadJSON, s.id, "querySession вернула не-JSON ответ")
	}
	return json.RawMessage(info), nil
}

// HandleMessage передает сигнальное сообщение скрипту и трактует пару
// (статус, ответ): отрицательный статус - ошибка, ноль - синхронный
// JSON-ответ, положительный - обработка продолжится асинхронно.
func (b *Bridge) HandleMessage(h *plugin.HandleSession, transaction string, message, jsep json.RawMessage) *plugin.Result {
	if b.isStopping() {
		return plugin.NewErrorResult("Shutting down")
	}
	if !b.isInitialized() {
		return plugin.NewErrorResult("Plugin not initialized")
	}
	s, ok := b.registry.lookupHandle(h)
	if !ok {
		return plugin.NewErrorResult("No session associated with this handle")
	}
	defer s.unref()

	args := []lua.LValue{
		lua.LNumber(s.id),
		luaStringOrNil(transaction),
		luaRawOrNil(message),
		luaRawOrNil(jsep),
	}
	status, response, err := b.engine.invokeStatus("handleMessage", args...)
	if err != nil {
		slog.Error("luabridge.Bridge handleMessage",
			slog.Uint64("session", uint64(s.id)),
			slog.Any("error", err))
		return plugin.NewErrorResult("Lua error")
	}

	switch {
	case status < 0:
		if response == "" {
			response = "Lua error"
		}
		return plugin.NewErrorResult(response)
	case status == 0:
		if !isJSONContainer(response) {
			slog.Error("luabridge.Bridge handleMessage non-JSON response",
				slog.Uint64("session", uint64(s.id)))
			return plugin.NewErrorResult("Lua error")
		}
		return plugin.NewSuccessResult(json.RawMessage(response))
	default:
		return plugin.NewDeferredResult("")
	}
}

// SetupMedia отмечает подъем медиа-пути и уведомляет скрипт.
func (b *Bridge) SetupMedia(h *plugin.HandleSession) {
	if b.isStopping() || !b.isInitialized() {
		return
	}
	s, ok := b.registry.lookupHandle(h)
	if !ok {
		slog.Error("luabridge.Bridge setupMedia: сессия не найдена")
		return
	}
	defer s.unref()
	if s.isDestroyed() {
		return
	}

	s.mediaUp()
	if err := b.engine.invoke("setupMedia", lua.LNumber(s.id)); err != nil {
		slog.Error("luabridge.Bridge script setupMedia",
			slog.Uint64("session", uint64(s.id)),
			slog.Any("error", err))
	}
}

// HangupMedia обрабатывает разрыв медиа-пути: одноразовый переход,
// сброс политики и continuity-состояния, снятие ребер получателей с
// парными ссылками, затем уведомление скрипта.
func (b *Bridge) HangupMedia(h *plugin.HandleSession) {
	if b.isStopping() || !b.isInitialized() {
		return
	}
	s, ok := b.registry.lookupHandle(h)
	if !ok {
		slog.Error("luabridge.Bridge hangupMedia: сессия не найдена")
		return
	}
	defer s.unref()
	if s.isDestroyed() {
		return
	}
	if !s.beginHangup() {
		return
	}

	s.mediaDown()
	for _, r := range s.drainRecipients() {
		s.unref()
		r.unref()
	}

	if err := b.engine.invoke("hangupMedia", lua.LNumber(s.id)); err != nil {
		slog.Error("luabridge.Bridge script hangupMedia",
			slog.Uint64("session", uint64(s.id)),
			slog.Any("error", err))
	}
}

// SlowLink уведомляет скрипт о деградации канала, если скрипт
// определил соответствующий обработчик.
func (b *Bridge) SlowLink(h *plugin.HandleSession, uplink, video bool) {
	s, ok := b.lookupMedia(h)
	if !ok {
		return
	}
	defer s.unref()
	if !b.engine.hasSlowLink {
		return
	}
	if err := b.engine.invoke("slowLink",
		lua.LNumber(s.id), lua.LBool(uplink), lua.LBool(video)); err != nil {
		slog.Error("luabridge.Bridge script slowLink",
			slog.Uint64("session", uint64(s.id)),
			slog.Any("error", err))
	}
}

// luaStringOrNil переводит пустую строку в nil по соглашению скрипта.
func luaStringOrNil(s string) lua.LValue {
	if s == "" {
		return lua.LNil
	}
	return lua.LString(s)
}

// luaRawOrNil переводит отсутствующий JSON в nil.
func luaRawOrNil(raw json.RawMessage) lua.LValue {
	if len(raw) == 0 {
		return lua.LNil
	}
	return lua.LString(string(raw))
}

// isJSONContainer проверяет, что строка - валидный JSON-объект или
// массив. Скалярные значения верхнего уровня не принимаются.
func isJSONContainer(s string) bool {
	t := strings.TrimSpace(s)
	if t == "" || (t[0] != '{' && t[0] != '[') {
		return false
	}
	return json.Valid([]byte(t))
}

// validateJSEP проверяет форму JSEP: JSON-объект, а если в нем есть
// поле sdp, оно должно разбираться как session description.
func validateJSEP(jsepText string) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(jsepText), &obj); err != nil {
		return WrapError(ErrorCodeBadJSEP, "JSEP не является JSON-объектом", err)
	}
	raw, ok := obj["sdp"]
	if !ok {
		return nil
	}
	var sdpText string
	if err := json.Unmarshal(raw, &sdpText); err != nil {
		return WrapError(ErrorCodeBadJSEP, "поле sdp не является строкой", err)
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(sdpText)); err != nil {
		return WrapError(ErrorCodeBadJSEP, "SDP не разбирается", err)
	}
	return nil
}
