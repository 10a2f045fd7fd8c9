package luabridge

import (
	"encoding/json"
	"log/slog"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/GSByeon/janus-gateway/pkg/plugin"
	"github.com/GSByeon/janus-gateway/pkg/rtp"
)

// builtinMethodNames - имена встроенных примитивов. Config.Validate
// не дает дополнительным методам затенять их.
var builtinMethodNames = map[string]bool{
	"pokeScheduler":   true,
	"pushEvent":       true,
	"notifyEvent":     true,
	"closePc":         true,
	"configureMedium": true,
	"addRecipient":    true,
	"removeRecipient": true,
	"setBitrate":      true,
	"setPliFreq":      true,
	"sendPli":         true,
	"relayRtp":        true,
	"relayRtcp":       true,
	"relayData":       true,
	"startRecording":  true,
	"stopRecording":   true,
}

// methodTable собирает примитивы, регистрируемые в интерпретаторе.
// Каждый возвращает скрипту один числовой статус: 0 при успехе,
// отрицательное значение при ошибке.
func (b *Bridge) methodTable() map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"pokeScheduler":   b.methodPokeScheduler,
		"pushEvent":       b.methodPushEvent,
		"notifyEvent":     b.methodNotifyEvent,
		"closePc":         b.methodClosePC,
		"configureMedium": b.methodConfigureMedium,
		"addRecipient":    b.methodAddRecipient,
		"removeRecipient": b.methodRemoveRecipient,
		"setBitrate":      b.methodSetBitrate,
		"setPliFreq":      b.methodSetPLIFreq,
		"sendPli":         b.methodSendPLI,
		"relayRtp":        b.methodRelayRTP,
		"relayRtcp":       b.methodRelayRTCP,
		"relayData":       b.methodRelayData,
		"startRecording":  b.methodStartRecording,
		"stopRecording":   b.methodStopRecording,
	}
}

func pushStatus(l *lua.LState, status int) int {
	l.Push(lua.LNumber(status))
	return 1
}

func wrongArgCount(method string, got, want int) {
	slog.Error("luabridge."+method+" неверное число аргументов",
		slog.Int("got", got), slog.Int("want", want))
}

// pokeScheduler() - просьба скрипта возобновить корутины вне текущего
// вызова движка.
func (b *Bridge) methodPokeScheduler(l *lua.LState) int {
	b.scheduler.poke()
	return pushStatus(l, 0)
}

// pushEvent(id, transaction, event, jsep) - доставка события в ядро.
// С jsep доставка уходит в диспетчер, без него выполняется на месте.
func (b *Bridge) methodPushEvent(l *lua.LState) int {
	if n := l.GetTop(); n != 4 {
		wrongArgCount("pushEvent", n, 4)
		return pushStatus(l, -1)
	}
	id := uint32(l.ToInt64(1))
	transaction := l.ToString(2)
	eventText := l.ToString(3)
	jsepAbsent := l.Get(4).Type() == lua.LTNil
	jsepText := l.ToString(4)

	if !isJSONContainer(eventText) {
		slog.Error("luabridge.pushEvent событие не является JSON",
			slog.Uint64("session", uint64(id)))
		return pushStatus(l, -1)
	}
	if !jsepAbsent {
		if err := validateJSEP(jsepText); err != nil {
			slog.Error("luabridge.pushEvent некорректный JSEP",
				slog.Uint64("session", uint64(id)),
				slog.Any("error", err))
			return pushStatus(l, -1)
		}
	}

	s, ok := b.registry.lookupLiveID(id)
	if !ok {
		return pushStatus(l, -1)
	}

	if !jsepAbsent {
		// Ссылка на сессию переходит к событию, worker снимет ее.
		ev := &asyncEvent{
			session:     s,
			kind:        asyncPushEvent,
			transaction: transaction,
			event:       eventText,
			jsep:        jsepText,
		}
		if err := b.dispatcher.dispatch(ev); err != nil {
			s.unref()
			slog.Error("luabridge.pushEvent диспетчер отверг событие",
				slog.Uint64("session", uint64(id)),
				slog.Any("error", err))
			return pushStatus(l, -1)
		}
		return pushStatus(l, 0)
	}

	err := b.gateway.PushEvent(s.handle, PluginPackage, transaction,
		json.RawMessage(eventText), nil)
	s.unref()
	if err != nil {
		slog.Error("luabridge.pushEvent доставка не удалась",
			slog.Uint64("session", uint64(id)),
			slog.Any("error", err))
		return pushStatus(l, -1)
	}
	return pushStatus(l, 0)
}

// notifyEvent(id, event) - событие для шины мониторинга. Сессия
// необязательна: событие уходит и от умирающей сессии.
func (b *Bridge) methodNotifyEvent(l *lua.LState) int {
	if n := l.GetTop(); n != 2 {
		wrongArgCount("notifyEvent", n, 2)
		return pushStatus(l, -1)
	}
	id := uint32(l.ToInt64(1))
	eventText := l.ToString(2)
	if !isJSONContainer(eventText) {
		slog.Error("luabridge.notifyEvent событие не является JSON",
			slog.Uint64("session", uint64(id)))
		return pushStatus(l, -1)
	}

	s, _ := b.registry.lookupID(id)
	var handle *plugin.HandleSession
	if s != nil {
		handle = s.handle
	}
	if b.gateway.EventsEnabled() {
		b.gateway.NotifyEvent(handle, json.RawMessage(eventText))
	}
	if s != nil {
		s.unref()
	}
	return pushStatus(l, 0)
}

// closePc(id) - запрос на закрытие PeerConnection. Всегда уходит в
// диспетчер: ядро синхронно дергает hangup-путь моста, и вызов из-под
// блокировки движка завис бы.
func (b *Bridge) methodClosePC(l *lua.LState) int {
	if n := l.GetTop(); n != 1 {
		wrongArgCount("closePc", n, 1)
		return pushStatus(l, -1)
	}
	id := uint32(l.ToInt64(1))

	s, ok := b.registry.lookupLiveID(id)
	if !ok {
		return pushStatus(l, -1)
	}
	ev := &asyncEvent{session: s, kind: asyncClosePC}
	if err := b.dispatcher.dispatch(ev); err != nil {
		s.unref()
		slog.Error("luabridge.closePc диспетчер отверг событие",
			slog.Uint64("session", uint64(id)),
			slog.Any("error", err))
		return pushStatus(l, -1)
	}
	return pushStatus(l, 0)
}

// configureMedium(id, medium, direction, enabled) - переключение
// флагов приема и отправки. Неизвестный medium молча игнорируется.
func (b *Bridge) methodConfigureMedium(l *lua.LState) int {
	if n := l.GetTop(); n != 4 {
		wrongArgCount("configureMedium", n, 4)
		return pushStatus(l, -1)
	}
	id := uint32(l.ToInt64(1))
	medium := l.ToString(2)
	direction := l.ToString(3)
	enabled := lua.LVAsBool(l.Get(4))

	s, ok := b.registry.lookupLiveID(id)
	if !ok {
		return pushStatus(l, -1)
	}
	s.configureMedium(medium, direction, enabled)
	s.unref()
	return pushStatus(l, 0)
}

// addRecipient(id, recipientId) - подписка получателя на медиа
// отправителя. Повторная подписка не накапливает ссылок.
func (b *Bridge) methodAddRecipient(l *lua.LState) int {
	if n := l.GetTop(); n != 2 {
		wrongArgCount("addRecipient", n, 2)
		return pushStatus(l, -1)
	}
	id := uint32(l.ToInt64(1))
	rid := uint32(l.ToInt64(2))

	s, ok := b.registry.lookupLiveID(id)
	if !ok {
		return pushStatus(l, -1)
	}
	r, ok := b.registry.lookupLiveID(rid)
	if !ok {
		s.unref()
		return pushStatus(l, -1)
	}

	s.attachRecipient(r)
	r.unref()
	s.unref()
	return pushStatus(l, 0)
}

// removeRecipient(id, recipientId) - снятие подписки. Работает и для
// сессий, уже помеченных уничтоженными: ребра надо уметь разбирать до
// самого конца. Отсутствующая подписка не считается ошибкой.
func (b *Bridge) methodRemoveRecipient(l *lua.LState) int {
	if n := l.GetTop(); n != 2 {
		wrongArgCount("removeRecipient", n, 2)
		return pushStatus(l, -1)
	}
	id := uint32(l.ToInt64(1))
	rid := uint32(l.ToInt64(2))

	s, ok := b.registry.lookupID(id)
	if !ok {
		return pushStatus(l, -1)
	}
	r, ok := b.registry.lookupID(rid)
	if !ok {
		s.unref()
		return pushStatus(l, -1)
	}

	if s.detachRecipient(r) {
		// Парные ссылки ребра. Временные ссылки еще держат объекты.
		s.unref()
		r.unref()
	}
	r.unref()
	s.unref()
	return pushStatus(l, 0)
}

// setBitrate(id, bitrate) - ограничение битрейта отправителя. При
// поднятом медиа сразу шлем REMB с новым значением.
func (b *Bridge) methodSetBitrate(l *lua.LState) int {
	if n := l.GetTop(); n != 2 {
		wrongArgCount("setBitrate", n, 2)
		return pushStatus(l, -1)
	}
	id := uint32(l.ToInt64(1))
	bitrate := l.ToInt64(2)
	if bitrate < 0 {
		bitrate = 0
	}

	s, ok := b.registry.lookupLiveID(id)
	if !ok {
		return pushStatus(l, -1)
	}
	s.setBitrate(uint32(bitrate))
	if bitrate > 0 && s.isStarted() {
		if buf, err := rtp.BuildREMB(uint32(bitrate)); err == nil {
			b.gateway.RelayRTCP(s.handle, true, buf)
			b.metrics.rembSent.Inc()
		}
	}
	s.unref()
	return pushStatus(l, 0)
}

// setPliFreq(id, seconds) - период запросов ключевых кадров. Ноль
// выключает отправку.
func (b *Bridge) methodSetPLIFreq(l *lua.LState) int {
	if n := l.GetTop(); n != 2 {
		wrongArgCount("setPliFreq", n, 2)
		return pushStatus(l, -1)
	}
	id := uint32(l.ToInt64(1))
	secs := l.ToInt64(2)
	if secs < 0 {
		secs = 0
	}

	s, ok := b.registry.lookupLiveID(id)
	if !ok {
		return pushStatus(l, -1)
	}
	s.setPLIInterval(time.Duration(secs) * time.Second)
	s.unref()
	return pushStatus(l, 0)
}

// sendPli(id) - немедленный запрос ключевого кадра.
func (b *Bridge) methodSendPLI(l *lua.LState) int {
	if n := l.GetTop(); n != 1 {
		wrongArgCount("sendPli", n, 1)
		return pushStatus(l, -1)
	}
	id := uint32(l.ToInt64(1))

	s, ok := b.registry.lookupLiveID(id)
	if !ok {
		return pushStatus(l, -1)
	}
	s.markPLISent()
	if buf, err := rtp.BuildPLI(); err == nil {
		b.gateway.RelayRTCP(s.handle, true, buf)
		b.metrics.pliSent.Inc()
	}
	s.unref()
	return pushStatus(l, 0)
}

// payloadSlice выравнивает буфер из скрипта с заявленной длиной.
// Длина больше фактической усекается до фактической.
func payloadSlice(payload string, length int64) ([]byte, bool) {
	if payload == "" || length < 1 {
		return nil, false
	}
	buf := []byte(payload)
	if int(length) < len(buf) {
		buf = buf[:length]
	}
	return buf, true
}

// relayRtp(id, isVideo, payload, length) - отправка произвольного RTP
// пакета в сторону сессии.
func (b *Bridge) methodRelayRTP(l *lua.LState) int {
	if n := l.GetTop(); n != 4 {
		wrongArgCount("relayRtp", n, 4)
		return pushStatus(l, -1)
	}
	id := uint32(l.ToInt64(1))
	video := lua.LVAsBool(l.Get(2))
	buf, ok := payloadSlice(l.ToString(3), l.ToInt64(4))
	if !ok {
		slog.Error("luabridge.relayRtp пустой буфер", slog.Uint64("session", uint64(id)))
		return pushStatus(l, -1)
	}

	s, ok := b.registry.lookupLiveID(id)
	if !ok {
		return pushStatus(l, -1)
	}
	b.gateway.RelayRTP(s.handle, video, buf)
	b.metrics.packetsRelayed.WithLabelValues(mediumLabel(video)).Inc()
	s.unref()
	return pushStatus(l, 0)
}

// relayRtcp(id, isVideo, payload, length) - отправка произвольного
// RTCP пакета.
func (b *Bridge) methodRelayRTCP(l *lua.LState) int {
	if n := l.GetTop(); n != 4 {
		wrongArgCount("relayRtcp", n, 4)
		return pushStatus(l, -1)
	}
	id := uint32(l.ToInt64(1))
	video := lua.LVAsBool(l.Get(2))
	buf, ok := payloadSlice(l.ToString(3), l.ToInt64(4))
	if !ok {
		slog.Error("luabridge.relayRtcp пустой буфер", slog.Uint64("session", uint64(id)))
		return pushStatus(l, -1)
	}

	s, ok := b.registry.lookupLiveID(id)
	if !ok {
		return pushStatus(l, -1)
	}
	b.gateway.RelayRTCP(s.handle, video, buf)
	s.unref()
	return pushStatus(l, 0)
}

// relayData(id, payload, length) - отправка сообщения в data channel.
func (b *Bridge) methodRelayData(l *lua.LState) int {
	if n := l.GetTop(); n != 3 {
		wrongArgCount("relayData", n, 3)
		return pushStatus(l, -1)
	}
	id := uint32(l.ToInt64(1))
	buf, ok := payloadSlice(l.ToString(2), l.ToInt64(3))
	if !ok {
		slog.Error("luabridge.relayData пустой буфер", slog.Uint64("session", uint64(id)))
		return pushStatus(l, -1)
	}

	s, ok := b.registry.lookupLiveID(id)
	if !ok {
		return pushStatus(l, -1)
	}
	b.gateway.RelayData(s.handle, buf)
	b.metrics.packetsRelayed.WithLabelValues("data").Inc()
	s.unref()
	return pushStatus(l, 0)
}

// startRecording(id, type1, codec1, folder1, filename1, ...) - запуск
// записи, до трех потоков за вызов. Либо открываются все файлы, либо
// ни одного.
func (b *Bridge) methodStartRecording(l *lua.LState) int {
	n := l.GetTop()
	if n != 5 && n != 9 && n != 13 {
		wrongArgCount("startRecording", n, 5)
		return pushStatus(l, -1)
	}
	id := uint32(l.ToInt64(1))
	specs := make([]recordingSpec, 0, (n-1)/4)
	for i := 2; i+3 <= n; i += 4 {
		specs = append(specs, recordingSpec{
			mediaType: l.ToString(i),
			codec:     l.ToString(i + 1),
			folder:    l.ToString(i + 2),
			filename:  l.ToString(i + 3),
		})
	}

	s, ok := b.registry.lookupLiveID(id)
	if !ok {
		return pushStatus(l, -1)
	}
	opened, err := s.installRecorders(specs, b.cfg.CompressRecordings)
	s.unref()
	if err != nil {
		slog.Error("luabridge.startRecording запись не запущена",
			slog.Uint64("session", uint64(id)),
			slog.Any("error", err))
		return pushStatus(l, -1)
	}
	b.metrics.recordingsActive.Add(float64(opened))
	return pushStatus(l, 0)
}

// stopRecording(id, type1, ...) - остановка записи перечисленных
// потоков. Неизвестные имена потоков игнорируются.
func (b *Bridge) methodStopRecording(l *lua.LState) int {
	n := l.GetTop()
	if n < 2 || n > 4 {
		wrongArgCount("stopRecording", n, 2)
		return pushStatus(l, -1)
	}
	id := uint32(l.ToInt64(1))
	types := make([]string, 0, n-1)
	for i := 2; i <= n; i++ {
		types = append(types, l.ToString(i))
	}

	s, ok := b.registry.lookupLiveID(id)
	if !ok {
		return pushStatus(l, -1)
	}
	closed := s.stopRecorders(types)
	s.unref()
	b.metrics.recordingsActive.Sub(float64(closed))
	return pushStatus(l, 0)
}

func mediumLabel(video bool) string {
	if video {
		return "video"
	}
	return "audio"
}
