package luabridge

import (
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"github.com/GSByeon/janus-gateway/pkg/plugin"
	"github.com/GSByeon/janus-gateway/pkg/rtp"
)

// newMethodsBridge собирает мост без интерпретатора: примитивы
// интерпретатор не трогают, им хватает реестра и шлюза.
func newMethodsBridge(t *testing.T) (*Bridge, *fakeGateway) {
	t.Helper()
	gw := newFakeGateway()
	m := newBridgeMetrics(nil)
	b := &Bridge{
		cfg:     DefaultConfig(),
		gateway: gw,
		metrics: m,
	}
	b.registry = newRegistry(m)
	b.engine = &engine{metrics: m}
	b.scheduler = newScheduler(func() {}, m)
	b.dispatcher = newDispatcher(b.runAsyncEvent, m)
	atomic.StoreInt32(&b.initialized, 1)
	return b, gw
}

// callMethod выполняет примитив на свежем стеке и возвращает статус.
func callMethod(t *testing.T, fn lua.LGFunction, args ...lua.LValue) int {
	t.Helper()
	l := lua.NewState()
	defer l.Close()
	for _, a := range args {
		l.Push(a)
	}
	require.Equal(t, 1, fn(l), "примитив возвращает ровно один результат")
	return int(lua.LVAsNumber(l.Get(-1)))
}

func createLive(t *testing.T, b *Bridge) *session {
	t.Helper()
	s, err := b.registry.create(&plugin.HandleSession{})
	require.NoError(t, err)
	return s
}

func nils(n int) []lua.LValue {
	args := make([]lua.LValue, n)
	for i := range args {
		args[i] = lua.LNil
	}
	return args
}

// TestMethodWrongArity проверяет отказ при неверном числе аргументов
func TestMethodWrongArity(t *testing.T) {
	b, _ := newMethodsBridge(t)

	tests := []struct {
		name string
		fn   lua.LGFunction
		argc int
	}{
		{"pushEvent", b.methodPushEvent, 3},
		{"notifyEvent", b.methodNotifyEvent, 1},
		{"closePc", b.methodClosePC, 0},
		{"configureMedium", b.methodConfigureMedium, 3},
		{"addRecipient", b.methodAddRecipient, 1},
		{"removeRecipient", b.methodRemoveRecipient, 3},
		{"setBitrate", b.methodSetBitrate, 1},
		{"setPliFreq", b.methodSetPLIFreq, 0},
		{"sendPli", b.methodSendPLI, 2},
		{"relayRtp", b.methodRelayRTP, 3},
		{"relayRtcp", b.methodRelayRTCP, 5},
		{"relayData", b.methodRelayData, 2},
		{"startRecording", b.methodStartRecording, 3},
		{"startRecording семь аргументов", b.methodStartRecording, 7},
		{"stopRecording без типов", b.methodStopRecording, 1},
		{"stopRecording лишние типы", b.methodStopRecording, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, -1, callMethod(t, tt.fn, nils(tt.argc)...))
		})
	}
}

// TestMethodUnknownSession проверяет отказ для неизвестного идентификатора
func TestMethodUnknownSession(t *testing.T) {
	b, _ := newMethodsBridge(t)
	id := lua.LNumber(12345)

	assert.Equal(t, -1, callMethod(t, b.methodPushEvent, id, lua.LString("t"), lua.LString("{}"), lua.LNil))
	assert.Equal(t, -1, callMethod(t, b.methodClosePC, id))
	assert.Equal(t, -1, callMethod(t, b.methodConfigureMedium, id, lua.LString("audio"), lua.LString("in"), lua.LTrue))
	assert.Equal(t, -1, callMethod(t, b.methodAddRecipient, id, id))
	assert.Equal(t, -1, callMethod(t, b.methodRemoveRecipient, id, id))
	assert.Equal(t, -1, callMethod(t, b.methodSetBitrate, id, lua.LNumber(1000)))
	assert.Equal(t, -1, callMethod(t, b.methodSetPLIFreq, id, lua.LNumber(1)))
	assert.Equal(t, -1, callMethod(t, b.methodSendPLI, id))
	assert.Equal(t, -1, callMethod(t, b.methodRelayRTP, id, lua.LTrue, lua.LString("xxxx"), lua.LNumber(4)))
	assert.Equal(t, -1, callMethod(t, b.methodStartRecording, id,
		lua.LString("audio"), lua.LString("opus"), lua.LString(t.TempDir()), lua.LString("a.rec")))
	assert.Equal(t, -1, callMethod(t, b.methodStopRecording, id, lua.LString("audio")))
}

// TestMethodPokeScheduler проверяет передачу пробуждения планировщику
func TestMethodPokeScheduler(t *testing.T) {
	b, _ := newMethodsBridge(t)

	assert.Zero(t, callMethod(t, b.methodPokeScheduler))
	assert.Len(t, b.scheduler.wake, 1, "пробуждение должно лечь в канал")

	// Повторные запросы слипаются
	assert.Zero(t, callMethod(t, b.methodPokeScheduler))
	assert.Len(t, b.scheduler.wake, 1)
}

// TestMethodConfigureMedium проверяет переключение политики через примитив
func TestMethodConfigureMedium(t *testing.T) {
	b, _ := newMethodsBridge(t)
	s := createLive(t, b)
	id := lua.LNumber(s.id)

	assert.Zero(t, callMethod(t, b.methodConfigureMedium,
		id, lua.LString("audio"), lua.LString("in"), lua.LTrue))
	assert.True(t, s.accepts(false))

	assert.Zero(t, callMethod(t, b.methodConfigureMedium,
		id, lua.LString("video"), lua.LString("out"), lua.LTrue))
	assert.True(t, s.sends(true))

	// Неизвестный тип медиа не ошибка и не изменение
	assert.Zero(t, callMethod(t, b.methodConfigureMedium,
		id, lua.LString("screenshare"), lua.LString("in"), lua.LTrue))
	assert.False(t, s.acceptsData())

	// Уничтоженная сессия недоступна
	s.markDestroyed()
	assert.Equal(t, -1, callMethod(t, b.methodConfigureMedium,
		id, lua.LString("audio"), lua.LString("in"), lua.LFalse))
}

// TestMethodRecipients проверяет ссылки ребра через примитивы
func TestMethodRecipients(t *testing.T) {
	b, _ := newMethodsBridge(t)
	a := createLive(t, b)
	r := createLive(t, b)

	assert.Zero(t, callMethod(t, b.methodAddRecipient, lua.LNumber(a.id), lua.LNumber(r.id)))
	assert.Equal(t, 1, a.recipientCount())
	assert.Equal(t, int32(2), a.refCount())
	assert.Equal(t, int32(2), r.refCount())

	// Идемпотентность
	assert.Zero(t, callMethod(t, b.methodAddRecipient, lua.LNumber(a.id), lua.LNumber(r.id)))
	assert.Equal(t, int32(2), a.refCount())
	assert.Equal(t, int32(2), r.refCount())

	assert.Zero(t, callMethod(t, b.methodRemoveRecipient, lua.LNumber(a.id), lua.LNumber(r.id)))
	assert.Zero(t, a.recipientCount())
	assert.Equal(t, int32(1), a.refCount())
	assert.Equal(t, int32(1), r.refCount())

	// Отсутствующая подписка не считается ошибкой
	assert.Zero(t, callMethod(t, b.methodRemoveRecipient, lua.LNumber(a.id), lua.LNumber(r.id)))

	// Снятие подписки работает и после пометки destroyed
	assert.Zero(t, callMethod(t, b.methodAddRecipient, lua.LNumber(a.id), lua.LNumber(r.id)))
	a.markDestroyed()
	assert.Zero(t, callMethod(t, b.methodRemoveRecipient, lua.LNumber(a.id), lua.LNumber(r.id)))
	assert.Zero(t, a.recipientCount())
	assert.Equal(t, int32(1), r.refCount())
}

// TestMethodPushEventInline проверяет синхронную доставку без JSEP
func TestMethodPushEventInline(t *testing.T) {
	b, gw := newMethodsBridge(t)
	s := createLive(t, b)

	status := callMethod(t, b.methodPushEvent,
		lua.LNumber(s.id), lua.LString("tr-77"), lua.LString(`{"result":"ok"}`), lua.LNil)
	assert.Zero(t, status)

	pushed := gw.snapshotPushed()
	require.Len(t, pushed, 1)
	assert.Same(t, s.handle, pushed[0].handle)
	assert.Equal(t, "tr-77", pushed[0].transaction)
	assert.JSONEq(t, `{"result":"ok"}`, pushed[0].event)
	assert.Empty(t, pushed[0].jsep)
	assert.Equal(t, int32(1), s.refCount(), "временная ссылка возвращена")
}

// TestMethodPushEventDeliveryError проверяет проброс ошибки доставки
func TestMethodPushEventDeliveryError(t *testing.T) {
	b, gw := newMethodsBridge(t)
	gw.pushErr = errors.New("core is gone")
	s := createLive(t, b)

	status := callMethod(t, b.methodPushEvent,
		lua.LNumber(s.id), lua.LNil, lua.LString(`{"a":1}`), lua.LNil)
	assert.Equal(t, -1, status)
	assert.Equal(t, int32(1), s.refCount())
}

// TestMethodPushEventValidation проверяет контроль формы события и JSEP
func TestMethodPushEventValidation(t *testing.T) {
	b, _ := newMethodsBridge(t)
	s := createLive(t, b)
	id := lua.LNumber(s.id)

	tests := []struct {
		name  string
		event string
		jsep  lua.LValue
	}{
		{"событие не JSON", `{broken`, lua.LNil},
		{"событие скаляр", `42`, lua.LNil},
		{"JSEP не объект", `{"a":1}`, lua.LString(`[1,2]`)},
		{"JSEP не JSON", `{"a":1}`, lua.LString(`nope`)},
		{"JSEP с нечитаемым SDP", `{"a":1}`, lua.LString(`{"type":"offer","sdp":"garbage"}`)},
		{"JSEP с нестроковым SDP", `{"a":1}`, lua.LString(`{"sdp":17}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := callMethod(t, b.methodPushEvent, id, lua.LNil, lua.LString(tt.event), tt.jsep)
			assert.Equal(t, -1, status)
		})
	}
	assert.Equal(t, int32(1), s.refCount())
}

// TestMethodPushEventAsync проверяет доставку с JSEP через диспетчер
func TestMethodPushEventAsync(t *testing.T) {
	b, gw := newMethodsBridge(t)
	s := createLive(t, b)

	status := callMethod(t, b.methodPushEvent,
		lua.LNumber(s.id), lua.LString("tr-async"), lua.LString(`{"answer":true}`),
		lua.LString(validJSEP))
	assert.Zero(t, status)

	b.dispatcher.close()

	pushed := gw.snapshotPushed()
	require.Len(t, pushed, 1)
	assert.Equal(t, "tr-async", pushed[0].transaction)
	assert.JSONEq(t, validJSEP, pushed[0].jsep)
	assert.Equal(t, int32(1), s.refCount(), "worker вернул ссылку события")
}

// TestMethodPushEventDispatcherClosed проверяет отказ после остановки диспетчера
func TestMethodPushEventDispatcherClosed(t *testing.T) {
	b, gw := newMethodsBridge(t)
	s := createLive(t, b)
	b.dispatcher.close()

	status := callMethod(t, b.methodPushEvent,
		lua.LNumber(s.id), lua.LNil, lua.LString(`{"late":true}`), lua.LString(validJSEP))
	assert.Equal(t, -1, status)
	assert.Empty(t, gw.snapshotPushed())
	assert.Equal(t, int32(1), s.refCount(), "отвергнутое событие не должно терять ссылку")
}

// TestMethodNotifyEvent проверяет событие мониторинга с сессией и без
func TestMethodNotifyEvent(t *testing.T) {
	b, gw := newMethodsBridge(t)
	s := createLive(t, b)

	assert.Zero(t, callMethod(t, b.methodNotifyEvent, lua.LNumber(s.id), lua.LString(`{"e":1}`)))
	// Сессия не обязательна
	assert.Zero(t, callMethod(t, b.methodNotifyEvent, lua.LNumber(99999), lua.LString(`{"e":2}`)))
	assert.Equal(t, -1, callMethod(t, b.methodNotifyEvent, lua.LNumber(s.id), lua.LString(`broken`)))

	notified := gw.snapshotNotified()
	require.Len(t, notified, 2)
	assert.JSONEq(t, `{"e":1}`, notified[0])
	assert.JSONEq(t, `{"e":2}`, notified[1])

	// При выключенной шине событие глотается со статусом 0
	gw.mu.Lock()
	gw.eventsEnabled = false
	gw.mu.Unlock()
	assert.Zero(t, callMethod(t, b.methodNotifyEvent, lua.LNumber(s.id), lua.LString(`{"e":3}`)))
	assert.Len(t, gw.snapshotNotified(), 2)
}

// TestMethodClosePc проверяет асинхронное закрытие PeerConnection
func TestMethodClosePc(t *testing.T) {
	b, gw := newMethodsBridge(t)
	s := createLive(t, b)

	assert.Zero(t, callMethod(t, b.methodClosePC, lua.LNumber(s.id)))
	b.dispatcher.close()

	closed := gw.snapshotClosed()
	require.Len(t, closed, 1)
	assert.Same(t, s.handle, closed[0])
	assert.Equal(t, int32(1), s.refCount())
}

// TestMethodSetBitrate проверяет сохранение ограничения и немедленный REMB
func TestMethodSetBitrate(t *testing.T) {
	b, gw := newMethodsBridge(t)
	s := createLive(t, b)
	id := lua.LNumber(s.id)

	// До подъема медиа REMB не шлется
	assert.Zero(t, callMethod(t, b.methodSetBitrate, id, lua.LNumber(128000)))
	assert.Equal(t, uint32(128000), s.bitrateCap())
	assert.Empty(t, gw.snapshotRTCP())

	s.mediaUp()
	assert.Zero(t, callMethod(t, b.methodSetBitrate, id, lua.LNumber(256000)))

	out := gw.snapshotRTCP()
	require.Len(t, out, 1)
	assert.True(t, out[0].video)
	got, ok := rtp.ExtractREMB(out[0].buf)
	require.True(t, ok)
	assert.Equal(t, uint32(256000), got)

	// Отрицательное значение приводится к нулю и ничего не шлет
	assert.Zero(t, callMethod(t, b.methodSetBitrate, id, lua.LNumber(-5)))
	assert.Zero(t, s.bitrateCap())
	assert.Len(t, gw.snapshotRTCP(), 1)
}

// TestMethodSetPliFreq проверяет настройку периода PLI
func TestMethodSetPliFreq(t *testing.T) {
	b, _ := newMethodsBridge(t)
	s := createLive(t, b)
	id := lua.LNumber(s.id)

	assert.Zero(t, callMethod(t, b.methodSetPLIFreq, id, lua.LNumber(2)))
	s.mu.Lock()
	interval := s.pliInterval
	s.mu.Unlock()
	assert.Equal(t, 2*time.Second, interval)

	// Отрицательный период выключает отправку
	assert.Zero(t, callMethod(t, b.methodSetPLIFreq, id, lua.LNumber(-1)))
	assert.False(t, s.pliDue(time.Now()))
}

// TestMethodSendPli проверяет немедленный запрос ключевого кадра
func TestMethodSendPli(t *testing.T) {
	b, gw := newMethodsBridge(t)
	s := createLive(t, b)

	assert.Zero(t, callMethod(t, b.methodSendPLI, lua.LNumber(s.id)))

	out := gw.snapshotRTCP()
	require.Len(t, out, 1)
	assert.True(t, out[0].video)
	want, err := rtp.BuildPLI()
	require.NoError(t, err)
	assert.Equal(t, want, out[0].buf)
}

// TestMethodRelay проверяет прямую отправку пакетов из скрипта
func TestMethodRelay(t *testing.T) {
	b, gw := newMethodsBridge(t)
	s := createLive(t, b)
	id := lua.LNumber(s.id)

	t.Run("relayRtp с усечением по длине", func(t *testing.T) {
		assert.Zero(t, callMethod(t, b.methodRelayRTP,
			id, lua.LTrue, lua.LString("abcdef"), lua.LNumber(4)))
		out := gw.snapshotRTP()
		require.Len(t, out, 1)
		assert.Same(t, s.handle, out[0].handle)
		assert.True(t, out[0].video)
		assert.Equal(t, "abcd", string(out[0].buf))
	})

	t.Run("длина больше буфера не читает лишнего", func(t *testing.T) {
		assert.Zero(t, callMethod(t, b.methodRelayRTP,
			id, lua.LFalse, lua.LString("xy"), lua.LNumber(100)))
		out := gw.snapshotRTP()
		require.Len(t, out, 2)
		assert.Equal(t, "xy", string(out[1].buf))
	})

	t.Run("пустой буфер отвергается", func(t *testing.T) {
		assert.Equal(t, -1, callMethod(t, b.methodRelayRTP,
			id, lua.LTrue, lua.LString(""), lua.LNumber(4)))
		assert.Equal(t, -1, callMethod(t, b.methodRelayRTP,
			id, lua.LTrue, lua.LString("abc"), lua.LNumber(0)))
	})

	t.Run("relayRtcp", func(t *testing.T) {
		assert.Zero(t, callMethod(t, b.methodRelayRTCP,
			id, lua.LFalse, lua.LString("rtcp"), lua.LNumber(4)))
		out := gw.snapshotRTCP()
		require.Len(t, out, 1)
		assert.False(t, out[0].video)
		assert.Equal(t, "rtcp", string(out[0].buf))
	})

	t.Run("relayData", func(t *testing.T) {
		assert.Zero(t, callMethod(t, b.methodRelayData,
			id, lua.LString("hello"), lua.LNumber(5)))
		out := gw.snapshotData()
		require.Len(t, out, 1)
		assert.Equal(t, "hello", string(out[0].buf))
	})
}

// TestMethodStartStopRecording проверяет запуск и остановку записи
func TestMethodStartStopRecording(t *testing.T) {
	b, _ := newMethodsBridge(t)
	s := createLive(t, b)
	id := lua.LNumber(s.id)
	dir := t.TempDir()

	status := callMethod(t, b.methodStartRecording, id,
		lua.LString("audio"), lua.LString("opus"), lua.LString(dir), lua.LString("a.rec"),
		lua.LString("video"), lua.LString("vp8"), lua.LString(dir), lua.LString("v.rec"))
	assert.Zero(t, status)
	assert.FileExists(t, filepath.Join(dir, "a.rec"))
	assert.FileExists(t, filepath.Join(dir, "v.rec"))

	// Дубликат идущей записи
	status = callMethod(t, b.methodStartRecording, id,
		lua.LString("audio"), lua.LString("opus"), lua.LString(dir), lua.LString("a2.rec"))
	assert.Equal(t, -1, status)

	assert.Zero(t, callMethod(t, b.methodStopRecording, id,
		lua.LString("audio"), lua.LString("video")))

	// После остановки запись можно начать заново
	status = callMethod(t, b.methodStartRecording, id,
		lua.LString("audio"), lua.LString("opus"), lua.LString(dir), lua.LString("a3.rec"))
	assert.Zero(t, status)

	// Неизвестный кодек отклоняет вызов
	status = callMethod(t, b.methodStartRecording, id,
		lua.LString("video"), lua.LString("bogus"), lua.LString(dir), lua.LString("v2.rec"))
	assert.Equal(t, -1, status)

	// Неизвестный тип потока отклоняет вызов целиком
	status = callMethod(t, b.methodStartRecording, id,
		lua.LString("screenshare"), lua.LString("vp8"), lua.LString(dir), lua.LString("x.rec"))
	assert.Equal(t, -1, status)
}
