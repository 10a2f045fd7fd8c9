package plugin

import (
	"encoding/json"
	"sync/atomic"
)

// APIVersion - версия контракта host<->plugin. Ядро отказывается загружать
// плагин, собранный под другую версию.
const APIVersion = 100

// Plugin - интерфейс, который реализует каждый плагин шлюза.
//
// Все callbacks вызываются ядром. Init вызывается ровно один раз до любых
// других вызовов, Destroy - ровно один раз после них. Медиа-callbacks
// (IncomingRTP, IncomingRTCP, IncomingData) работают на горячем пути и
// не должны блокироваться на сигнальных операциях.
type Plugin interface {
	// Init инициализирует плагин и сохраняет интерфейс сервисов ядра.
	Init(gw Gateway) error
	// Destroy останавливает плагин и освобождает все его ресурсы.
	Destroy()

	// Метаданные плагина.
	GetAPICompatibility() int
	GetVersion() int
	GetVersionString() string
	GetDescription() string
	GetName() string
	GetAuthor() string
	GetPackage() string

	// CreateSession привязывает состояние плагина к новому handle.
	CreateSession(h *HandleSession) error
	// DestroySession уничтожает состояние плагина для handle.
	DestroySession(h *HandleSession) error
	// QuerySession возвращает snapshot состояния сессии в формате JSON.
	QuerySession(h *HandleSession) (json.RawMessage, error)

	// HandleMessage обрабатывает сигнальное сообщение от клиента.
	// jsep может быть nil. Возврат nil недопустим: ошибка тоже Result.
	HandleMessage(h *HandleSession, transaction string, message, jsep json.RawMessage) *Result

	// SetupMedia уведомляет о готовности медиа-пути (PeerConnection up).
	SetupMedia(h *HandleSession)
	// IncomingRTP передает плагину входящий RTP-пакет.
	IncomingRTP(h *HandleSession, video bool, buf []byte)
	// IncomingRTCP передает плагину входящий RTCP-пакет.
	IncomingRTCP(h *HandleSession, video bool, buf []byte)
	// IncomingData передает плагину входящее сообщение data channel.
	IncomingData(h *HandleSession, buf []byte)
	// SlowLink уведомляет о деградации канала (по NACK-статистике ядра).
	SlowLink(h *HandleSession, uplink, video bool)
	// HangupMedia уведомляет о разрыве медиа-пути.
	HangupMedia(h *HandleSession)
}

// HandleSession - opaque handle сессии, которым владеет ядро.
//
// Плагин использует указатель на HandleSession как ключ собственного
// реестра. Поле HostData принадлежит ядру, плагин его не трогает.
type HandleSession struct {
	stopped int32

	// HostData - произвольный контекст ядра (ICE-агент, PeerConnection).
	HostData interface{}
}

// SetStopped помечает handle остановленным. Вызывается ядром при закрытии
// PeerConnection; операция необратима.
func (h *HandleSession) SetStopped() {
	atomic.StoreInt32(&h.stopped, 1)
}

// Stopped сообщает, остановлен ли handle.
func (h *HandleSession) Stopped() bool {
	return atomic.LoadInt32(&h.stopped) == 1
}
