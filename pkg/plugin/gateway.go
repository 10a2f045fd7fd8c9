package plugin

import "encoding/json"

// Gateway - сервисы ядра, доступные плагину.
//
// Все методы безопасны для конкурентного вызова. Реализация обязана не
// вызывать callbacks плагина синхронно изнутри PushEvent и NotifyEvent;
// ClosePC, напротив, может синхронно привести к HangupMedia, поэтому
// плагин не должен вызывать его, удерживая собственные блокировки.
type Gateway interface {
	// PushEvent доставляет событие клиенту через сигнальный канал.
	// jsep может быть nil.
	PushEvent(h *HandleSession, pluginPackage, transaction string, event, jsep json.RawMessage) error

	// RelayRTP отправляет RTP-пакет в PeerConnection указанного handle.
	// Буфер принадлежит вызывающему и переиспользуется сразу после
	// возврата; реализация обязана скопировать данные, если они нужны
	// ей дольше.
	RelayRTP(h *HandleSession, video bool, buf []byte)
	// RelayRTCP отправляет RTCP-пакет в PeerConnection указанного handle.
	// Контракт владения буфером тот же, что у RelayRTP.
	RelayRTCP(h *HandleSession, video bool, buf []byte)
	// RelayData отправляет сообщение в data channel указанного handle.
	// Контракт владения буфером тот же, что у RelayRTP.
	RelayData(h *HandleSession, buf []byte)

	// ClosePC просит ядро закрыть PeerConnection данного handle.
	ClosePC(h *HandleSession)

	// EventsEnabled сообщает, включена ли подсистема event handlers.
	EventsEnabled() bool
	// NotifyEvent публикует событие в подсистему event handlers ядра.
	// h может быть nil для событий уровня плагина.
	NotifyEvent(h *HandleSession, event json.RawMessage)
}
