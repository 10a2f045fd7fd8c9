// Package plugin определяет контракт между ядром медиа-шлюза (host) и
// подключаемыми плагинами.
//
// Ядро владеет транспортом, PeerConnection и SDP-переговорами; плагин
// реализует прикладную логику поверх уже расшифрованных медиа-потоков.
// Граница строго двусторонняя:
//
//   - Plugin: callbacks, которые ядро вызывает у плагина (жизненный цикл
//     сессий, сигнальные сообщения, входящие RTP/RTCP/data пакеты).
//   - Gateway: services, которые ядро предоставляет плагину (отправка
//     событий, ретрансляция пакетов, закрытие PeerConnection).
//
// # Основные компоненты
//
//   - Plugin — интерфейс плагина со всеми entry points
//   - Gateway — интерфейс сервисов ядра
//   - HandleSession — opaque handle сессии, владелец ядро
//   - Result — результат синхронной обработки сообщения
//
// # Модель владения
//
// HandleSession создается и уничтожается ядром. Плагин никогда не
// освобождает handle сам: он получает уведомления CreateSession и
// DestroySession и ведет собственный учет привязанного состояния.
// Флаг stopped выставляется ядром при закрытии PeerConnection, после
// чего плагин обязан прекратить ретрансляцию в этот handle.
package plugin
