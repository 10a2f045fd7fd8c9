// Package luabridge реализует плагин медиа-шлюза, отдающий прикладную
// логику Lua-скрипту.
//
// Скрипт выполняется в одном интерпретаторе под общей блокировкой,
// поэтому entry points зовутся строго по одному. Долгие операции
// скрипт строит на корутинах: примитив pokeScheduler будит
// планировщик, и тот вне блокировки вызывает resumeScheduler.
// Доставка событий в ядро с JSEP и закрытие PeerConnection уходят
// в отдельный диспетчер, чтобы скрипт не звал ядро из-под блокировки
// движка.
//
// Сессии живут в реестре со счетчиком ссылок: временные ссылки на
// время операции, парные ссылки на ребро отправитель-получатель.
// Медиа-путь работает без интерпретатора: флаги политики, перепись
// continuity-полей RTP на каждого получателя, REMB-ограничение
// битрейта, PLI-троттлинг и запись в файлы.
package luabridge
