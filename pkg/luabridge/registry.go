package luabridge

import (
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/GSByeon/janus-gateway/pkg/plugin"
)

// registry - реестр сессий с двумя представлениями: по handle ядра для
// callbacks и по числовому id для скрипта.
//
// Дисциплина блокировок: unref никогда не вызывается под mu или под
// блокировкой списка получателей, потому что release-хук последней
// ссылки сам берет mu для удаления id-записи.
type registry struct {
	mu       sync.Mutex
	byHandle map[*plugin.HandleSession]*session
	byID     map[uint32]*session
	metrics  *bridgeMetrics
}

func newRegistry(metrics *bridgeMetrics) *registry {
	return &registry{
		byHandle: make(map[*plugin.HandleSession]*session),
		byID:     make(map[uint32]*session),
		metrics:  metrics,
	}
}

// newIDLocked подбирает свободный ненулевой id. Вызывается под mu.
func (r *registry) newIDLocked() (uint32, error) {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, WrapError(ErrorCodeInternal, "генерация id сессии", err)
		}
		id := binary.BigEndian.Uint32(b[:])
		if id == 0 {
			continue
		}
		if _, taken := r.byID[id]; taken {
			continue
		}
		return id, nil
	}
}

// create регистрирует новую сессию для handle и возвращает ее.
// Сессия получает одну "живую" ссылку, принадлежащую реестру.
func (r *registry) create(handle *plugin.HandleSession) (*session, error) {
	r.mu.Lock()
	if _, exists := r.byHandle[handle]; exists {
		r.mu.Unlock()
		return nil, NewBridgeError(ErrorCodeSessionExists, "handle уже привязан к сессии")
	}
	id, err := r.newIDLocked()
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	s := newSession(id, handle, r.releaseSession)
	r.byHandle[handle] = s
	r.byID[id] = s
	r.mu.Unlock()

	r.metrics.sessionsCreated.Inc()
	r.metrics.sessionsActive.Inc()
	slog.Debug("luabridge.Registry session created", slog.Uint64("id", uint64(id)))
	return s, nil
}

// lookupHandle находит сессию по handle и берет временную ссылку.
// Вызывающий обязан отпустить ее через unref.
func (r *registry) lookupHandle(handle *plugin.HandleSession) (*session, bool) {
	r.mu.Lock()
	s, ok := r.byHandle[handle]
	if ok {
		s.ref()
	}
	r.mu.Unlock()
	return s, ok
}

// lookupID находит сессию по id и берет временную ссылку, не проверяя
// флаг destroyed: часть операций (снятие ребер, уведомления) законна
// и для уничтожаемых сессий.
func (r *registry) lookupID(id uint32) (*session, bool) {
	r.mu.Lock()
	s, ok := r.byID[id]
	if ok {
		s.ref()
	}
	r.mu.Unlock()
	return s, ok
}

// lookupLiveID находит по id сессию, еще не помеченную destroyed,
// и берет временную ссылку.
func (r *registry) lookupLiveID(id uint32) (*session, bool) {
	s, ok := r.lookupID(id)
	if !ok {
		return nil, false
	}
	if s.isDestroyed() {
		s.unref()
		return nil, false
	}
	return s, true
}

// destroy удаляет handle-запись и выполняет одноразовый destroyed-переход,
// отпуская "живую" ссылку реестра. id-запись удаляется позже, когда
// release-хук видит обнуление счетчика. Возвращает id сессии.
func (r *registry) destroy(handle *plugin.HandleSession) (uint32, error) {
	r.mu.Lock()
	s, ok := r.byHandle[handle]
	if ok {
		delete(r.byHandle, handle)
	}
	r.mu.Unlock()
	if !ok {
		return 0, NewBridgeError(ErrorCodeSessionNotFound, "handle не привязан к сессии")
	}

	id := s.id
	if s.markDestroyed() {
		r.metrics.sessionsDestroyed.Inc()
		r.metrics.sessionsActive.Dec()
		s.unref()
	}
	slog.Debug("luabridge.Registry session destroyed", slog.Uint64("id", uint64(id)))
	return id, nil
}

// releaseSession - release-хук последней ссылки: удаляет id-запись и
// закрывает оставшиеся записи.
func (r *registry) releaseSession(s *session) {
	r.mu.Lock()
	delete(r.byID, s.id)
	r.mu.Unlock()

	if closed := s.closeRecorders(); closed > 0 {
		r.metrics.recordingsActive.Sub(float64(closed))
	}
	slog.Debug("luabridge.Registry session freed", slog.Uint64("id", uint64(s.id)))
}

// closeAll снимает handle-записи всех сессий и отпускает их "живые"
// ссылки. Используется при остановке плагина.
func (r *registry) closeAll() {
	r.mu.Lock()
	leftover := make([]*session, 0, len(r.byHandle))
	for _, s := range r.byHandle {
		leftover = append(leftover, s)
	}
	r.byHandle = make(map[*plugin.HandleSession]*session)
	r.mu.Unlock()

	for _, s := range leftover {
		if s.markDestroyed() {
			r.metrics.sessionsDestroyed.Inc()
			r.metrics.sessionsActive.Dec()
			s.unref()
		}
	}
}

// count возвращает количество сессий, привязанных к handle.
func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byHandle)
}
