package luabridge

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GSByeon/janus-gateway/pkg/plugin"
	"github.com/GSByeon/janus-gateway/pkg/recorder"
	"github.com/GSByeon/janus-gateway/pkg/rtp"
)

// session - состояние одной сессии моста.
//
// Жизненный цикл управляется счетчиком ссылок: одна "живая" ссылка
// принадлежит реестру с момента создания, временные ссылки берутся на
// время операций, парные ссылки держат ребра получателей. Обнуление
// счетчика вызывает release-хук реестра.
type session struct {
	id     uint32
	handle *plugin.HandleSession

	refs      int32
	destroyed int32
	hangingUp int32
	started   int32

	// mu защищает политику приема/отправки и параметры feedback
	mu          sync.Mutex
	acceptAudio bool
	acceptVideo bool
	acceptData  bool
	sendAudio   bool
	sendVideo   bool
	sendData    bool
	bitrate     uint32
	pliInterval time.Duration
	pliLatest   time.Time

	rtpCtx rtp.SwitchingContext

	recMu    sync.Mutex
	audioRec *recorder.Recorder
	videoRec *recorder.Recorder
	dataRec  *recorder.Recorder

	rcptMu     sync.Mutex
	recipients []*session

	// release вызывается при обнулении счетчика ссылок
	release func(*session)
}

func newSession(id uint32, handle *plugin.HandleSession, release func(*session)) *session {
	return &session{
		id:      id,
		handle:  handle,
		refs:    1,
		release: release,
	}
}

// ref берет ссылку на сессию.
func (s *session) ref() {
	atomic.AddInt32(&s.refs, 1)
}

// unref отпускает ссылку. Последняя ссылка запускает release-хук.
// Вызывать с удержанными блокировками реестра или получателей нельзя.
func (s *session) unref() {
	if atomic.AddInt32(&s.refs, -1) == 0 && s.release != nil {
		s.release(s)
	}
}

// refCount возвращает текущее значение счетчика ссылок.
func (s *session) refCount() int32 {
	return atomic.LoadInt32(&s.refs)
}

// markDestroyed выполняет одноразовый переход в состояние destroyed.
// Возвращает true только первому вызвавшему.
func (s *session) markDestroyed() bool {
	return atomic.CompareAndSwapInt32(&s.destroyed, 0, 1)
}

// isDestroyed сообщает, уничтожена ли сессия.
func (s *session) isDestroyed() bool {
	return atomic.LoadInt32(&s.destroyed) == 1
}

// beginHangup выполняет одноразовый переход в состояние разрыва медиа.
// Возвращает true только первому вызвавшему; setupMedia взводит
// переход заново.
func (s *session) beginHangup() bool {
	return atomic.CompareAndSwapInt32(&s.hangingUp, 0, 1)
}

// isHangingUp сообщает, идет ли разрыв медиа-пути.
func (s *session) isHangingUp() bool {
	return atomic.LoadInt32(&s.hangingUp) == 1
}

// isStarted сообщает, поднят ли медиа-путь.
func (s *session) isStarted() bool {
	return atomic.LoadInt32(&s.started) == 1
}

// mediaUp переводит сессию в состояние активного медиа-пути.
func (s *session) mediaUp() {
	atomic.StoreInt32(&s.hangingUp, 0)
	atomic.StoreInt32(&s.started, 1)
	s.mu.Lock()
	s.pliLatest = time.Now()
	s.mu.Unlock()
}

// mediaDown сбрасывает медиа-состояние при разрыве: флаги политики,
// битрейт, параметры PLI и continuity-контекст.
func (s *session) mediaDown() {
	atomic.StoreInt32(&s.started, 0)
	s.mu.Lock()
	s.acceptAudio = false
	s.acceptVideo = false
	s.acceptData = false
	s.sendAudio = false
	s.sendVideo = false
	s.sendData = false
	s.bitrate = 0
	s.pliInterval = 0
	s.pliLatest = time.Time{}
	s.mu.Unlock()
	s.rtpCtx.Reset()
}

// configureMedium выставляет один флаг политики. Направление "in"
// управляет приемом, любое другое - отправкой. Неизвестный тип медиа
// игнорируется.
func (s *session) configureMedium(medium, direction string, enabled bool) {
	in := strings.EqualFold(direction, "in")
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case strings.EqualFold(medium, "audio"):
		if in {
			s.acceptAudio = enabled
		} else {
			s.sendAudio = enabled
		}
	case strings.EqualFold(medium, "video"):
		if in {
			s.acceptVideo = enabled
		} else {
			s.sendVideo = enabled
		}
	case strings.EqualFold(medium, "data"):
		if in {
			s.acceptData = enabled
		} else {
			s.sendData = enabled
		}
	}
}

// accepts сообщает, принимает ли сессия указанный тип RTP.
func (s *session) accepts(video bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if video {
		return s.acceptVideo
	}
	return s.acceptAudio
}

// acceptsData сообщает, принимает ли сессия data-сообщения.
func (s *session) acceptsData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acceptData
}

// sends сообщает, разрешена ли сессии отправка указанного типа RTP.
func (s *session) sends(video bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if video {
		return s.sendVideo
	}
	return s.sendAudio
}

// sendsData сообщает, разрешена ли сессии отправка data-сообщений.
func (s *session) sendsData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendData
}

// setBitrate сохраняет ограничение битрейта. Возвращает новое значение.
func (s *session) setBitrate(bitrate uint32) {
	s.mu.Lock()
	s.bitrate = bitrate
	s.mu.Unlock()
}

// bitrateCap возвращает действующее ограничение битрейта.
func (s *session) bitrateCap() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitrate
}

// setPLIInterval задает период автоматической отправки PLI.
func (s *session) setPLIInterval(interval time.Duration) {
	s.mu.Lock()
	s.pliInterval = interval
	s.mu.Unlock()
}

// pliDue проверяет, пора ли слать PLI источнику. Положительный ответ
// сразу сдвигает отметку последней отправки.
func (s *session) pliDue(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pliInterval <= 0 {
		return false
	}
	if now.Sub(s.pliLatest) < s.pliInterval {
		return false
	}
	s.pliLatest = now
	return true
}

// markPLISent сдвигает отметку последней отправки PLI.
func (s *session) markPLISent() {
	s.mu.Lock()
	s.pliLatest = time.Now()
	s.mu.Unlock()
}

// attachRecipient добавляет получателя в конец списка. Повторное
// добавление - no-op. Ребро держит по ссылке на обе стороны;
// вызывающий обязан удерживать собственные временные ссылки на обе
// сессии.
func (s *session) attachRecipient(r *session) bool {
	s.rcptMu.Lock()
	for _, cur := range s.recipients {
		if cur.id == r.id {
			s.rcptMu.Unlock()
			return false
		}
	}
	s.ref()
	r.ref()
	s.recipients = append(s.recipients, r)
	s.rcptMu.Unlock()
	return true
}

// detachRecipient удаляет получателя и возвращает true, если ребро
// существовало. Парные ссылки ребра отпускает вызывающий, уже после
// снятия всех блокировок.
func (s *session) detachRecipient(r *session) bool {
	s.rcptMu.Lock()
	defer s.rcptMu.Unlock()
	for i, cur := range s.recipients {
		if cur.id == r.id {
			s.recipients = append(s.recipients[:i], s.recipients[i+1:]...)
			return true
		}
	}
	return false
}

// drainRecipients снимает все ребра и возвращает бывших получателей.
// Парные ссылки каждого ребра отпускает вызывающий.
func (s *session) drainRecipients() []*session {
	s.rcptMu.Lock()
	drained := s.recipients
	s.recipients = nil
	s.rcptMu.Unlock()
	return drained
}

// eachRecipient вызывает fn для каждого получателя в порядке
// добавления, удерживая блокировку списка: состав получателей не
// меняется на время обхода.
func (s *session) eachRecipient(fn func(*session)) {
	s.rcptMu.Lock()
	defer s.rcptMu.Unlock()
	for _, r := range s.recipients {
		fn(r)
	}
}

// recipientCount возвращает количество получателей.
func (s *session) recipientCount() int {
	s.rcptMu.Lock()
	defer s.rcptMu.Unlock()
	return len(s.recipients)
}

// recordingSpec - одна запрошенная запись.
type recordingSpec struct {
	mediaType string
	codec     string
	folder    string
	filename  string
}

// installRecorders атомарно открывает записи по списку. При любой
// ошибке, включая дубликат уже идущей записи того же типа, все
// открытые в этом вызове файлы закрываются и сессия остается в
// прежнем состоянии. Возвращает количество открытых записей.
func (s *session) installRecorders(specs []recordingSpec, compress bool) (int, error) {
	s.recMu.Lock()
	defer s.recMu.Unlock()

	var arc, vrc, drc *recorder.Recorder
	rollback := func() {
		recorder.Close(arc)
		recorder.Close(vrc)
		recorder.Close(drc)
	}

	for _, spec := range specs {
		var slot **recorder.Recorder
		var existing *recorder.Recorder
		switch {
		case strings.EqualFold(spec.mediaType, "audio"):
			slot, existing = &arc, s.audioRec
		case strings.EqualFold(spec.mediaType, "video"):
			slot, existing = &vrc, s.videoRec
		case strings.EqualFold(spec.mediaType, "data"):
			slot, existing = &drc, s.dataRec
		default:
			rollback()
			return 0, NewSessionError(ErrorCodeRecordingFailed, s.id,
				"неизвестный тип записи '"+spec.mediaType+"'")
		}
		if *slot != nil || existing != nil {
			rollback()
			return 0, NewSessionError(ErrorCodeRecordingDuplicate, s.id,
				"запись '"+spec.mediaType+"' уже идет")
		}
		rec, err := recorder.New(recorder.Config{
			Dir:      spec.folder,
			Codec:    spec.codec,
			Filename: spec.filename,
			Compress: compress,
		})
		if err != nil {
			rollback()
			return 0, &BridgeError{
				Code:      ErrorCodeRecordingFailed,
				Message:   "не удалось открыть запись '" + spec.mediaType + "'",
				SessionID: s.id,
				Wrapped:   err,
			}
		}
		*slot = rec
	}

	opened := 0
	if arc != nil {
		s.audioRec = arc
		opened++
	}
	if vrc != nil {
		s.videoRec = vrc
		opened++
	}
	if drc != nil {
		s.dataRec = drc
		opened++
	}
	return opened, nil
}

// stopRecorders закрывает записи перечисленных типов. Отсутствующие
// записи и неизвестные типы молча пропускаются. Возвращает количество
// закрытых записей.
func (s *session) stopRecorders(types []string) int {
	s.recMu.Lock()
	defer s.recMu.Unlock()

	closed := 0
	for _, t := range types {
		switch {
		case strings.EqualFold(t, "audio"):
			if s.audioRec != nil {
				recorder.Close(s.audioRec)
				s.audioRec = nil
				closed++
			}
		case strings.EqualFold(t, "video"):
			if s.videoRec != nil {
				recorder.Close(s.videoRec)
				s.videoRec = nil
				closed++
			}
		case strings.EqualFold(t, "data"):
			if s.dataRec != nil {
				recorder.Close(s.dataRec)
				s.dataRec = nil
				closed++
			}
		}
	}
	return closed
}

// closeRecorders закрывает все записи сессии. Возвращает количество
// закрытых.
func (s *session) closeRecorders() int {
	return s.stopRecorders([]string{"audio", "video", "data"})
}

// saveRTPFrame пишет RTP-кадр в запись соответствующего типа, если
// она идет.
func (s *session) saveRTPFrame(video bool, buf []byte) {
	s.recMu.Lock()
	rec := s.audioRec
	if video {
		rec = s.videoRec
	}
	s.recMu.Unlock()
	if err := recorder.SaveFrame(rec, buf); err != nil {
		logSaveFrameError(s.id, err)
	}
}

// saveDataFrame пишет data-сообщение в запись, если она идет.
func (s *session) saveDataFrame(buf []byte) {
	s.recMu.Lock()
	rec := s.dataRec
	s.recMu.Unlock()
	if err := recorder.SaveFrame(rec, buf); err != nil {
		logSaveFrameError(s.id, err)
	}
}

func logSaveFrameError(id uint32, err error) {
	slog.Debug("luabridge.saveFrame failed",
		slog.Uint64("session", uint64(id)),
		slog.Any("error", err))
}
