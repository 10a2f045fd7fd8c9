package rtp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	pionrtp "github.com/pion/rtp"
)

// Шаги timestamp, вставляемые в момент переключения источника, чтобы
// нисходящий поток не интерпретировал стык как перемотку: половина
// кадрового интервала при 90 kHz для видео и один пакет 20 ms при
// 48 kHz для аудио.
const (
	// VideoTimestampStep - приращение timestamp при смене видео-источника.
	VideoTimestampStep uint32 = 4500
	// AudioTimestampStep - приращение timestamp при смене аудио-источника.
	AudioTimestampStep uint32 = 960
)

// fixedHeaderSize - размер фиксированной части RTP-заголовка.
const fixedHeaderSize = 12

// ErrPacketTooShort возвращается для буферов короче фиксированного заголовка.
var ErrPacketTooShort = errors.New("RTP-пакет короче фиксированного заголовка")

// mediumState - continuity-состояние одного медиа-направления.
type mediumState struct {
	lastSSRC    uint32
	baseTS      uint32
	baseTSPrev  uint32
	lastTS      uint32
	baseSeq     uint16
	baseSeqPrev uint16
	lastSeq     uint16
}

// SwitchingContext хранит continuity-состояние получателя и переписывает
// sequence number и timestamp пересылаемых пакетов так, чтобы поток
// выглядел непрерывным независимо от смены источника.
//
// Аудио и видео ведутся раздельно. Контекст безопасен для конкурентного
// использования: один получатель может одновременно числиться у
// нескольких отправителей.
type SwitchingContext struct {
	mu    sync.Mutex
	audio mediumState
	video mediumState
}

// UpdateHeader переписывает sequence number и timestamp пакета in place
// под continuity-состояние контекста и обновляет состояние.
//
// При смене SSRC (включая самый первый пакет) контекст перебазируется:
// новый поток продолжает нумерацию старого со сдвигом +1 по sequence
// и +step по timestamp. Внутри одного SSRC исходные дельты между
// пакетами сохраняются.
func (c *SwitchingContext) UpdateHeader(buf []byte, video bool, step uint32) error {
	var hdr pionrtp.Header
	if _, err := hdr.Unmarshal(buf); err != nil {
		return fmt.Errorf("разбор RTP-заголовка: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st := &c.audio
	if video {
		st = &c.video
	}

	if hdr.SSRC != st.lastSSRC {
		st.lastSSRC = hdr.SSRC
		st.baseTSPrev = st.lastTS
		st.baseTS = hdr.Timestamp
		st.baseSeqPrev = st.lastSeq
		st.baseSeq = hdr.SequenceNumber
	}

	// Беззнаковая арифметика корректно обрабатывает wrap-around
	st.lastTS = (hdr.Timestamp - st.baseTS) + st.baseTSPrev + step
	st.lastSeq = (hdr.SequenceNumber - st.baseSeq) + st.baseSeqPrev + 1

	binary.BigEndian.PutUint16(buf[2:4], st.lastSeq)
	binary.BigEndian.PutUint32(buf[4:8], st.lastTS)
	return nil
}

// Reset сбрасывает continuity-состояние обоих направлений. Вызывается
// при разрыве медиа-пути, чтобы следующая сессия началась с чистой базы.
func (c *SwitchingContext) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = mediumState{}
	c.video = mediumState{}
}

// ReadSeqTS читает sequence number и timestamp из сырого RTP-буфера.
func ReadSeqTS(buf []byte) (seq uint16, ts uint32, err error) {
	if len(buf) < fixedHeaderSize {
		return 0, 0, ErrPacketTooShort
	}
	return binary.BigEndian.Uint16(buf[2:4]), binary.BigEndian.Uint32(buf[4:8]), nil
}

// WriteSeqTS записывает sequence number и timestamp в сырой RTP-буфер.
func WriteSeqTS(buf []byte, seq uint16, ts uint32) error {
	if len(buf) < fixedHeaderSize {
		return ErrPacketTooShort
	}
	binary.BigEndian.PutUint16(buf[2:4], seq)
	binary.BigEndian.PutUint32(buf[4:8], ts)
	return nil
}
