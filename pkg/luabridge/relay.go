package luabridge

import (
	"bytes"
	"log/slog"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/GSByeon/janus-gateway/pkg/plugin"
	"github.com/GSByeon/janus-gateway/pkg/rtp"
)

// lookupMedia - общий пролог медиа-колбэков: guards готовности моста и
// живая сессия по handle. Снятая ссылка остается за вызывающим.
func (b *Bridge) lookupMedia(h *plugin.HandleSession) (*session, bool) {
	if h == nil || h.Stopped() || b.isStopping() || !b.isInitialized() {
		return nil, false
	}
	s, ok := b.registry.lookupHandle(h)
	if !ok {
		return nil, false
	}
	if s.isDestroyed() || s.isHangingUp() {
		s.unref()
		return nil, false
	}
	return s, true
}

// IncomingRTP ретранслирует пакет отправителя всем его получателям,
// переписывая seq и timestamp под continuity каждого. Если скрипт
// определил incomingRtp, пакет целиком отдается скрипту.
func (b *Bridge) IncomingRTP(h *plugin.HandleSession, video bool, buf []byte) {
	s, ok := b.lookupMedia(h)
	if !ok {
		return
	}
	defer s.unref()

	if b.engine.hasIncomingRTP {
		err := b.engine.invoke("incomingRtp",
			lua.LNumber(s.id), lua.LBool(video), lua.LString(buf), lua.LNumber(len(buf)))
		if err != nil {
			slog.Error("luabridge.Bridge incomingRtp",
				slog.Uint64("session", uint64(s.id)),
				slog.Any("error", err))
		}
		return
	}

	if !s.sends(video) {
		return
	}
	s.saveRTPFrame(video, buf)

	origSeq, origTS, err := rtp.ReadSeqTS(buf)
	if err != nil {
		slog.Debug("luabridge.Bridge короткий RTP пакет",
			slog.Uint64("session", uint64(s.id)),
			slog.Int("len", len(buf)))
		return
	}
	step := rtp.AudioTimestampStep
	if video {
		step = rtp.VideoTimestampStep
	}
	label := mediumLabel(video)

	s.eachRecipient(func(r *session) {
		if !r.isStarted() || !r.accepts(video) {
			return
		}
		if err := r.rtpCtx.UpdateHeader(buf, video, step); err != nil {
			return
		}
		b.gateway.RelayRTP(r.handle, video, buf)
		b.metrics.packetsRelayed.WithLabelValues(label).Inc()
		// Буфер общий на всех получателей, поля отправителя надо
		// вернуть перед следующей перезаписью.
		_ = rtp.WriteSeqTS(buf, origSeq, origTS)
	})

	if video && s.pliDue(time.Now()) {
		if pli, err := rtp.BuildPLI(); err == nil {
			b.gateway.RelayRTCP(h, true, pli)
			b.metrics.pliSent.Inc()
		}
	}
}

// IncomingRTCP обрабатывает RTCP отправителя. Интересен только REMB:
// при заданном ограничении битрейта обратная связь перебивается нашим
// значением, иначе уходит как есть. Прочий RTCP не ретранслируется,
// ядро шлет свой.
func (b *Bridge) IncomingRTCP(h *plugin.HandleSession, video bool, buf []byte) {
	s, ok := b.lookupMedia(h)
	if !ok {
		return
	}
	defer s.unref()

	if b.engine.hasIncomingRTCP {
		err := b.engine.invoke("incomingRtcp",
			lua.LNumber(s.id), lua.LBool(video), lua.LString(buf), lua.LNumber(len(buf)))
		if err != nil {
			slog.Error("luabridge.Bridge incomingRtcp",
				slog.Uint64("session", uint64(s.id)),
				slog.Any("error", err))
		}
		return
	}

	remb, ok := rtp.ExtractREMB(buf)
	if !ok || remb == 0 {
		return
	}
	if limit := s.bitrateCap(); limit > 0 {
		out, err := rtp.BuildREMB(limit)
		if err != nil {
			return
		}
		b.gateway.RelayRTCP(h, true, out)
		b.metrics.rembSent.Inc()
		return
	}
	b.gateway.RelayRTCP(h, true, buf)
}

// IncomingData рассылает сообщение data channel получателям. Запись
// видит сырой буфер, получатели - текст до первого NUL.
func (b *Bridge) IncomingData(h *plugin.HandleSession, buf []byte) {
	s, ok := b.lookupMedia(h)
	if !ok {
		return
	}
	defer s.unref()

	if b.engine.hasIncomingData {
		err := b.engine.invoke("incomingData",
			lua.LNumber(s.id), lua.LString(buf), lua.LNumber(len(buf)))
		if err != nil {
			slog.Error("luabridge.Bridge incomingData",
				slog.Uint64("session", uint64(s.id)),
				slog.Any("error", err))
		}
		return
	}

	if !s.sendsData() {
		return
	}
	s.saveDataFrame(buf)

	text := buf
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		text = buf[:i]
	}
	if len(text) == 0 {
		return
	}

	s.eachRecipient(func(r *session) {
		if !r.isStarted() || !r.acceptsData() {
			return
		}
		b.gateway.RelayData(r.handle, text)
		b.metrics.packetsRelayed.WithLabelValues("data").Inc()
	})
}
