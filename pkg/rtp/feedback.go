package rtp

import (
	"fmt"

	"github.com/pion/rtcp"
)

// BuildPLI собирает RTCP Picture Loss Indication. SSRC-поля оставлены
// нулевыми: ядро шлюза подставляет актуальные значения перед отправкой.
func BuildPLI() ([]byte, error) {
	pli := &rtcp.PictureLossIndication{}
	buf, err := pli.Marshal()
	if err != nil {
		return nil, fmt.Errorf("сборка PLI: %w", err)
	}
	return buf, nil
}

// BuildREMB собирает RTCP Receiver Estimated Maximum Bitrate с указанным
// битрейтом в битах в секунду.
func BuildREMB(bitrate uint32) ([]byte, error) {
	remb := &rtcp.ReceiverEstimatedMaximumBitrate{
		Bitrate: float32(bitrate),
		SSRCs:   []uint32{0},
	}
	buf, err := remb.Marshal()
	if err != nil {
		return nil, fmt.Errorf("сборка REMB: %w", err)
	}
	return buf, nil
}

// ExtractREMB ищет REMB-блок в составном RTCP-пакете и возвращает его
// битрейт. Второе значение false, если REMB в пакете нет или пакет
// не разбирается.
func ExtractREMB(buf []byte) (uint32, bool) {
	pkts, err := rtcp.Unmarshal(buf)
	if err != nil {
		return 0, false
	}
	for _, p := range pkts {
		if remb, ok := p.(*rtcp.ReceiverEstimatedMaximumBitrate); ok {
			return uint32(remb.Bitrate), true
		}
	}
	return 0, false
}

