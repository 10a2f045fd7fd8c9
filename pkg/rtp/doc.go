// Package rtp содержит RTP-утилиты уровня плагина: переписывание
// continuity-полей заголовка при смене источника и построение
// RTCP feedback-пакетов (PLI, REMB).
//
// Транспорт и шифрование пакетов остаются на стороне ядра шлюза;
// пакет работает только с уже принятыми буферами.
package rtp
