// Package recorder пишет медиа-кадры сессии в файловый архив.
//
// Формат файла: 8-байтовая сигнатура, заголовок с метаданными, затем
// последовательность кадров с длиной и относительной временной меткой.
// Постобработка (конвертация в контейнерные форматы) выполняется
// отдельным инструментом и в пакет не входит.
package recorder

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// fileMagic - сигнатура файла архива.
const fileMagic = "JNGREC01"

// Ошибки рекордера.
var (
	ErrInvalidCodec    = errors.New("неизвестный кодек")
	ErrInvalidFilename = errors.New("недопустимое имя файла")
	ErrClosed          = errors.New("рекордер уже закрыт")
	ErrEmptyFrame      = errors.New("пустой кадр")
)

// validCodecs - кодеки, которые умеет переваривать постобработка.
var validCodecs = map[string]bool{
	"opus": true,
	"g711": true,
	"pcma": true,
	"pcmu": true,
	"g722": true,
	"vp8":  true,
	"vp9":  true,
	"h264": true,
	"h265": true,
	"av1":  true,
	"text": true,
}

// IsValidCodec сообщает, поддерживается ли кодек архивом.
// Сравнение нечувствительно к регистру.
func IsValidCodec(codec string) bool {
	return validCodecs[strings.ToLower(codec)]
}

// Config описывает параметры создаваемого архива.
type Config struct {
	// Dir - каталог архива. Создается при необходимости.
	Dir string
	// Codec - кодек записываемого потока.
	Codec string
	// Filename - имя файла внутри Dir, без разделителей пути.
	Filename string
	// Compress включает потоковое zstd-сжатие содержимого.
	Compress bool
}

// Validate проверяет параметры архива.
func (c Config) Validate() error {
	if !IsValidCodec(c.Codec) {
		return fmt.Errorf("%w: %q", ErrInvalidCodec, c.Codec)
	}
	if c.Filename == "" || c.Filename != filepath.Base(c.Filename) || strings.Contains(c.Filename, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, c.Filename)
	}
	return nil
}

// fileHeader - метаданные, сохраняемые в начале архива.
type fileHeader struct {
	Codec      string    `json:"codec"`
	Created    time.Time `json:"created"`
	Compressed bool      `json:"compressed"`
}

// Recorder пишет кадры одного медиа-потока в файл.
//
// Все методы безопасны для конкурентного вызова. После Close запись
// невозможна, повторный Close безвреден.
type Recorder struct {
	mu      sync.Mutex
	file    *os.File
	w       io.Writer
	zw      *zstd.Encoder
	path    string
	codec   string
	created time.Time
	closed  bool
}

// New создает архив и пишет его заголовок. Существующий файл с тем же
// именем не перезаписывается.
func New(cfg Config) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dir := cfg.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("создание каталога архива: %w", err)
	}

	path := filepath.Join(dir, cfg.Filename)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("создание файла архива: %w", err)
	}

	r := &Recorder{
		file:    file,
		w:       file,
		path:    path,
		codec:   strings.ToLower(cfg.Codec),
		created: time.Now(),
	}
	if cfg.Compress {
		zw, err := zstd.NewWriter(file)
		if err != nil {
			file.Close()
			os.Remove(path)
			return nil, fmt.Errorf("инициализация zstd: %w", err)
		}
		r.zw = zw
		r.w = zw
	}

	if err := r.writeHeader(); err != nil {
		r.teardown()
		os.Remove(path)
		return nil, err
	}

	slog.Debug("recorder.New Started",
		slog.String("path", path),
		slog.String("codec", r.codec),
		slog.Bool("compress", cfg.Compress))
	return r, nil
}

// writeHeader пишет сигнатуру и JSON-метаданные напрямую в файл, минуя
// компрессор: читатель должен видеть метаданные до распаковки кадров.
func (r *Recorder) writeHeader() error {
	if _, err := r.file.WriteString(fileMagic); err != nil {
		return fmt.Errorf("запись сигнатуры: %w", err)
	}
	meta, err := json.Marshal(fileHeader{Codec: r.codec, Created: r.created, Compressed: r.zw != nil})
	if err != nil {
		return fmt.Errorf("сериализация метаданных: %w", err)
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(meta)))
	if _, err := r.file.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("запись метаданных: %w", err)
	}
	if _, err := r.file.Write(meta); err != nil {
		return fmt.Errorf("запись метаданных: %w", err)
	}
	return nil
}

// SaveFrame дописывает один кадр в архив. Временная метка кадра
// отсчитывается от момента создания архива.
func (r *Recorder) SaveFrame(buf []byte) error {
	if len(buf) == 0 {
		return ErrEmptyFrame
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	var hdr [12]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(buf)))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(time.Since(r.created).Nanoseconds()))
	if _, err := r.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("запись кадра: %w", err)
	}
	if _, err := r.w.Write(buf); err != nil {
		return fmt.Errorf("запись кадра: %w", err)
	}
	return nil
}

// Close завершает архив. Повторные вызовы возвращают nil.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	err := r.teardown()
	slog.Debug("recorder.Close Stopped", slog.String("path", r.path))
	return err
}

// teardown закрывает компрессор и файл, собирая первую ошибку.
func (r *Recorder) teardown() error {
	var first error
	if r.zw != nil {
		if err := r.zw.Close(); err != nil {
			first = fmt.Errorf("завершение zstd-потока: %w", err)
		}
	}
	if err := r.file.Close(); err != nil && first == nil {
		first = fmt.Errorf("закрытие файла архива: %w", err)
	}
	return first
}

// Path возвращает полный путь к файлу архива.
func (r *Recorder) Path() string {
	return r.path
}

// Codec возвращает кодек архива в нижнем регистре.
func (r *Recorder) Codec() string {
	return r.codec
}

// SaveFrame - nil-терпимый helper для горячего пути: отсутствие
// рекордера не является ошибкой.
func SaveFrame(r *Recorder, buf []byte) error {
	if r == nil {
		return nil
	}
	return r.SaveFrame(buf)
}

// Close - nil-терпимый helper закрытия.
func Close(r *Recorder) error {
	if r == nil {
		return nil
	}
	return r.Close()
}
