package plugin

import "encoding/json"

// ResultType определяет исход синхронной обработки сообщения.
type ResultType int

const (
	// ResultError - сообщение отвергнуто, Text содержит причину.
	ResultError ResultType = iota
	// ResultSuccess - сообщение обработано синхронно, Content содержит ответ.
	ResultSuccess
	// ResultDeferred - обработка продолжится асинхронно, ответ придет
	// позже через Gateway.PushEvent.
	ResultDeferred
)

// String возвращает строковое представление типа результата
func (t ResultType) String() string {
	switch t {
	case ResultError:
		return "error"
	case ResultSuccess:
		return "success"
	case ResultDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Result - результат HandleMessage.
type Result struct {
	Type    ResultType
	Text    string
	Content json.RawMessage
}

// NewErrorResult создает результат-ошибку с текстом причины.
func NewErrorResult(text string) *Result {
	return &Result{Type: ResultError, Text: text}
}

// NewSuccessResult создает синхронный результат с JSON-ответом.
func NewSuccessResult(content json.RawMessage) *Result {
	return &Result{Type: ResultSuccess, Content: content}
}

// NewDeferredResult создает отложенный результат. hint опционален и
// попадает в ack-ответ ядра.
func NewDeferredResult(hint string) *Result {
	return &Result{Type: ResultDeferred, Text: hint}
}
