package luabridge

import "fmt"

// BridgeErrorCode определяет типизированные коды ошибок моста.
// Позволяет классифицировать ошибки по категориям и обрабатывать их соответствующим образом.
type BridgeErrorCode int

const (
	// Ошибки жизненного цикла плагина
	ErrorCodeNotInitialized BridgeErrorCode = iota + 2000
	ErrorCodeAlreadyInitialized
	ErrorCodeShuttingDown
	ErrorCodeInvalidConfig
	ErrorCodeInternal

	// Ошибки скрипта и движка
	ErrorCodeScriptLoad
	ErrorCodeMissingFunction
	ErrorCodeEngineCall
	ErrorCodeBadScriptResult

	// Ошибки реестра сессий
	ErrorCodeSessionNotFound
	ErrorCodeSessionDestroyed
	ErrorCodeSessionExists

	// Ошибки полезной нагрузки
	ErrorCodeBadJSON
	ErrorCodeBadJSEP

	// Ошибки асинхронной доставки
	ErrorCodeDispatchRejected

	// Ошибки записи
	ErrorCodeRecordingFailed
	ErrorCodeRecordingDuplicate
)

// String возвращает строковое представление кода ошибки
func (code BridgeErrorCode) String() string {
	switch code {
	case ErrorCodeNotInitialized:
		return "NotInitialized"
	case ErrorCodeAlreadyInitialized:
		return "AlreadyInitialized"
	case ErrorCodeShuttingDown:
		return "ShuttingDown"
	case ErrorCodeInvalidConfig:
		return "InvalidConfig"
	case ErrorCodeInternal:
		return "Internal"
	case ErrorCodeScriptLoad:
		return "ScriptLoad"
	case ErrorCodeMissingFunction:
		return "MissingFunction"
	case ErrorCodeEngineCall:
		return "EngineCall"
	case ErrorCodeBadScriptResult:
		return "BadScriptResult"
	case ErrorCodeSessionNotFound:
		return "SessionNotFound"
	case ErrorCodeSessionDestroyed:
		return "SessionDestroyed"
	case ErrorCodeSessionExists:
		return "SessionExists"
	case ErrorCodeBadJSON:
		return "BadJSON"
	case ErrorCodeBadJSEP:
		return "BadJSEP"
	case ErrorCodeDispatchRejected:
		return "DispatchRejected"
	case ErrorCodeRecordingFailed:
		return "RecordingFailed"
	case ErrorCodeRecordingDuplicate:
		return "RecordingDuplicate"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// BridgeError - базовая структура ошибок моста.
// Предоставляет расширенную информацию об ошибке включая:
//   - Типизированный код ошибки
//   - Контекстную информацию (аргументы, entry point скрипта)
//   - Возможность обертывания других ошибок
//   - Идентификатор сессии для сопоставления с логами
type BridgeError struct {
	Code      BridgeErrorCode
	Message   string
	SessionID uint32
	Context   map[string]interface{}
	Wrapped   error
}

// Error реализует интерфейс error, возвращая форматированное сообщение об ошибке.
func (e *BridgeError) Error() string {
	if e.SessionID != 0 {
		return fmt.Sprintf("[lua:%d] сессия %d: %s", e.Code, e.SessionID, e.Message)
	}
	return fmt.Sprintf("[lua:%d] %s", e.Code, e.Message)
}

// Unwrap возвращает обернутую ошибку, поддерживая errors.Unwrap.
func (e *BridgeError) Unwrap() error {
	return e.Wrapped
}

// Is поддерживает errors.Is, позволяя сравнивать ошибки по коду.
func (e *BridgeError) Is(target error) bool {
	if t, ok := target.(*BridgeError); ok {
		return e.Code == t.Code
	}
	return false
}

// GetContext возвращает значение из контекста ошибки по ключу.
func (e *BridgeError) GetContext(key string) interface{} {
	if e.Context == nil {
		return nil
	}
	return e.Context[key]
}

// NewBridgeError создает ошибку моста без привязки к сессии.
func NewBridgeError(code BridgeErrorCode, message string) *BridgeError {
	return &BridgeError{Code: code, Message: message}
}

// NewSessionError создает ошибку моста, привязанную к сессии.
func NewSessionError(code BridgeErrorCode, sessionID uint32, message string) *BridgeError {
	return &BridgeError{Code: code, Message: message, SessionID: sessionID}
}

// WrapError оборачивает другую ошибку в ошибку моста.
func WrapError(code BridgeErrorCode, message string, wrapped error) *BridgeError {
	return &BridgeError{Code: code, Message: message, Wrapped: wrapped}
}

// EngineCallError создает ошибку вызова entry point скрипта.
func EngineCallError(entry string, wrapped error) *BridgeError {
	return &BridgeError{
		Code:    ErrorCodeEngineCall,
		Message: fmt.Sprintf("вызов '%s' завершился ошибкой", entry),
		Context: map[string]interface{}{
			"entry": entry,
		},
		Wrapped: wrapped,
	}
}
