package luabridge

import (
	"fmt"
	"log/slog"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// requiredFunctions - entry points, которые скрипт обязан определить.
var requiredFunctions = []string{
	"init", "destroy", "resumeScheduler",
	"createSession", "destroySession", "querySession",
	"handleMessage",
	"setupMedia", "hangupMedia",
}

// engine - один интерпретатор на плагин, закрытый общим мьютексом.
//
// Каждый вызов entry point выполняется на свежей корутине основного
// состояния: у корутины собственный стек, поэтому вызовы не видят
// остатков чужих стеков, а глобальное окружение общее. Интерпретатор
// не потокобезопасен, вся сериализация держится на mu.
type engine struct {
	mu    sync.Mutex
	state *lua.LState

	// Опциональные entry points, выясняются один раз при загрузке
	hasIncomingRTP  bool
	hasIncomingRTCP bool
	hasIncomingData bool
	hasSlowLink     bool

	metrics *bridgeMetrics
}

// newEngine создает интерпретатор, регистрирует методы моста, грузит
// скрипт и проверяет наличие обязательных функций. init скрипта на
// этом этапе еще не вызывается.
func newEngine(cfg Config, methods map[string]lua.LGFunction, metrics *bridgeMetrics) (*engine, error) {
	state := lua.NewState()

	if cfg.ScriptFolder != "" {
		pkg := state.GetGlobal("package")
		cur := lua.LVAsString(state.GetField(pkg, "path"))
		state.SetField(pkg, "path", lua.LString(fmt.Sprintf("%s;%s/?.lua", cur, cfg.ScriptFolder)))
	}

	for name, fn := range methods {
		state.Register(name, fn)
	}
	for name, fn := range cfg.ExtraMethods {
		state.Register(name, fn)
	}

	if err := state.DoFile(cfg.ScriptPath); err != nil {
		state.Close()
		return nil, WrapError(ErrorCodeScriptLoad,
			fmt.Sprintf("загрузка скрипта '%s'", cfg.ScriptPath), err)
	}

	for _, name := range requiredFunctions {
		if state.GetGlobal(name).Type() != lua.LTFunction {
			state.Close()
			return nil, NewBridgeError(ErrorCodeMissingFunction,
				fmt.Sprintf("в скрипте отсутствует функция '%s'", name))
		}
	}

	e := &engine{
		state:   state,
		metrics: metrics,

		hasIncomingRTP:  state.GetGlobal("incomingRtp").Type() == lua.LTFunction,
		hasIncomingRTCP: state.GetGlobal("incomingRtcp").Type() == lua.LTFunction,
		hasIncomingData: state.GetGlobal("incomingData").Type() == lua.LTFunction,
		hasSlowLink:     state.GetGlobal("slowLink").Type() == lua.LTFunction,
	}
	slog.Debug("luabridge.Engine Loaded",
		slog.String("script", cfg.ScriptPath),
		slog.Bool("incomingRtp", e.hasIncomingRTP),
		slog.Bool("incomingRtcp", e.hasIncomingRTCP),
		slog.Bool("incomingData", e.hasIncomingData),
		slog.Bool("slowLink", e.hasSlowLink))
	return e, nil
}

// callLocked выполняет entry на свежей корутине и возвращает nret
// результатов. Вызывается строго под mu.
func (e *engine) callLocked(entry string, nret int, args ...lua.LValue) ([]lua.LValue, error) {
	co, _ := e.state.NewThread()
	fn := co.GetGlobal(entry)
	if fn.Type() != lua.LTFunction {
		return nil, NewBridgeError(ErrorCodeMissingFunction,
			fmt.Sprintf("функция '%s' пропала из окружения", entry))
	}
	if err := co.CallByParam(lua.P{Fn: fn, NRet: nret, Protect: true}, args...); err != nil {
		return nil, EngineCallError(entry, err)
	}
	if nret == 0 {
		return nil, nil
	}
	if top := co.GetTop(); top != nret {
		return nil, NewBridgeError(ErrorCodeBadScriptResult,
			fmt.Sprintf("'%s' вернула %d значений вместо %d", entry, top, nret))
	}
	out := make([]lua.LValue, nret)
	for i := range out {
		out[i] = co.Get(i + 1)
	}
	co.SetTop(0)
	return out, nil
}

// invoke вызывает entry без результатов.
func (e *engine) invoke(entry string, args ...lua.LValue) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics.engineCalls.WithLabelValues(entry).Inc()
	_, err := e.callLocked(entry, 0, args...)
	if err != nil {
		e.metrics.engineErrors.WithLabelValues(entry).Inc()
	}
	return err
}

// invokeString вызывает entry с одним строковым результатом.
func (e *engine) invokeString(entry string, args ...lua.LValue) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics.engineCalls.WithLabelValues(entry).Inc()
	out, err := e.callLocked(entry, 1, args...)
	if err != nil {
		e.metrics.engineErrors.WithLabelValues(entry).Inc()
		return "", err
	}
	return lua.LVAsString(out[0]), nil
}

// invokeStatus вызывает entry с парой результатов (статус, ответ).
func (e *engine) invokeStatus(entry string, args ...lua.LValue) (int, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics.engineCalls.WithLabelValues(entry).Inc()
	out, err := e.callLocked(entry, 2, args...)
	if err != nil {
		e.metrics.engineErrors.WithLabelValues(entry).Inc()
		return 0, "", err
	}
	return int(lua.LVAsNumber(out[0])), lua.LVAsString(out[1]), nil
}

// close освобождает интерпретатор. Все последующие вызовы недопустимы.
func (e *engine) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Close()
	slog.Debug("luabridge.Engine Closed")
}
