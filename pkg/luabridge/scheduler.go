package luabridge

import (
	"context"
	"log/slog"

	"github.com/looplab/fsm"
)

// Состояния и события жизненного цикла планировщика.
const (
	schedStateIdle    = "idle"
	schedStateRunning = "running"
	schedStateStopped = "stopped"

	schedEventStart = "start"
	schedEventStop  = "stop"
)

// scheduler будит скрипт для продолжения отложенных корутин.
//
// Запросы пробуждения коалесцируются: канал wake емкостью один хранит
// не более одного необработанного запроса, поэтому N запросов подряд
// приводят к одному-N вызовам resume, но никогда не накапливают
// очередь. Скрипт обязан сам проверять все свои отложенные корутины
// на каждое пробуждение.
type scheduler struct {
	machine *fsm.FSM
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	resume  func()
	metrics *bridgeMetrics
}

// newScheduler создает планировщик с указанным resume-колбэком.
func newScheduler(resume func(), metrics *bridgeMetrics) *scheduler {
	sc := &scheduler{
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		resume:  resume,
		metrics: metrics,
	}
	sc.machine = fsm.NewFSM(
		schedStateIdle,
		fsm.Events{
			{Name: schedEventStart, Src: []string{schedStateIdle}, Dst: schedStateRunning},
			{Name: schedEventStop, Src: []string{schedStateRunning}, Dst: schedStateStopped},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				slog.Debug("luabridge.Scheduler state",
					slog.String("from", e.Src),
					slog.String("to", e.Dst))
			},
		},
	)
	return sc
}

// start запускает поток планировщика. Повторный запуск невозможен.
func (sc *scheduler) start() error {
	if err := sc.machine.Event(context.Background(), schedEventStart); err != nil {
		return WrapError(ErrorCodeInternal, "запуск планировщика", err)
	}
	go sc.loop()
	slog.Debug("luabridge.Scheduler Started")
	return nil
}

func (sc *scheduler) loop() {
	defer close(sc.done)
	for {
		select {
		case <-sc.quit:
			slog.Debug("luabridge.Scheduler Stopped")
			return
		case <-sc.wake:
			sc.metrics.schedulerResumes.Inc()
			sc.resume()
		}
	}
}

// poke просит планировщик проснуться. Не блокируется: если пробуждение
// уже ожидает обработки, запрос поглощается им.
func (sc *scheduler) poke() {
	sc.metrics.schedulerPokes.Inc()
	select {
	case sc.wake <- struct{}{}:
	default:
	}
}

// stop останавливает поток планировщика и дожидается его завершения.
// Допустим только из состояния running.
func (sc *scheduler) stop() error {
	if err := sc.machine.Event(context.Background(), schedEventStop); err != nil {
		return WrapError(ErrorCodeInternal, "остановка планировщика", err)
	}
	close(sc.quit)
	<-sc.done
	return nil
}

// current возвращает текущее состояние планировщика.
func (sc *scheduler) current() string {
	return sc.machine.Current()
}
