package luabridge

import "sync"

// asyncType - тип асинхронного действия.
type asyncType int

const (
	asyncPushEvent asyncType = iota + 1
	asyncClosePC
)

// String возвращает метку типа для метрик и логов
func (t asyncType) String() string {
	switch t {
	case asyncPushEvent:
		return "pushevent"
	case asyncClosePC:
		return "closepc"
	default:
		return "unknown"
	}
}

// asyncEvent - одно действие, выполняемое вне вызова скрипта.
// Поле session держит ссылку, которую отпускает исполнитель; при
// отказе диспетчера ссылку отпускает вызывающий.
type asyncEvent struct {
	session     *session
	kind        asyncType
	transaction string
	event       string
	jsep        string
}

// dispatcher выполняет действия, которые нельзя делать из-под
// блокировки движка. ClosePc синхронно возвращается из ядра в
// HangupMedia, а тому нужен движок: выполнение в отдельной горутине
// разрывает цикл. PushEvent с JSEP туда же, чтобы не держать движок
// на время переговоров ядра.
type dispatcher struct {
	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	run     func(*asyncEvent)
	metrics *bridgeMetrics
}

func newDispatcher(run func(*asyncEvent), metrics *bridgeMetrics) *dispatcher {
	return &dispatcher{run: run, metrics: metrics}
}

// dispatch запускает действие в отдельной горутине. После close все
// действия отвергаются, и ссылку на сессию отпускает вызывающий.
func (d *dispatcher) dispatch(ev *asyncEvent) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.metrics.asyncRejected.Inc()
		return NewSessionError(ErrorCodeDispatchRejected, ev.session.id,
			"диспетчер остановлен, действие '"+ev.kind.String()+"' не запланировано")
	}
	d.wg.Add(1)
	d.mu.Unlock()

	d.metrics.asyncDispatched.WithLabelValues(ev.kind.String()).Inc()
	go func() {
		defer d.wg.Done()
		d.run(ev)
		ev.session.unref()
	}()
	return nil
}

// close останавливает прием действий и дожидается уже запущенных.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
