package realtime

import "sync"

// Hub хранит подписки и доставляет им снимки. Каждая подписка обслуживается
// своей горутиной, поэтому снимки одного пути приходят в порядке публикации,
// а медленный обработчик не задерживает остальных.
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber
	closed bool
}

// NewHub создаёт пустой набор подписок.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscriber)}
}

// Attach регистрирует подписку и ставит в очередь её начальный снимок.
func (h *Hub) Attach(path string, initial Snapshot, onValue func(Snapshot)) (Unsubscribe, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	h.nextID++
	id := h.nextID
	s := newSubscriber(Join(path), onValue)
	h.subs[id] = s
	s.push(initial)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			s.stop()
		})
	}, nil
}

// Publish доставляет новое значение каждой подписке, затронутой хотя бы одним из
// изменённых путей, ровно один раз. load читает значение пути подписки. Если
// чтение не удалось, подписка остаётся без доставки, а её путь попадает в
// результат, чтобы вызывающий мог опубликовать его повторно.
func (h *Hub) Publish(changed []string, load func(path string) (Snapshot, error)) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var failed []string
	seen := make(map[string]struct{})
	for _, s := range h.subs {
		if !relatedToAny(s.path, changed) {
			continue
		}
		snap, err := load(s.path)
		if err != nil {
			if _, ok := seen[s.path]; !ok {
				seen[s.path] = struct{}{}
				failed = append(failed, s.path)
			}
			continue
		}
		s.push(snap)
	}
	return failed
}

func relatedToAny(path string, changed []string) bool {
	for _, c := range changed {
		if Related(path, c) {
			return true
		}
	}
	return false
}

// Close останавливает все подписки.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*subscriber)
	h.closed = true
	h.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

type subscriber struct {
	path    string
	onValue func(Snapshot)

	mu     sync.Mutex
	queue  []Snapshot
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newSubscriber(path string, onValue func(Snapshot)) *subscriber {
	s := &subscriber{
		path:    path,
		onValue: onValue,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscriber) push(snap Snapshot) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, snap)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if s.closed || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			snap := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			if s.onValue != nil {
				s.onValue(snap)
			}
		}
	}
}
