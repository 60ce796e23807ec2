package transport

import (
	"log/slog"
	"strconv"
	"sync"

	"github.com/alexjbarnes/relay-chat/internal/stomp"
)

// Inbound topics.
const (
	TopicMessages     = "/user/queue/messages"
	TopicTyping       = "/user/queue/typing"
	TopicReadReceipts = "/user/queue/read-receipts"
	TopicCall         = "/user/queue/call"
	TopicPresence     = "/topic/presence"
)

// Outbound destinations.
const (
	DestSend      = "/app/chat.send"
	DestTyping    = "/app/chat.typing"
	DestDelivered = "/app/chat.delivered"
	DestRead      = "/app/message/read"
	DestCallOffer = "/app/call.offer"
	DestCallAns   = "/app/call.answer"
	DestCallICE   = "/app/call.ice"
	DestCallEnd   = "/app/call.end"
)

// dispatchQueueSize is the buffer between the connection reader and the
// dispatch goroutine. A full queue applies back-pressure to the reader.
const dispatchQueueSize = 256

// Handler receives the body of a MESSAGE frame for one topic.
type Handler func(body []byte)

type route struct {
	destination string
	handler     Handler
}

type delivery struct {
	handler Handler
	body    []byte
	gen     uint64
}

// Router maps inbound topics to handlers. Subscriptions are installed on
// every successful connect and torn down on disconnect. All handlers run
// on a single dispatch goroutine, so they observe inbound events in
// arrival order and never run concurrently with each other.
type Router struct {
	logger *slog.Logger

	mu     sync.Mutex
	routes []route
	// active maps subscription id to route for the current connection.
	active map[string]route
	nextID int
	// gen changes on every install and teardown. Deliveries queued under
	// an older generation are dropped.
	gen uint64

	queue chan delivery
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewRouter creates a router and starts its dispatch goroutine. Call
// Close to stop it.
func NewRouter(logger *slog.Logger) *Router {
	r := &Router{
		logger: logger,
		active: make(map[string]route),
		queue:  make(chan delivery, dispatchQueueSize),
		done:   make(chan struct{}),
	}

	r.wg.Add(1)

	go r.loop()

	return r
}

// Handle registers h for destination. Registrations made while connected
// take effect on the next connect.
func (r *Router) Handle(destination string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.routes = append(r.routes, route{destination: destination, handler: h})
}

// install subscribes every registered route through send. Any prior
// subscriptions are forgotten first.
func (r *Router) install(send func(*stomp.Frame) error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.active)
	r.gen++

	for _, rt := range r.routes {
		id := "sub-" + strconv.Itoa(r.nextID)
		r.nextID++

		f := stomp.New(stomp.CmdSubscribe,
			stomp.HdrID, id,
			stomp.HdrDestination, rt.destination,
		)
		if err := send(f); err != nil {
			r.logger.Warn("subscribe failed",
				slog.String("destination", rt.destination),
				slog.String("error", err.Error()),
			)

			continue
		}

		r.active[id] = rt
	}

	r.logger.Debug("subscriptions installed", slog.Int("count", len(r.active)))
}

// teardown drops all active subscriptions. When send is non-nil an
// UNSUBSCRIBE frame is sent for each.
func (r *Router) teardown(send func(*stomp.Frame) error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if send != nil {
		for id := range r.active {
			_ = send(stomp.New(stomp.CmdUnsubscribe, stomp.HdrID, id))
		}
	}

	clear(r.active)
	r.gen++
}

// Subscribed returns the destinations with an active subscription.
func (r *Router) Subscribed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.active))
	for _, rt := range r.active {
		out = append(out, rt.destination)
	}

	return out
}

// dispatch queues a MESSAGE frame for its handler. Frames for unknown or
// torn-down subscriptions are dropped.
func (r *Router) dispatch(f *stomp.Frame) {
	r.mu.Lock()
	rt, ok := r.active[f.Get(stomp.HdrSubscription)]
	gen := r.gen
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("dropping frame for inactive subscription",
			slog.String("subscription", f.Get(stomp.HdrSubscription)),
			slog.String("destination", f.Get(stomp.HdrDestination)),
		)

		return
	}

	select {
	case r.queue <- delivery{handler: rt.handler, body: f.Body, gen: gen}:
	case <-r.done:
	}
}

func (r *Router) loop() {
	defer r.wg.Done()

	for {
		select {
		case d := <-r.queue:
			if r.current(d.gen) {
				d.handler(d.body)
			}
		case <-r.done:
			return
		}
	}
}

func (r *Router) current(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.gen {
		r.logger.Debug("dropping delivery queued before teardown")
		return false
	}

	return true
}

// Close stops the dispatch goroutine and waits for it to exit. Queued
// deliveries that have not started are discarded.
func (r *Router) Close() {
	r.once.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}
