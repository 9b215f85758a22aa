package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astiplug/pkg/astimsg"
	paho "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/sync/errgroup"
)

const (
	DeltaStatNameCommandRate   = "astiplug.mqtt.command.rate"
	DeltaStatNamePublishErrors = "astiplug.mqtt.publish.errors"
	DeltaStatNamePublishRate   = "astiplug.mqtt.publish.rate"
)

const (
	defaultQueueSize = 64
	defaultTimeout   = 5 * time.Second
	eventPeriod      = 10 * time.Millisecond
)

// Subset of paho.Client used by the bridge
type Client interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
}

// Bridges a controllable to an mqtt broker:
//   - events are published as json on <prefix>/events
//   - state changes are published as retained json values on <prefix>/state/<context>/<variable>
//   - json messages received on <prefix>/commands are put in the controllable's command sink
type Bridge struct {
	c   Client
	cs  bridgeCumulativeStats
	evt *astimsg.Sink
	l   astikit.CompleteLogger
	o   BridgeOptions
	q   chan publication
}

type bridgeCumulativeStats struct {
	commands      uint64
	publishErrors uint64
	publications  uint64
}

type BridgeOptions struct {
	// Used when Client is nil, e.g. "tcp://127.0.0.1:1883"
	Broker string
	// Defaults to a client created from Broker and ClientID
	Client       Client
	ClientID     string
	Controllable *astimsg.Controllable
	Logger       astikit.StdLogger
	QoS          byte
	// Defaults to 64
	QueueSize int
	// Defaults to 5s
	Timeout     time.Duration
	TopicPrefix string
}

type publication struct {
	payload  []byte
	retained bool
	topic    string
}

func New(o BridgeOptions) (*Bridge, error) {
	// Check options
	if o.Controllable == nil {
		return nil, errors.New("mqtt: controllable is nil")
	}
	if o.Client == nil && o.Broker == "" {
		return nil, errors.New("mqtt: broker is empty")
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	o.TopicPrefix = strings.TrimSuffix(o.TopicPrefix, "/")

	// Create bridge
	b := &Bridge{
		c: o.Client,
		l: astikit.AdaptStdLogger(o.Logger),
		o: o,
		q: make(chan publication, o.QueueSize),
	}

	// Create client
	if b.c == nil {
		opts := paho.NewClientOptions()
		opts.AddBroker(o.Broker)
		opts.SetClientID(o.ClientID)
		opts.SetAutoReconnect(true)
		opts.SetConnectRetry(true)
		opts.SetConnectRetryInterval(2 * time.Second)
		opts.SetMaxReconnectInterval(30 * time.Second)
		opts.SetOnConnectHandler(func(c paho.Client) {
			// Subscriptions are lost on reconnect with a clean session
			if err := b.subscribe(); err != nil {
				b.l.Warn(fmt.Errorf("mqtt: subscribing failed: %w", err))
			}
		})
		opts.SetConnectionLostHandler(func(c paho.Client, err error) {
			b.l.Warn(fmt.Errorf("mqtt: connection to %s lost: %w", o.Broker, err))
		})
		b.c = paho.NewClient(opts)
	}

	// Create event sink
	b.evt = astimsg.NewSink(astimsg.SinkOptions{
		Handler: b.onEvent,
		Logger:  o.Logger,
	})
	return b, nil
}

func (b *Bridge) topic(s ...string) string {
	if b.o.TopicPrefix == "" {
		return strings.Join(s, "/")
	}
	return b.o.TopicPrefix + "/" + strings.Join(s, "/")
}

func (b *Bridge) CommandsTopic() string {
	return b.topic("commands")
}

func (b *Bridge) EventsTopic() string {
	return b.topic("events")
}

func (b *Bridge) StateTopic(context, variable string) string {
	return b.topic("state", context, variable)
}

func wait(t paho.Token, timeout time.Duration) error {
	if !t.WaitTimeout(timeout) {
		return errors.New("mqtt: timeout")
	}
	return t.Error()
}

func (b *Bridge) subscribe() error {
	return wait(b.c.Subscribe(b.CommandsTopic(), b.o.QoS, b.onCommand), b.o.Timeout)
}

// Blocks until ctx is done or publishing can't proceed
func (b *Bridge) Run(ctx context.Context) error {
	// Connect
	if err := wait(b.c.Connect(), b.o.Timeout); err != nil {
		return fmt.Errorf("mqtt: connecting failed: %w", err)
	}
	defer b.c.Disconnect(250)
	b.l.InfoCf(ctx, "mqtt: connected to %s", b.o.Broker)

	// Subscribe
	if err := b.subscribe(); err != nil {
		return fmt.Errorf("mqtt: subscribing to %s failed: %w", b.CommandsTopic(), err)
	}
	defer func() {
		if err := wait(b.c.Unsubscribe(b.CommandsTopic()), b.o.Timeout); err != nil {
			b.l.Warn(fmt.Errorf("mqtt: unsubscribing from %s failed: %w", b.CommandsTopic(), err))
		}
	}()

	// Listen to events, current state is replayed
	b.o.Controllable.EvtHub().Connect(b.evt)
	defer b.o.Controllable.EvtHub().Disconnect(b.evt)

	// Create group
	g, ctx := errgroup.WithContext(ctx)

	// Dispatch events
	g.Go(func() error {
		for {
			// Dispatch
			if !b.evt.Iteration() {
				return nil
			}

			// Sleep
			if err := astikit.Sleep(ctx, eventPeriod); err != nil {
				return nil
			}
		}
	})

	// Publish
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case p := <-b.q:
				b.publish(ctx, p)
			}
		}
	})

	// Wait
	return g.Wait()
}

func (b *Bridge) Close() {
	b.evt.Close()
}

func (b *Bridge) publish(ctx context.Context, p publication) {
	if err := wait(b.c.Publish(p.topic, b.o.QoS, p.retained, p.payload), b.o.Timeout); err != nil {
		atomic.AddUint64(&b.cs.publishErrors, 1)
		b.l.WarnC(ctx, fmt.Errorf("mqtt: publishing to %s failed: %w", p.topic, err))
		return
	}
	atomic.AddUint64(&b.cs.publications, 1)
}

func (b *Bridge) enqueue(p publication) {
	select {
	case b.q <- p:
	default:
		atomic.AddUint64(&b.cs.publishErrors, 1)
		b.l.Warnf("mqtt: queue is full, dropping publication to %s", p.topic)
	}
}

func (b *Bridge) onEvent(m *astimsg.Message) bool {
	// Publish event
	if payload, err := json.Marshal(m); err != nil {
		b.l.Warn(fmt.Errorf("mqtt: marshaling event failed: %w", err))
	} else {
		b.enqueue(publication{payload: payload, topic: b.EventsTopic()})
	}

	// Publish state
	if m.Is(astimsg.NamespaceState, astimsg.IDStateChanged) {
		s, err := m.State()
		if err != nil || s.Context == "" || s.Variable == "" {
			return true
		}
		payload, err := json.Marshal(s.Value)
		if err != nil {
			b.l.Warn(fmt.Errorf("mqtt: marshaling state %s/%s failed: %w", s.Context, s.Variable, err))
			return true
		}
		b.enqueue(publication{
			payload:  payload,
			retained: true,
			topic:    b.StateTopic(s.Context, s.Variable),
		})
	}
	return true
}

func (b *Bridge) onCommand(_ paho.Client, msg paho.Message) {
	// Unmarshal
	var m astimsg.Message
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		b.l.Warn(fmt.Errorf("mqtt: unmarshaling command received on %s failed: %w", msg.Topic(), err))
		return
	}

	// Validate
	if err := m.Validate(); err != nil {
		b.l.Warn(fmt.Errorf("mqtt: invalid command received on %s: %w", msg.Topic(), err))
		return
	}

	// Forward
	atomic.AddUint64(&b.cs.commands, 1)
	b.o.Controllable.CmdSink().PutCopy(&m)
}

func (b *Bridge) DeltaStats() []astikit.DeltaStat {
	return []astikit.DeltaStat{
		{
			Metadata: astikit.DeltaStatMetadata{
				Description: "Number of commands received per second",
				Label:       "Command rate",
				Name:        DeltaStatNameCommandRate,
				Unit:        "cps",
			},
			Valuer: astikit.NewAtomicUint64RateDeltaStat(&b.cs.commands),
		},
		{
			Metadata: astikit.DeltaStatMetadata{
				Description: "Number of failed or dropped publications",
				Label:       "Publish errors",
				Name:        DeltaStatNamePublishErrors,
			},
			Valuer: astikit.NewAtomicUint64CumulativeDeltaStat(&b.cs.publishErrors),
		},
		{
			Metadata: astikit.DeltaStatMetadata{
				Description: "Number of publications per second",
				Label:       "Publish rate",
				Name:        DeltaStatNamePublishRate,
				Unit:        "pps",
			},
			Valuer: astikit.NewAtomicUint64RateDeltaStat(&b.cs.publications),
		},
	}
}
