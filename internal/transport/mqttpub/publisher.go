package mqttpub

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"turtlecraft.ai/internal/sim/dispatch"
	"turtlecraft.ai/internal/sim/pose"
)

type Config struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte

	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	QueueCapacity  int
}

func (c *Config) normalize() {
	if c.ClientID == "" {
		c.ClientID = "turtlecraft-server"
	}
	c.TopicPrefix = strings.Trim(c.TopicPrefix, "/")
	if c.TopicPrefix == "" {
		c.TopicPrefix = "turtlecraft"
	}
	if c.QoS > 2 {
		c.QoS = 1
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 512
	}
}

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type message struct {
	topic    string
	retained bool
	payload  []byte
}

// Publisher mirrors dispatch events to an MQTT broker:
//
//	<prefix>/<turtle>/dispatch  every event, not retained
//	<prefix>/<turtle>/pose      pose after the dispatch, retained
//
// It is a dispatch.Sink. Messages are queued and a full queue drops them.
type Publisher struct {
	cfg    Config
	c      client
	logger *log.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan message
	wg     sync.WaitGroup
	once   sync.Once

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// Dial connects to the broker. Reconnects after the first connect are left
// to paho.
func Dial(cfg Config, logger *log.Logger) (*Publisher, error) {
	cfg.normalize()
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt: empty broker url")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		if logger != nil {
			logger.Printf("mqtt connected: broker=%s client_id=%s", cfg.BrokerURL, cfg.ClientID)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if logger != nil {
			logger.Printf("mqtt connection lost: %v", err)
		}
	})

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", cfg.BrokerURL)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.BrokerURL, err)
	}
	return newPublisher(cfg, c, logger), nil
}

func newPublisher(cfg Config, c client, logger *log.Logger) *Publisher {
	cfg.normalize()
	p := &Publisher{
		cfg:    cfg,
		c:      c,
		logger: logger,
		queue:  make(chan message, cfg.QueueCapacity),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *Publisher) DispatchTopic(turtle string) string {
	return p.cfg.TopicPrefix + "/" + topicSegment(turtle) + "/dispatch"
}

func (p *Publisher) PoseTopic(turtle string) string {
	return p.cfg.TopicPrefix + "/" + topicSegment(turtle) + "/pose"
}

func (p *Publisher) Publish(ev dispatch.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		p.failed.Add(1)
		return
	}
	pb, _ := json.Marshal(struct {
		Turtle string    `json:"turtle"`
		Pose   pose.Pose `json:"pose"`
		Time   time.Time `json:"time"`
	}{ev.Turtle, ev.After, ev.Time})

	p.enqueue(message{topic: p.DispatchTopic(ev.Turtle), payload: body})
	p.enqueue(message{topic: p.PoseTopic(ev.Turtle), retained: true, payload: pb})
}

func (p *Publisher) enqueue(m message) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return
	}
	select {
	case p.queue <- m:
	default:
		p.dropped.Add(1)
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for m := range p.queue {
		tok := p.c.Publish(m.topic, p.cfg.QoS, m.retained, m.payload)
		if !tok.WaitTimeout(p.cfg.PublishTimeout) {
			p.failed.Add(1)
			p.printf("mqtt publish %s timed out", m.topic)
			continue
		}
		if err := tok.Error(); err != nil {
			p.failed.Add(1)
			p.printf("mqtt publish %s failed: %v", m.topic, err)
			continue
		}
		p.published.Add(1)
	}
}

// Close drains the queue and disconnects. Later events count as dropped.
func (p *Publisher) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		p.wg.Wait()
		p.c.Disconnect(250)
	})
}

type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

func (p *Publisher) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *Publisher) printf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}

// topicSegment keeps a turtle name from introducing extra levels or
// wildcards into the topic.
func topicSegment(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#':
			return '_'
		}
		return r
	}, name)
}
