// Package rocketmq is a transport which exchanges messages with the fleet through a RocketMQ topic.  Every node
// consumes the topic in broadcasting mode, so each message reaches every node and is delivered to whichever
// users are connected locally.
package rocketmq

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/ash2k/stager/wait"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/gru-im/spear"
	"github.com/gru-im/spear/pkg/spearctx"
)

// Config is the broker configuration shared by both halves of the pair.
type Config struct {
	NameServers []string
	Group       string
	Topic       string
	Instance    string // consumer instance name, the node id
}

// ConfigFromContext reads the broker configuration, failing if any of it is missing.
func ConfigFromContext(sc *spearctx.Context) (Config, error) {
	var nameServers []string
	for _, ns := range strings.Split(sc.Get(spear.ParamRocketMQNameServer), ",") {
		if ns = strings.TrimSpace(ns); ns != "" {
			nameServers = append(nameServers, ns)
		}
	}
	cfg := Config{
		NameServers: nameServers,
		Group:       strings.TrimSpace(sc.Get(spear.ParamRocketMQGroup)),
		Topic:       strings.TrimSpace(sc.Get(spear.ParamRocketMQTopic)),
		Instance:    sc.Get(spear.ParamSpearId),
	}
	switch {
	case len(cfg.NameServers) == 0:
		return cfg, fmt.Errorf("%s is not configured", spear.ParamRocketMQNameServer)
	case cfg.Group == "":
		return cfg, fmt.Errorf("%s is not configured", spear.ParamRocketMQGroup)
	case cfg.Topic == "":
		return cfg, fmt.Errorf("%s is not configured", spear.ParamRocketMQTopic)
	}
	return cfg, nil
}

// Producer is the subset of rocketmq.Producer used by the Sender.
type Producer interface {
	Start() error
	Shutdown() error
	SendSync(ctx context.Context, msgs ...*primitive.Message) (*primitive.SendResult, error)
}

// Consumer is the subset of rocketmq.PushConsumer used by the Receiver.
type Consumer interface {
	Start() error
	Shutdown() error
	Subscribe(topic string, selector consumer.MessageSelector, f func(context.Context, ...*primitive.MessageExt) (consumer.ConsumeResult, error)) error
}

// ProducerFactory creates a Producer.  Called from Sender.Start.
type ProducerFactory func(cfg Config) (Producer, error)

// ConsumerFactory creates a Consumer.  Called from Receiver.Start.
type ConsumerFactory func(cfg Config) (Consumer, error)

func newProducer(cfg Config) (Producer, error) {
	return rmq.NewProducer(
		producer.WithNameServer(cfg.NameServers),
		producer.WithGroupName(cfg.Group),
		producer.WithRetry(2),
	)
}

func newConsumer(cfg Config) (Consumer, error) {
	opts := []consumer.Option{
		consumer.WithNameServer(cfg.NameServers),
		consumer.WithGroupName(cfg.Group),
		consumer.WithConsumerModel(consumer.BroadCasting),
	}
	if cfg.Instance != "" {
		opts = append(opts, consumer.WithInstance(cfg.Instance))
	}
	return rmq.NewPushConsumer(opts...)
}

// Sender publishes messages to the topic.
type Sender struct {
	sent    uint64 // atomic
	started int32  // atomic

	logger     logrus.FieldLogger
	cfg        Config
	newProduce ProducerFactory
	producer   atomic.Value // Producer, set once started
	wg         wait.Group
}

// Receiver consumes the topic.
type Receiver struct {
	received uint64 // atomic
	started  int32  // atomic

	logger     logrus.FieldLogger
	cfg        Config
	newConsume ConsumerFactory
	handler    spear.MessageHandler
	wg         wait.Group
}

// New returns a matched pair.  No connection is made until Start.
func New(logger logrus.FieldLogger, cfg Config) (*Sender, *Receiver) {
	return NewWithFactories(logger, cfg, newProducer, newConsumer)
}

// NewWithFactories returns a matched pair with custom client factories.
func NewWithFactories(logger logrus.FieldLogger, cfg Config, pf ProducerFactory, cf ConsumerFactory) (*Sender, *Receiver) {
	logger = logger.WithFields(logrus.Fields{
		"transport": "rocketmq",
		"topic":     cfg.Topic,
	})
	return &Sender{
			logger:     logger,
			cfg:        cfg,
			newProduce: pf,
		}, &Receiver{
			logger:     logger,
			cfg:        cfg,
			newConsume: cf,
		}
}

// Start connects the producer.  It is shut down when ctx is done.
func (s *Sender) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return spear.ErrAlreadyStarted
	}
	p, err := s.newProduce(s.cfg)
	if err != nil {
		return fmt.Errorf("failed to create producer: %w", err)
	}
	if err := p.Start(); err != nil {
		return fmt.Errorf("failed to start producer: %w", err)
	}
	s.producer.Store(p)
	s.logger.WithField("nameservers", s.cfg.NameServers).Info("Producer started")

	s.wg.Start(func() {
		<-ctx.Done()
		if err := p.Shutdown(); err != nil {
			s.logger.WithError(err).Warn("Failed to shut down producer")
		}
	})
	return nil
}

// Wait blocks until the producer has been shut down.
func (s *Sender) Wait() {
	s.wg.Wait()
}

func (s *Sender) Send(ctx context.Context, msg *spear.Message) error {
	p, ok := s.producer.Load().(Producer)
	if !ok {
		return spear.ErrNotRunning
	}
	body, err := jsoniter.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	m := primitive.NewMessage(s.cfg.Topic, body)
	if msg.ID != "" {
		m.WithKeys([]string{msg.ID})
	}
	if _, err := p.SendSync(ctx, m); err != nil {
		return err
	}
	atomic.AddUint64(&s.sent, 1)
	return nil
}

func (s *Sender) Sent() uint64 {
	return atomic.LoadUint64(&s.sent)
}

func (r *Receiver) SetHandler(h spear.MessageHandler) {
	r.handler = h
}

// Start subscribes to the topic and starts consuming.  The consumer is shut down when ctx is done.
func (r *Receiver) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return spear.ErrAlreadyStarted
	}
	c, err := r.newConsume(r.cfg)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	if err := c.Subscribe(r.cfg.Topic, consumer.MessageSelector{}, r.consume); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := c.Start(); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	r.logger.Info("Consumer started")

	r.wg.Start(func() {
		<-ctx.Done()
		if err := c.Shutdown(); err != nil {
			r.logger.WithError(err).Warn("Failed to shut down consumer")
		}
	})
	return nil
}

func (r *Receiver) Wait() {
	r.wg.Wait()
}

func (r *Receiver) Received() uint64 {
	return atomic.LoadUint64(&r.received)
}

func (r *Receiver) consume(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
	for _, m := range msgs {
		var msg spear.Message
		if err := jsoniter.Unmarshal(m.Body, &msg); err != nil {
			// Redelivery will not fix a malformed body.
			r.logger.WithError(err).WithField("msg-id", m.MsgId).Warn("Dropping malformed message")
			continue
		}
		if r.handler == nil {
			r.logger.WithField("id", msg.ID).Warn("No handler, dropping message")
			continue
		}
		atomic.AddUint64(&r.received, 1)
		r.handler.HandleMessage(ctx, &msg)
	}
	return consumer.ConsumeSuccess, nil
}
