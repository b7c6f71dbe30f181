package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamConfig configures the store-and-forward channel.
type JetStreamConfig struct {
	// StreamName is the JetStream stream holding both directions.
	StreamName string `yaml:"stream"`
	// SubjectPrefix roots every subject (default: bsai).
	SubjectPrefix string `yaml:"subject_prefix"`
	// ConsumerName is the durable consumer for inbound messages.
	ConsumerName string `yaml:"consumer"`
	// MaxAge bounds how long undelivered messages are retained.
	MaxAge time.Duration `yaml:"max_age"`
}

// DefaultJetStreamConfig returns the default stream layout.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		StreamName:    "BSAI",
		SubjectPrefix: "bsai",
		ConsumerName:  "bsai-inbound",
		MaxAge:        24 * time.Hour,
	}
}

// OutboundSubject returns the subject an envelope for sessionID is published on.
func (c JetStreamConfig) OutboundSubject(sessionID string, msgType MessageType) string {
	return fmt.Sprintf("%s.out.%s.%s", c.SubjectPrefix, subjectToken(sessionID), msgType)
}

// InboundSubject returns the subject remote agents publish replies on.
func (c JetStreamConfig) InboundSubject(sessionID string, msgType MessageType) string {
	return fmt.Sprintf("%s.in.%s.%s", c.SubjectPrefix, subjectToken(sessionID), msgType)
}

// subjectToken makes an arbitrary id safe for use as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

// JetStreamChannel is a store-and-forward Channel backed by a JetStream
// stream. Outbound envelopes are published per session; inbound envelopes
// are consumed with a durable consumer and dispatched to a Router.
type JetStreamChannel struct {
	js     jetstream.JetStream
	config JetStreamConfig
	stream jetstream.Stream
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewJetStreamChannel creates or updates the backing stream.
func NewJetStreamChannel(ctx context.Context, js jetstream.JetStream, config JetStreamConfig, logger *slog.Logger) (*JetStreamChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultJetStreamConfig()
	if config.StreamName == "" {
		config.StreamName = defaults.StreamName
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = defaults.SubjectPrefix
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.MaxAge <= 0 {
		config.MaxAge = defaults.MaxAge
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        config.StreamName,
		Description: "bsai agent and observer messages",
		Subjects:    []string{config.SubjectPrefix + ".out.>", config.SubjectPrefix + ".in.>"},
		MaxAge:      config.MaxAge,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", config.StreamName, err)
	}

	return &JetStreamChannel{
		js:     js,
		config: config,
		stream: stream,
		logger: logger.With("component", "jetstream-channel"),
	}, nil
}

// Send publishes env on the session's outbound subject.
func (c *JetStreamChannel) Send(ctx context.Context, sessionID string, env Envelope) error {
	if env.SessionID == "" {
		env.SessionID = sessionID
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	subject := c.config.OutboundSubject(sessionID, env.Type)
	if _, err := c.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// PublishInbound publishes an inbound envelope. Remote agents that speak
// NATS directly use the same subject layout.
func (c *JetStreamChannel) PublishInbound(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	subject := c.config.InboundSubject(env.SessionID, env.Type)
	if _, err := c.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Start consumes inbound envelopes and dispatches them to router until Stop
// is called or ctx is done.
func (c *JetStreamChannel) Start(ctx context.Context, router *Router) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("channel already running")
	}
	c.running = true
	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	consumer, err := c.stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable:       c.config.ConsumerName,
		FilterSubject: c.config.SubjectPrefix + ".in.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    3,
	})
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		close(c.done)
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("create consumer: %w", err)
	}

	go c.consumeLoop(subCtx, consumer, router)

	c.logger.Info("JetStream channel started",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName)
	return nil
}

// Stop halts the consume loop and waits for it to exit.
func (c *JetStreamChannel) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done
}

func (c *JetStreamChannel) consumeLoop(ctx context.Context, consumer jetstream.Consumer, router *Router) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handle(ctx, msg, router)
		}

		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn("Message fetch error", "error", err)
		}
	}
}

func (c *JetStreamChannel) handle(ctx context.Context, msg jetstream.Msg, router *Router) {
	env, err := ParseEnvelope(msg.Data())
	if err != nil {
		// Malformed frames will never parse; terminate instead of redelivering.
		c.logger.Error("Failed to parse inbound envelope", "subject", msg.Subject(), "error", err)
		if err := msg.Term(); err != nil {
			c.logger.Warn("Failed to TERM message", "error", err)
		}
		return
	}

	if err := router.Dispatch(ctx, env); err != nil {
		c.logger.Warn("Inbound message not handled",
			"type", env.Type,
			"session_id", env.SessionID,
			"error", err)
	}

	// Handlers absorb late or unknown replies, so every routed message is acked.
	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ACK message", "error", err)
	}
}
