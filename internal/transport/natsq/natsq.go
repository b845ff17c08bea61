// Package natsq moves tasks and results over NATS JetStream.
package natsq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"eventrunner/internal/domain"
)

const (
	TaskStream    = "EVENTRUNNER_TASKS"
	ResultStream  = "EVENTRUNNER_RESULTS"
	TaskSubject   = "eventrunner.tasks"
	ResultSubject = "eventrunner.results"
	consumerName  = "eventrunner"
)

// Client manages the connection to NATS and JetStream.
type Client struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect dials url and makes sure the task and result streams exist.
func Connect(ctx context.Context, url string) (*Client, error) {
	nc, err := nats.Connect(
		url,
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info().Msg("nats connection closed")
		}),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(5),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream instance: %w", err)
	}

	c := &Client{nc: nc, js: js}
	if err := c.ensureStreams(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) ensureStreams(ctx context.Context) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       TaskStream,
		Subjects:   []string{TaskSubject + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.WorkQueuePolicy,
		Duplicates: 5 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", TaskStream, err)
	}
	_, err = c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       ResultStream,
		Subjects:   []string{ResultSubject + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     24 * time.Hour,
		Duplicates: 5 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", ResultStream, err)
	}
	return nil
}

// Close closes the NATS connection.
func (c *Client) Close() {
	if c.nc != nil && !c.nc.IsClosed() {
		c.nc.Close()
	}
}

// Enqueuer accepts tasks received from the task stream.
type Enqueuer interface {
	Enqueue(ctx context.Context, t domain.Task) (string, error)
}

// Consume feeds every task published on the task stream into q until ctx is
// done.
func (c *Client) Consume(ctx context.Context, q Enqueuer) error {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, TaskStream, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		BackOff:       []time.Duration{time.Second, 5 * time.Second, 10 * time.Second},
		FilterSubject: TaskSubject + ".>",
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		receive(ctx, q, msg)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		log.Error().Err(err).Msg("consume error")
	}))
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	<-ctx.Done()
	cc.Stop()
	return nil
}

// message is the part of jetstream.Msg receive relies on.
type message interface {
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

func receive(ctx context.Context, q Enqueuer, msg message) {
	var t domain.Task
	if err := json.Unmarshal(msg.Data(), &t); err != nil || t.Options.TaskID == "" {
		log.Error().Err(err).Msg("dropping malformed task message")
		_ = msg.Term()
		return
	}
	if _, err := q.Enqueue(ctx, t); err != nil {
		log.Error().Err(err).Str("task_id", t.Options.TaskID).Msg("enqueue task")
		_ = msg.Nak()
		return
	}
	log.Debug().Str("task_id", t.Options.TaskID).Str("event_type", t.Input.EventType).Msg("task received")
	_ = msg.Ack()
}

type publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Sender publishes results on the result stream.
type Sender struct {
	js publisher
}

func (c *Client) Sender() *Sender { return &Sender{js: c.js} }

// Send publishes res once. The stream deduplicates by task id and attempt, so
// a resent attempt is stored once while later attempts still go through.
func (s *Sender) Send(ctx context.Context, res domain.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	subject := ResultSubject + "." + subjectToken(res.Input.EventType)
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, msgID(res))
	ack, err := s.js.PublishMsg(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to publish result to %s: %w", subject, err)
	}
	if ack != nil && ack.Duplicate {
		log.Warn().Str("task_id", res.Options.TaskID).Int("attempt", res.Attempt).Msg("result already published")
	}
	return nil
}

func msgID(res domain.Result) string {
	return res.Options.TaskID + "-" + strconv.Itoa(res.Attempt)
}

// subjectToken makes s safe to use as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "unknown"
	}
	b := []byte(s)
	for i, ch := range b {
		switch ch {
		case '.', '*', '>', ' ', '\t':
			b[i] = '_'
		}
	}
	return string(b)
}
