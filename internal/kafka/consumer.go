package kafka

import (
	"context"
	"crypto/tls"
	"sync"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"
)

// ConsumerConfig describes one consumer group over OpenBMP raw topics.
type ConsumerConfig struct {
	Name          string // "state" or "history", used in logs
	Brokers       []string
	GroupID       string
	Topics        []string
	ClientID      string
	FetchMaxBytes int32
	TLS           *tls.Config
	SASL          sasl.Mechanism
}

// Consumer polls record batches for a pipeline and commits offsets only for
// records the pipeline reports as flushed.
type Consumer struct {
	name   string
	client *kgo.Client
	logger *zap.Logger
	joined atomic.Bool
}

func NewConsumer(cfg ConsumerConfig, logger *zap.Logger) (*Consumer, error) {
	c := &Consumer{name: cfg.Name, logger: logger}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ClientID(cfg.ClientID),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			c.joined.Store(true)
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			c.joined.Store(false)
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	}
	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}
	if cfg.SASL != nil {
		opts = append(opts, kgo.SASL(cfg.SASL))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	c.client = client
	return c, nil
}

// Run fetches records and sends them to the records channel. Batches received
// on flushed are marked and committed. The committer keeps draining flushed
// after ctx is cancelled so the pipeline's final flush still commits; it
// stops when flushed is closed, and commitWg tracks it.
func (c *Consumer) Run(ctx context.Context, records chan<- []*kgo.Record, flushed <-chan []*kgo.Record, commitWg *sync.WaitGroup) {
	commitWg.Add(1)
	go func() {
		defer commitWg.Done()
		for recs := range flushed {
			for _, r := range recs {
				c.client.MarkCommitRecords(r)
			}
			commitCtx := ctx
			if ctx.Err() != nil {
				commitCtx = context.Background()
			}
			if err := c.client.CommitMarkedOffsets(commitCtx); err != nil {
				c.logger.Error("commit offsets failed", zap.String("consumer", c.name), zap.Error(err))
			}
		}
	}()

	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				c.logger.Error("fetch error",
					zap.String("consumer", c.name),
					zap.String("topic", e.Topic),
					zap.Int32("partition", e.Partition),
					zap.Error(e.Err),
				)
			}
		}

		var batch []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			batch = append(batch, r)
		})

		if len(batch) > 0 {
			select {
			case records <- batch:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Consumer) IsJoined() bool {
	return c.joined.Load()
}

func (c *Consumer) Close() {
	c.client.Close()
}
