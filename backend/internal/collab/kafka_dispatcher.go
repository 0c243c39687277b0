package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	kafkaEnqueued = metrics.NewCounter(`docsync_kafka_events_enqueued_total`)
	kafkaDropped  = metrics.NewCounter(`docsync_kafka_events_dropped_total`)
	kafkaSent     = metrics.NewCounter(`docsync_kafka_events_sent_total`)
	kafkaFailed   = metrics.NewCounter(`docsync_kafka_send_errors_total`)
)

// NewProducerConfig：同步 producer 配置，sarama 自身的指标写进传入的 go-metrics registry
func NewProducerConfig(clientID string, registry gometrics.Registry) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Timeout = 2 * time.Second
	if registry != nil {
		cfg.MetricRegistry = registry
	}
	return cfg
}

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - 不阻塞提交流程（会话只负责入队）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满时降级丢弃，避免内存无限增长
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	logger   zerolog.Logger

	queue chan RevisionEvent

	// sem 限制并发的 SendMessage 数量
	kafkaSem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	closeOnce sync.Once
	wg        sync.WaitGroup
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o KafkaDispatcherOptions) withDefaults() KafkaDispatcherOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 50 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Second
	}
	return o
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, kafkaSem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	opt = opt.withDefaults()
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		logger:      log.With().Str("component", "kafka_dispatcher").Str("topic", topic).Logger(),
		queue:       make(chan RevisionEvent, opt.QueueSize),
		kafkaSem:    kafkaSem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

// Enqueue：队列满时等待直到 ctx 结束。
// Kafka 不要求强一致，不是每个事件都必须送达。
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt RevisionEvent) error {
	select {
	case d.queue <- evt:
		kafkaEnqueued.Inc()
		return nil
	case <-ctx.Done():
		kafkaDropped.Inc()
		return ctx.Err()
	}
}

// TryEnqueue 不等待，队列满直接丢弃
func (d *KafkaDispatcher) TryEnqueue(evt RevisionEvent) bool {
	select {
	case d.queue <- evt:
		kafkaEnqueued.Inc()
		return true
	default:
		kafkaDropped.Inc()
		d.logger.Warn().Str("doc", evt.DocID).Int64("rev", evt.RevID).Msg("kafka queue full, drop event")
		return false
	}
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 停止接收并等待队列排空；ctx 到期后直接返回
func (d *KafkaDispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() { close(d.queue) })
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt RevisionEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.kafkaSem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.kafkaSem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.kafkaSem != nil {
			_ = d.kafkaSem.Release()
		}

		if err == nil {
			kafkaSent.Inc()
			return
		}
		kafkaFailed.Inc()

		if attempt == d.maxRetry {
			d.logger.Error().Err(err).Str("doc", evt.DocID).Int64("rev", evt.RevID).
				Int("worker", workerID).Msg("kafka send failed, drop event")
			return
		}

		// 退避，每次 X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt RevisionEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
