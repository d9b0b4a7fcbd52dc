// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"backstage-go/internal/config"
	"backstage-go/pkg/log"
	"backstage-go/pkg/tasks"
)

// MaxAttempts 是同一任务失败多少次后提交 offset 放弃重试。
const MaxAttempts = 3

// RetryBackoff 是第 n 次失败后等待的时长，超出部分沿用最后一项。
var RetryBackoff = []time.Duration{2 * time.Second, 10 * time.Second}

// TaskProcessor defines the interface for any service that can process a task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.FileProcessingTask) error
}

// Producer 把文件处理任务写入 Kafka。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(splitBrokers(cfg.Brokers)...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// ProduceFileTask 发送一个文件处理任务到 Kafka。同一租户同一文件落在同一分区。
func (p *Producer) ProduceFileTask(ctx context.Context, task tasks.FileProcessingTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.Key()),
		Value: taskBytes,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// messageCommitter 是 kafka.Reader 中消费循环用到的部分。
type messageCommitter interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Consumer 消费文件处理任务。rdb 用于跨重启累计失败次数，为 nil 时只在本次消费内计数。
type Consumer struct {
	processor TaskProcessor
	rdb       *redis.Client
	backoff   []time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewConsumer(processor TaskProcessor, rdb *redis.Client) *Consumer {
	return &Consumer{
		processor: processor,
		rdb:       rdb,
		backoff:   RetryBackoff,
		sleep:     sleepContext,
	}
}

// StartConsumer 启动一个 Kafka 消费者来处理文件任务，ctx 取消后退出。
func (c *Consumer) StartConsumer(ctx context.Context, cfg config.KafkaConfig) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  splitBrokers(cfg.Brokers),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("从 Kafka 读取消息失败", err)
			}
			break
		}
		log.Infof("收到 Kafka 消息: offset %d", m.Offset)
		c.handleMessage(ctx, r, m)
	}

	if err := r.Close(); err != nil {
		log.Errorf("关闭 Kafka 消费者失败: %v", err)
	}
	log.Info("Kafka 消费者已退出")
}

// handleMessage 处理单条消息，返回是否提交了 offset。
// FetchMessage 不会重新投递未提交的消息，所以失败重试在这里完成：最多执行 MaxAttempts 次，
// 成功或次数耗尽后提交 offset。只有 ctx 在退避期间被取消时才不提交，留给重启后的消费者。
func (c *Consumer) handleMessage(ctx context.Context, r messageCommitter, m kafka.Message) bool {
	var task tasks.FileProcessingTask
	if err := json.Unmarshal(m.Value, &task); err != nil {
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		// 消息格式错误，直接提交，避免阻塞队列
		return commit(ctx, r, m)
	}

	log.Infof("开始处理文件任务: schema=%s, file_upload_id=%d, FileName=%s", task.Schema, task.FileUploadID, task.FileName)
	attemptsKey := fmt.Sprintf("kafka:attempts:%s", task.Key())

	// 重启前已经失败过的次数也计入
	attempts := c.previousAttempts(ctx, attemptsKey)
	for attempts < MaxAttempts {
		err := c.processor.Process(ctx, task)
		if err == nil {
			log.Infof("文件任务处理成功: %s", task.Key())
			c.clearAttempts(ctx, attemptsKey)
			return commit(ctx, r, m)
		}
		if ctx.Err() != nil {
			log.Warnf("消费者退出, 任务未完成, 不提交 offset: %s", task.Key())
			return false
		}
		attempts++
		log.Errorf("处理文件任务失败(%d/%d): %s, Error: %v", attempts, MaxAttempts, task.Key(), err)
		c.recordAttempt(ctx, attemptsKey)
		if attempts >= MaxAttempts {
			break
		}
		if err := c.sleep(ctx, c.backoffFor(attempts)); err != nil {
			log.Warnf("等待重试时消费者退出, 不提交 offset: %s", task.Key())
			return false
		}
	}

	log.Errorf("文件任务多次失败(>=%d)，提交 offset 终止重试: %s", MaxAttempts, task.Key())
	c.clearAttempts(ctx, attemptsKey)
	return commit(ctx, r, m)
}

func (c *Consumer) backoffFor(attempt int) time.Duration {
	if len(c.backoff) == 0 {
		return 0
	}
	if attempt > len(c.backoff) {
		attempt = len(c.backoff)
	}
	return c.backoff[attempt-1]
}

func (c *Consumer) previousAttempts(ctx context.Context, key string) int {
	if c.rdb == nil {
		return 0
	}
	n, err := c.rdb.Get(ctx, key).Int()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warnf("读取任务失败次数失败: %s, err=%v", key, err)
		}
		return 0
	}
	return n
}

func (c *Consumer) recordAttempt(ctx context.Context, key string) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Incr(ctx, key).Err(); err != nil {
		log.Warnf("记录任务失败次数失败: %s, err=%v", key, err)
		return
	}
	_ = c.rdb.Expire(ctx, key, 24*time.Hour).Err()
}

func (c *Consumer) clearAttempts(ctx context.Context, key string) {
	if c.rdb != nil {
		_ = c.rdb.Del(ctx, key).Err()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func commit(ctx context.Context, r messageCommitter, m kafka.Message) bool {
	if err := r.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
		return false
	}
	return true
}

func splitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
