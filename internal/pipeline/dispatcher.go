package pipeline

import (
	"context"
	"os"
	"sync"
	"time"

	"backstage-go/pkg/database"
	"backstage-go/pkg/log"
	"backstage-go/pkg/tasks"
)

// TaskProducer 把任务投递到消息队列，由 kafka.Producer 实现。
type TaskProducer interface {
	ProduceFileTask(ctx context.Context, task tasks.FileProcessingTask) error
}

// Dispatcher 决定文件处理走 Kafka 还是在进程内异步执行。
type Dispatcher struct {
	processor *Processor
	producer  TaskProducer
	timeout   time.Duration
	wg        sync.WaitGroup
}

// NewDispatcher producer 为 nil 时在进程内处理。
func NewDispatcher(processor *Processor, producer TaskProducer, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 20 * time.Minute
	}
	return &Dispatcher{processor: processor, producer: producer, timeout: timeout}
}

// Dispatch 投递任务。task.LocalPath 指向的本地文件在投递或处理完成后删除。
func (d *Dispatcher) Dispatch(ctx context.Context, pool *database.Pool, task tasks.FileProcessingTask) error {
	if d.producer != nil {
		defer removeLocal(task.LocalPath)
		if err := d.producer.ProduceFileTask(ctx, task); err != nil {
			log.Errorf("[Dispatcher] 发送 Kafka 任务失败, %s, error: %v", task.Key(), err)
			return err
		}
		log.Infof("[Dispatcher] 已发送 Kafka 任务, %s", task.Key())
		return nil
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer removeLocal(task.LocalPath)

		bg, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		err := d.processor.Ingest(bg, pool, IngestTask{
			FilePath:     task.LocalPath,
			FileUploadID: task.FileUploadID,
			MimeType:     task.MimeType,
			Schema:       task.Schema,
		})
		if err != nil {
			log.Errorf("[Dispatcher] 进程内文件处理失败, %s, error: %v", task.Key(), err)
		}
	}()
	return nil
}

func (d *Dispatcher) IsProcessing(ctx context.Context, schema string, fileID int64) (bool, error) {
	return d.processor.IsProcessing(ctx, schema, fileID)
}

// Wait 等待进程内的处理任务结束。
func (d *Dispatcher) Wait() { d.wg.Wait() }

func removeLocal(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warnf("[Dispatcher] 删除本地临时文件失败: %s, error: %v", path, err)
	}
}
