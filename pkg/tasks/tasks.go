// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

import "fmt"

// FileProcessingTask represents the data structure for a file processing job.
type FileProcessingTask struct {
	Schema       string `json:"schema"`
	FileUploadID int64  `json:"file_upload_id"`
	ObjectName   string `json:"object_name"`
	FileName     string `json:"file_name"`
	MimeType     string `json:"mime_type"`
	// LocalPath 仅在进程内处理时使用，不会写入 Kafka 消息。
	LocalPath string `json:"-"`
}

// Key 唯一标识一个任务，用作处理中标记和失败计数的键。
func (t FileProcessingTask) Key() string {
	return fmt.Sprintf("%s:%d", t.Schema, t.FileUploadID)
}
