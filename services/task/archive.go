package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"colony-tasks/pkg/config"

	"github.com/minio/minio-go/v7"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ObjectPutter is the part of *minio.Client the archive uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ResultArchive writes the finished-task event payload to object storage
// under tasks/<command>/<id>.json.
type ResultArchive struct {
	client ObjectPutter
	bucket string
}

func NewResultArchive(client ObjectPutter, bucket string) *ResultArchive {
	return &ResultArchive{client: client, bucket: bucket}
}

func ObjectName(t *Task) string {
	return path.Join("tasks", t.Command, t.ID+".json")
}

func (a *ResultArchive) TaskFinished(ctx context.Context, t *Task) error {
	body, err := json.Marshal(NewFinishedPayload(t))
	if err != nil {
		return fmt.Errorf("marshal finished payload %s: %w", t.ID, err)
	}

	_, err = a.client.PutObject(ctx, a.bucket, ObjectName(t), bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"status":  string(t.Status),
			"command": t.Command,
		},
	})
	if err != nil {
		return fmt.Errorf("archive task %s: %w", t.ID, err)
	}
	return nil
}

// multiNotifier fans a finished task out to every notifier and reports the
// first error after all of them ran.
type multiNotifier []Notifier

func (m multiNotifier) TaskFinished(ctx context.Context, t *Task) error {
	var first error
	for _, n := range m {
		if err := n.TaskFinished(ctx, t); err != nil {
			zap.L().Warn("notifier failed", zap.String("task_id", t.ID), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

type notifierParams struct {
	fx.In
	Events *AsynqNotifier
	Minio  *minio.Client `optional:"true"`
	Config *config.Config
}

// NewNotifier publishes results on the events queue and, when MinIO is
// configured, archives them.
func NewNotifier(p notifierParams) Notifier {
	if p.Minio == nil {
		return p.Events
	}
	return multiNotifier{p.Events, NewResultArchive(p.Minio, p.Config.Minio.BucketName)}
}
