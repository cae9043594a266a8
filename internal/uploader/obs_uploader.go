// internal/uploader/obs_uploader.go
package uploader

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/huaweicloud/huaweicloud-sdk-go-obs/obs"
	"go.uber.org/zap"
)

// Uploader 把下载完成的本地文件上传到对象存储
type Uploader interface {
	UploadFile(objectKey, filePath string) error
	Close()
}

// ObsUploader 结构体封装了 OBS 客户端和配置
type ObsUploader struct {
	client *obs.ObsClient
	bucket string
	logger *zap.Logger
}

// NewObsUploader 根据官方文档创建一个新的 OBS 上传器实例
func NewObsUploader(endpoint, ak, sk, bucket string, logger *zap.Logger) (*ObsUploader, error) {
	if endpoint == "" || ak == "" || sk == "" || bucket == "" {
		return nil, errors.New("OBS 配置不完整，需要 endpoint、ak、sk 和 bucket")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// obs.New 是创建客户端实例的函数
	client, err := obs.New(ak, sk, endpoint)
	if err != nil {
		return nil, fmt.Errorf("无法创建 OBS 客户端: %w", err)
	}

	return &ObsUploader{
		client: client,
		bucket: bucket,
		logger: logger.With(zap.String("bucket", bucket)),
	}, nil
}

// UploadFile 将指定路径的本地文件上传到 OBS
func (u *ObsUploader) UploadFile(objectKey, filePath string) error {
	// PutFileInput 是上传本地文件所需的参数结构体
	input := &obs.PutFileInput{}
	input.Bucket = u.bucket
	input.Key = objectKey
	input.SourceFile = filePath

	output, err := u.client.PutFile(input)
	if err != nil {
		// 尝试解析 OBS 返回的详细错误信息
		var obsError obs.ObsError
		if errors.As(err, &obsError) {
			return fmt.Errorf("上传失败，OBS错误码: %s, 错误信息: %s", obsError.Code, obsError.Message)
		}
		return fmt.Errorf("上传文件到 OBS 失败: %w", err)
	}

	u.logger.Info("文件已上传到 OBS",
		zap.String("file", filePath),
		zap.String("key", objectKey),
		zap.String("etag", output.ETag))
	return nil
}

// Close 关闭客户端连接
func (u *ObsUploader) Close() {
	if u.client != nil {
		u.client.Close()
	}
}

// ObjectKey 由本地路径生成对象键：统一使用 "/" 分隔并去掉开头的 "/"
func ObjectKey(outputPath string) string {
	key := filepath.ToSlash(filepath.Clean(outputPath))
	return strings.TrimLeft(key, "/")
}
