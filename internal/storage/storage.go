package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sshcollectorpro/devterm/internal/config"
	"github.com/sshcollectorpro/devterm/pkg/logger"
)

const defaultContentType = "text/plain; charset=utf-8"

// Writer 抽象存储写入器
type Writer interface {
	Write(ctx context.Context, objectPath string, data []byte, contentType string) (StoredObject, error)
}

// StoredObject 写入结果
type StoredObject struct {
	URI         string `json:"uri"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	ContentType string `json:"content_type"`
}

// NewWriter 根据配置创建写入器，backend 为 none 时返回 nil
func NewWriter(cfg config.StorageConfig) Writer {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "local":
		return &LocalWriter{cfg: cfg.Local}
	case "minio":
		return &DelegatingWriter{local: &LocalWriter{cfg: cfg.Local}, minio: NewMinioWriter(cfg.Minio)}
	}
	return nil
}

// LocalWriter 本地文件写入
type LocalWriter struct {
	cfg config.LocalStorageConfig
}

// NewLocalWriter 创建本地写入器
func NewLocalWriter(cfg config.LocalStorageConfig) *LocalWriter {
	return &LocalWriter{cfg: cfg}
}

func (w *LocalWriter) Write(ctx context.Context, objectPath string, data []byte, contentType string) (StoredObject, error) {
	if err := ctx.Err(); err != nil {
		return StoredObject{}, err
	}
	baseDir := strings.TrimSpace(w.cfg.BaseDir)
	if baseDir == "" {
		baseDir = "./data"
	}
	fullPath := filepath.Join(baseDir, filepath.FromSlash(objectPath))

	if w.cfg.MkdirIfMissing {
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
			return StoredObject{}, fmt.Errorf("failed to create dir: %w", err)
		}
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return StoredObject{}, fmt.Errorf("failed to write file: %w", err)
	}
	return object("file://"+fullPath, data, contentType), nil
}

// MinioWriter MinIO 对象存储写入
type MinioWriter struct {
	cfg      config.MinioConfig
	client   *minio.Client
	endpoint string

	mu            sync.Mutex
	bucketEnsured bool
}

// NewMinioWriter 初始化 MinIO 写入器，配置不完整时返回 nil
func NewMinioWriter(cfg config.MinioConfig) *MinioWriter {
	host := strings.TrimSpace(cfg.Host)
	if host == "" || cfg.Port <= 0 {
		logger.Warn("MinIO configuration incomplete; host/port missing")
		return nil
	}
	endpoint := fmt.Sprintf("%s:%d", host, cfg.Port)

	// 自定义传输以提升连接与响应的鲁棒性
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   16,
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.Secure,
		Transport: transport,
	})
	if err != nil {
		logger.WithError(err).Error("MinIO client initialization failed")
		return nil
	}
	return &MinioWriter{cfg: cfg, client: client, endpoint: endpoint}
}

// Write 将内容写入 MinIO
func (w *MinioWriter) Write(ctx context.Context, objectPath string, data []byte, contentType string) (StoredObject, error) {
	if w == nil || w.client == nil {
		return StoredObject{}, fmt.Errorf("minio client not initialized")
	}
	bucket := strings.TrimSpace(w.cfg.Bucket)
	if bucket == "" {
		return StoredObject{}, fmt.Errorf("minio bucket not configured")
	}
	if contentType == "" {
		contentType = defaultContentType
	}

	// 写入前快速连通性探测（失败则尽早返回明确错误）
	if err := w.fastConnectivityCheck(ctx); err != nil {
		return StoredObject{}, fmt.Errorf("minio connectivity failed to %s: %w", w.endpoint, err)
	}
	if err := w.ensureBucket(ctx, bucket); err != nil {
		return StoredObject{}, fmt.Errorf("minio ensure bucket failed: %w", err)
	}

	// 带重试的对象写入（指数退避）
	var lastErr error
	for _, wait := range []time.Duration{2 * time.Second, 4 * time.Second} {
		attemptCtx, cancel := attemptContext(ctx, wait*5)
		_, err := w.client.PutObject(attemptCtx, bucket, objectPath, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: contentType})
		cancel()
		if err == nil {
			return object("minio://"+path.Join(bucket, objectPath), data, contentType), nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return StoredObject{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	return StoredObject{}, fmt.Errorf("minio put object failed after retries: %w", lastErr)
}

// fastConnectivityCheck 使用 TCP 直连做快速连通性校验
func (w *MinioWriter) fastConnectivityCheck(parent context.Context) error {
	d := &net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(parent, "tcp", w.endpoint)
	if err != nil {
		return err
	}
	return conn.Close()
}

// ensureBucket 校验并创建 bucket，成功后不再重复检查
func (w *MinioWriter) ensureBucket(parent context.Context, bucket string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bucketEnsured {
		return nil
	}
	ctx, cancel := attemptContext(parent, 10*time.Second)
	defer cancel()
	exists, err := w.client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := w.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
	}
	w.bucketEnsured = true
	return nil
}

// DelegatingWriter 优先写入 MinIO，失败时回退到本地
type DelegatingWriter struct {
	local *LocalWriter
	minio *MinioWriter
}

func (w *DelegatingWriter) Write(ctx context.Context, objectPath string, data []byte, contentType string) (StoredObject, error) {
	if w.minio == nil {
		logger.Warn("MinIO backend selected but client not initialized; falling back to local")
		return w.local.Write(ctx, objectPath, data, contentType)
	}
	obj, err := w.minio.Write(ctx, objectPath, data, contentType)
	if err == nil {
		return obj, nil
	}
	logger.WithError(err).Warn("MinIO write failed; falling back to local")
	obj, lerr := w.local.Write(ctx, objectPath, data, contentType)
	if lerr != nil {
		return StoredObject{}, fmt.Errorf("minio write failed: %v; local fallback failed: %w", err, lerr)
	}
	return obj, nil
}

// attemptContext 构造限时上下文，尊重父上下文的剩余截止时间
func attemptContext(parent context.Context, prefer time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := parent.Deadline(); ok {
		if remain := time.Until(deadline); remain < prefer {
			return context.WithCancel(parent)
		}
	}
	return context.WithTimeout(parent, prefer)
}

func object(uri string, data []byte, contentType string) StoredObject {
	if contentType == "" {
		contentType = defaultContentType
	}
	sum := sha256.Sum256(data)
	return StoredObject{
		URI:         uri,
		Size:        int64(len(data)),
		Checksum:    "sha256:" + hex.EncodeToString(sum[:]),
		ContentType: contentType,
	}
}

var slugRe = regexp.MustCompile(`[^a-z0-9._-]+`)

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "/", "_", "\\", "_", ":", "_").Replace(s)
	s = slugRe.ReplaceAllString(s, "")
	if s == "" {
		s = "unknown"
	}
	return s
}
