package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/bigkaa/goartstore/track-module/internal/domain/model"
)

// S3Config — параметры S3-хранилища.
type S3Config struct {
	Bucket string
	Region string
	// Endpoint — нестандартный endpoint (MinIO, LocalStack); включает path-style
	Endpoint string
	// Prefix — префикс ключей (например, "prod/")
	Prefix string
	// PresignTTL — срок действия presigned URL
	PresignTTL time.Duration
}

// S3Store — content-addressed хранилище артефактов в S3.
// Ключ медиафайла: {prefix}tracks/{hex}.mp3, обложки: {prefix}tracks/{hex}.cover{ext}.
type S3Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	cfg       S3Config
	logger    *slog.Logger
}

// NewS3Store создаёт S3Store с учётными данными из стандартной цепочки AWS.
func NewS3Store(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации AWS: %w", err)
	}
	return NewS3StoreFromConfig(awsCfg, cfg, logger), nil
}

// NewS3StoreFromConfig создаёт S3Store из готовой aws.Config.
func NewS3StoreFromConfig(awsCfg aws.Config, cfg S3Config, logger *slog.Logger) *S3Store {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "s3_store")),
	}
}

// Archive загружает медиафайл (и обложку), если объекта с таким
// содержимым ещё нет, и возвращает handle.
func (s *S3Store) Archive(ctx context.Context, a model.Artifact) (string, error) {
	sum, size, err := fileDigest(a.MediaPath)
	if err != nil {
		return "", err
	}

	key := s.mediaKey(sum)
	meta := map[string]string{"track-id": a.TrackID}
	if a.Metadata != nil {
		meta["title"] = url.QueryEscape(a.Metadata.Title)
		meta["artist"] = url.QueryEscape(a.Metadata.PrimaryContributor)
	}
	uploaded, err := s.putOnce(ctx, key, a.MediaPath, "audio/mpeg", meta)
	if err != nil {
		return "", err
	}

	if a.ArtworkPath != "" {
		ext := strings.ToLower(filepath.Ext(a.ArtworkPath))
		contentType := mime.TypeByExtension(ext)
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if _, err := s.putOnce(ctx, s.objectKey(sum+".cover"+ext), a.ArtworkPath, contentType, nil); err != nil {
			s.logger.Warn("Не удалось загрузить обложку",
				slog.String("track_id", a.TrackID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("Артефакт сохранён в S3",
		slog.String("track_id", a.TrackID),
		slog.String("key", key),
		slog.Int64("size", size),
		slog.Bool("uploaded", uploaded),
	)
	return HandleFor(sum), nil
}

// Deliver проверяет наличие объекта и выдаёт presigned GET URL.
// Без handle локальный файл сначала загружается в S3.
func (s *S3Store) Deliver(ctx context.Context, userID int64, d model.Delivery) (*model.Receipt, error) {
	handle := d.Handle
	if handle == "" {
		if d.Artifact == nil {
			return nil, ErrNothingToDeliver
		}
		var err error
		if handle, err = s.Archive(ctx, *d.Artifact); err != nil {
			return nil, err
		}
	}

	sum, err := ParseHandle(handle)
	if err != nil {
		return nil, err
	}
	key := s.mediaKey(sum)

	exists, err := s.exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, handle)
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.cfg.PresignTTL))
	if err != nil {
		return nil, fmt.Errorf("ошибка подписи URL для %s: %w", key, err)
	}

	expires := time.Now().Add(s.cfg.PresignTTL).UTC()
	s.logger.Debug("Presigned URL выдан",
		slog.Int64("user_id", userID),
		slog.String("key", key),
	)
	return &model.Receipt{
		Handle:    handle,
		URL:       req.URL,
		ExpiresAt: &expires,
	}, nil
}

func (s *S3Store) objectKey(name string) string {
	return s.cfg.Prefix + "tracks/" + name
}

func (s *S3Store) mediaKey(sum string) string {
	return s.objectKey(sum + ".mp3")
}

// putOnce загружает файл под key, если объекта ещё нет.
// Возвращает true, если загрузка выполнена.
func (s *S3Store) putOnce(ctx context.Context, key, path, contentType string, meta map[string]string) (bool, error) {
	exists, err := s.exists(ctx, key)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("ошибка открытия файла %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("ошибка получения размера %s: %w", path, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType),
		Metadata:      meta,
	})
	if err != nil {
		return false, fmt.Errorf("ошибка загрузки %s в S3: %w", key, err)
	}
	return true, nil
}

// exists выполняет HeadObject. Отсутствие объекта — (false, nil).
func (s *S3Store) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}

	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return false, nil
	}
	return false, fmt.Errorf("ошибка HeadObject %s: %w", key, err)
}
