// Package s3sdk implements ports.ObjectStore with the AWS SDK.
package s3sdk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/credentials/stscreds"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/linkflow-go/gallery/internal/storage/ports"
)

type Config struct {
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	WebIdentityFile string
	RoleARN         string
}

type Store struct {
	client *s3.S3
}

// New builds an S3 client. Credentials come from the static key pair when
// set, then from a web identity token, then from the SDK default chain.
func New(cfg Config) (*Store, error) {
	awsCfg := &aws.Config{
		Region:     aws.String(cfg.Region),
		MaxRetries: aws.Int(0),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.ForcePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}

	if awsCfg.Credentials == nil && cfg.WebIdentityFile != "" && cfg.RoleARN != "" {
		sessionName := fmt.Sprintf("template-gallery-%d", time.Now().UnixMilli())
		creds := stscreds.NewWebIdentityCredentials(sess, cfg.RoleARN, sessionName, cfg.WebIdentityFile)
		sess = sess.Copy(&aws.Config{Credentials: creds})
	}

	return &Store{client: s3.New(sess)}, nil
}

func (s *Store) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	err := s.client.ListObjectsV2PagesWithContext(ctx,
		&s3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
			Prefix: aws.String(prefix),
		},
		func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			for _, obj := range page.Contents {
				if key := aws.StringValue(obj.Key); strings.HasSuffix(key, ".json") {
					keys = append(keys, key)
				}
			}
			return true
		},
	)
	if err != nil {
		return nil, translate("list objects", err)
	}
	return keys, nil
}

func (s *Store) Get(ctx context.Context, bucket, key string) (string, error) {
	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", translate("get object "+key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return "", &ports.TransportError{Op: "read object " + key, Err: err}
	}
	return string(data), nil
}

func (s *Store) Put(ctx context.Context, bucket, key, body, contentType string) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return translate("put object "+key, err)
	}
	return nil
}

func translate(op string, err error) error {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		if reqErr.StatusCode() == http.StatusNotFound && reqErr.Code() != "NoSuchBucket" {
			return fmt.Errorf("%s: %w", op, ports.ErrNotFound)
		}
		return &ports.TransportError{Op: op, StatusCode: reqErr.StatusCode(), Err: err}
	}

	var awsErr awserr.Error
	if errors.As(err, &awsErr) && (awsErr.Code() == s3.ErrCodeNoSuchKey || awsErr.Code() == "NotFound") {
		return fmt.Errorf("%s: %w", op, ports.ErrNotFound)
	}
	return &ports.TransportError{Op: op, Err: err}
}
