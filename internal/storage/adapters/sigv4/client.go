package sigv4

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/linkflow-go/gallery/internal/storage/ports"
)

type Config struct {
	Region string
	// Endpoint switches to path-style requests against a custom host.
	Endpoint    string
	Credentials CredentialsProvider
	HTTPClient  *http.Client
}

type Store struct {
	region   string
	endpoint string
	creds    CredentialsProvider
	signer   *Signer
	client   *http.Client
	now      func() time.Time
}

func New(cfg Config) *Store {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	return &Store{
		region:   region,
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		creds:    cfg.Credentials,
		signer:   NewSigner(region),
		client:   client,
		now:      time.Now,
	}
}

// BaseURL returns the bucket root, omitting the region for us-east-1.
func BaseURL(bucket, region string) string {
	if region == "" || region == "us-east-1" {
		return fmt.Sprintf("https://%s.s3.amazonaws.com", bucket)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, region)
}

func (s *Store) objectURL(bucket, key string, query map[string]string) (*url.URL, error) {
	base := BaseURL(bucket, s.region)
	if s.endpoint != "" {
		base = s.endpoint + "/" + bucket
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(key, "/")
	u.RawPath = encodePath(u.Path)

	if len(query) > 0 {
		q := url.Values{}
		for k, v := range query {
			q.Set(k, v)
		}
		u.RawQuery = canonicalQuery(q)
	}
	return u, nil
}

type listBucketResult struct {
	Contents []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
	IsTruncated           bool   `xml:"IsTruncated"`
	NextContinuationToken string `xml:"NextContinuationToken"`
}

func (s *Store) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	token := ""
	for {
		query := map[string]string{"list-type": "2", "prefix": prefix}
		if token != "" {
			query["continuation-token"] = token
		}

		body, err := s.do(ctx, http.MethodGet, bucket, "", query, "", "")
		if err != nil {
			return nil, err
		}

		var page listBucketResult
		if err := xml.Unmarshal([]byte(body), &page); err != nil {
			return nil, &ports.TransportError{Op: "list objects", Err: fmt.Errorf("decode listing: %w", err)}
		}
		for _, obj := range page.Contents {
			if strings.HasSuffix(obj.Key, ".json") {
				keys = append(keys, obj.Key)
			}
		}

		if !page.IsTruncated || page.NextContinuationToken == "" {
			return keys, nil
		}
		token = page.NextContinuationToken
	}
}

func (s *Store) Get(ctx context.Context, bucket, key string) (string, error) {
	return s.do(ctx, http.MethodGet, bucket, key, nil, "", "")
}

func (s *Store) Put(ctx context.Context, bucket, key, body, contentType string) error {
	_, err := s.do(ctx, http.MethodPut, bucket, key, nil, body, contentType)
	return err
}

func (s *Store) do(ctx context.Context, method, bucket, key string, query map[string]string, body, contentType string) (string, error) {
	op := strings.ToLower(method) + " " + bucket + "/" + key

	creds, err := s.creds.Retrieve(ctx)
	if err != nil {
		return "", &ports.TransportError{Op: op, Err: err}
	}

	u, err := s.objectURL(bucket, key, query)
	if err != nil {
		return "", &ports.TransportError{Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader([]byte(body)))
	if err != nil {
		return "", &ports.TransportError{Op: op, Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	s.signer.Sign(req, hashHex([]byte(body)), creds, s.now())

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &ports.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ports.TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && key != "":
		return "", fmt.Errorf("%s: %w", op, ports.ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", &ports.TransportError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(data))),
		}
	}
	return string(data), nil
}
