// Package awscli implements ports.ObjectStore by running the aws command line
// tool, for hosts where only the CLI's credential setup is available.
package awscli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/linkflow-go/gallery/internal/storage/ports"
)

// Runner executes a command with stdin and returns its captured output.
type Runner interface {
	Run(ctx context.Context, stdin string, name string, args ...string) (stdout, stderr string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, stdin string, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

type Config struct {
	Path     string
	Region   string
	Endpoint string
	Runner   Runner
}

type Store struct {
	path     string
	region   string
	endpoint string
	runner   Runner
}

func New(cfg Config) *Store {
	path := cfg.Path
	if path == "" {
		path = "aws"
	}
	runner := cfg.Runner
	if runner == nil {
		runner = execRunner{}
	}
	return &Store{path: path, region: cfg.Region, endpoint: cfg.Endpoint, runner: runner}
}

func (s *Store) globalArgs() []string {
	var args []string
	if s.region != "" {
		args = append(args, "--region", s.region)
	}
	if s.endpoint != "" {
		args = append(args, "--endpoint-url", s.endpoint)
	}
	return args
}

func (s *Store) run(ctx context.Context, op, stdin string, args ...string) (string, error) {
	stdout, stderr, err := s.runner.Run(ctx, stdin, s.path, append(args, s.globalArgs()...)...)
	if err != nil {
		if isNotFound(stderr) {
			return "", fmt.Errorf("%s: %w", op, ports.ErrNotFound)
		}
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = err.Error()
		}
		return "", &ports.TransportError{Op: op, Err: fmt.Errorf("%s", msg)}
	}
	return stdout, nil
}

func isNotFound(stderr string) bool {
	return strings.Contains(stderr, "NoSuchKey") ||
		strings.Contains(stderr, "Not Found") ||
		strings.Contains(stderr, "404")
}

// List relies on the CLI's automatic pagination.
func (s *Store) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	out, err := s.run(ctx, "list objects", "",
		"s3api", "list-objects-v2", "--bucket", bucket, "--prefix", prefix, "--output", "json")
	if err != nil {
		return nil, err
	}

	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}

	var listing struct {
		Contents []struct {
			Key string `json:"Key"`
		} `json:"Contents"`
	}
	if err := json.Unmarshal([]byte(out), &listing); err != nil {
		return nil, &ports.TransportError{Op: "list objects", Err: fmt.Errorf("decode cli output: %w", err)}
	}

	var keys []string
	for _, obj := range listing.Contents {
		if strings.HasSuffix(obj.Key, ".json") {
			keys = append(keys, obj.Key)
		}
	}
	return keys, nil
}

func (s *Store) Get(ctx context.Context, bucket, key string) (string, error) {
	return s.run(ctx, "get object "+key, "", "s3", "cp", s3URI(bucket, key), "-")
}

func (s *Store) Put(ctx context.Context, bucket, key, body, contentType string) error {
	_, err := s.run(ctx, "put object "+key, body, "s3", "cp", "-", s3URI(bucket, key), "--content-type", contentType)
	return err
}

func s3URI(bucket, key string) string {
	return "s3://" + bucket + "/" + strings.TrimPrefix(key, "/")
}
