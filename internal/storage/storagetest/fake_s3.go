// Package storagetest provides an in-process S3 stand-in for adapter tests.
package storagetest

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// FakeS3 serves path-style ListObjectsV2, GetObject and PutObject for a
// single bucket.
type FakeS3 struct {
	*httptest.Server

	Bucket   string
	PageSize int

	mu           sync.Mutex
	objects      map[string]string
	contentTypes map[string]string
	failures     map[string]int
	requests     []*http.Request
}

func NewFakeS3(t testing.TB, bucket string) *FakeS3 {
	f := &FakeS3{
		Bucket:       bucket,
		PageSize:     1000,
		objects:      make(map[string]string),
		contentTypes: make(map[string]string),
		failures:     make(map[string]int),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *FakeS3) PutObject(key, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = body
}

func (f *FakeS3) Object(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[key]
	return body, ok
}

func (f *FakeS3) ContentType(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contentTypes[key]
}

// FailWith makes every request for key answer with status.
func (f *FakeS3) FailWith(key string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[key] = status
}

// Requests returns a copy of every request received so far.
func (f *FakeS3) Requests() []*http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*http.Request(nil), f.requests...)
}

type listBucketResult struct {
	XMLName               xml.Name `xml:"ListBucketResult"`
	Xmlns                 string   `xml:"xmlns,attr"`
	Name                  string   `xml:"Name"`
	Prefix                string   `xml:"Prefix"`
	KeyCount              int      `xml:"KeyCount"`
	IsTruncated           bool     `xml:"IsTruncated"`
	NextContinuationToken string   `xml:"NextContinuationToken,omitempty"`
	Contents              []struct {
		Key  string `xml:"Key"`
		Size int    `xml:"Size"`
	} `xml:"Contents"`
}

func (f *FakeS3) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.Clone(r.Context()))
	f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != f.Bucket {
		writeError(w, http.StatusNotFound, "NoSuchBucket")
		return
	}

	f.mu.Lock()
	status, failing := f.failures[key]
	f.mu.Unlock()
	if failing {
		writeError(w, status, "InternalError")
		return
	}

	switch {
	case r.Method == http.MethodGet && key == "":
		f.list(w, r)
	case r.Method == http.MethodGet:
		body, ok := f.Object(key)
		if !ok {
			writeError(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	case r.Method == http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "IncompleteBody")
			return
		}
		f.mu.Lock()
		f.objects[key] = string(data)
		f.contentTypes[key] = r.Header.Get("Content-Type")
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

func (f *FakeS3) list(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	start := 0
	if token := r.URL.Query().Get("continuation-token"); token != "" {
		start, _ = strconv.Atoi(token)
	}

	f.mu.Lock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	f.mu.Unlock()
	sort.Strings(keys)

	end := start + f.PageSize
	if end > len(keys) {
		end = len(keys)
	}

	res := listBucketResult{
		Xmlns:  "http://s3.amazonaws.com/doc/2006-03-01/",
		Name:   f.Bucket,
		Prefix: prefix,
	}
	if start < end {
		for _, k := range keys[start:end] {
			res.Contents = append(res.Contents, struct {
				Key  string `xml:"Key"`
				Size int    `xml:"Size"`
			}{Key: k, Size: len(k)})
		}
	}
	res.KeyCount = len(res.Contents)
	if end < len(keys) {
		res.IsTruncated = true
		res.NextContinuationToken = strconv.Itoa(end)
	}

	w.Header().Set("Content-Type", "application/xml")
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(res)
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
}
