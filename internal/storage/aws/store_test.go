package aws

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	smithy "github.com/aws/smithy-go"

	"pkt.systems/relayd/internal/storage"
)

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Region: "eu-north-1"}); err == nil {
		t.Fatalf("expected bucket error")
	}
	if _, err := New(Config{Bucket: "relayd"}); err == nil {
		t.Fatalf("expected region error")
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name         string
		err          error
		notFound     bool
		precondition bool
		retryable    bool
	}{
		{name: "no such key", err: &smithy.GenericAPIError{Code: "NoSuchKey"}, notFound: true},
		{name: "precondition", err: &smithy.GenericAPIError{Code: "PreconditionFailed"}, precondition: true},
		{name: "conflict", err: &smithy.GenericAPIError{Code: "ConditionalRequestConflict"}, precondition: true},
		{name: "wrapped reset", err: fmt.Errorf("put: %w", syscall.ECONNRESET), retryable: true},
		{name: "deadline", err: context.DeadlineExceeded, retryable: true},
		{name: "access denied", err: &smithy.GenericAPIError{Code: "AccessDenied"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := isNotFound(tc.err); got != tc.notFound {
				t.Fatalf("isNotFound = %v", got)
			}
			if got := isPreconditionFailed(tc.err); got != tc.precondition {
				t.Fatalf("isPreconditionFailed = %v", got)
			}
			if got := isRetryable(tc.err); got != tc.retryable {
				t.Fatalf("isRetryable = %v", got)
			}
		})
	}
}

func TestWrapErrorMarksTransient(t *testing.T) {
	s := &Store{}
	err := s.wrapError(syscall.ECONNREFUSED, "aws: get")
	if !storage.IsTransient(err) || !errors.Is(err, syscall.ECONNREFUSED) {
		t.Fatalf("expected transient wrapped error, got %v", err)
	}
}

func TestObjectNaming(t *testing.T) {
	s := &Store{cfg: Config{Prefix: "relayd"}}
	if got := s.objectName("app1%3Au1"); got != "relayd/kv/app1%3Au1" {
		t.Fatalf("unexpected object name %q", got)
	}
	s.cfg.Prefix = ""
	if got := s.objectName("app1"); got != "kv/app1" {
		t.Fatalf("unexpected object name %q", got)
	}
}

func TestExpiresFromMetadata(t *testing.T) {
	at := time.UnixMilli(1754038800000).UTC()
	if got := expiresFrom(map[string]string{ExpiresMetadataKey: storage.FormatExpiry(at)}); !got.Equal(at) {
		t.Fatalf("expected %v, got %v", at, got)
	}
}
