package azure

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"

	"pkt.systems/relayd/internal/storage"
)

func TestNewValidatesConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{name: "account", cfg: Config{Container: "relayd"}},
		{name: "container", cfg: Config{Account: "acct"}},
		{name: "credentials", cfg: Config{Account: "acct", Container: "relayd"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestAppendSASToken(t *testing.T) {
	got, err := appendSASToken("https://acct.blob.core.windows.net", "?sv=1&sig=x")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net?sv=1&sig=x" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	notFound := &azcore.ResponseError{StatusCode: http.StatusNotFound}
	precondition := &azcore.ResponseError{StatusCode: http.StatusPreconditionFailed}
	busy := &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}
	if !isNotFound(notFound) || isNotFound(precondition) {
		t.Fatalf("unexpected not found classification")
	}
	if !isPreconditionFailed(precondition) || isPreconditionFailed(notFound) {
		t.Fatalf("unexpected precondition classification")
	}
	if !storage.IsTransient(wrapError(busy, "azure: get")) {
		t.Fatalf("expected 503 to be transient")
	}
	if storage.IsTransient(wrapError(notFound, "azure: get")) {
		t.Fatalf("expected 404 to be permanent")
	}
	if !storage.IsTransient(wrapError(context.DeadlineExceeded, "azure: get")) {
		t.Fatalf("expected deadline to be transient")
	}
	if err := wrapError(busy, "azure: get"); !errors.As(err, new(*azcore.ResponseError)) {
		t.Fatalf("expected wrapped response error, got %v", err)
	}
}

func TestBlobNaming(t *testing.T) {
	s := &Store{prefix: "relayd"}
	if got := s.blobName("app1%3Ajobs%3Ausers%3Au1"); got != "relayd/kv/app1%3Ajobs%3Ausers%3Au1" {
		t.Fatalf("unexpected blob %q", got)
	}
}

func TestExpiresFromMetadata(t *testing.T) {
	at := time.UnixMilli(1754038800000).UTC()
	meta := map[string]*string{"Relayd_Expires_At": to.Ptr(storage.FormatExpiry(at))}
	if got := expiresFrom(meta); !got.Equal(at) {
		t.Fatalf("expected %v, got %v", at, got)
	}
}
