package s3archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKey(t *testing.T) {
	cfg := &Config{Prefix: "webhooks"}
	at := time.Date(2026, 3, 4, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "webhooks/card/2026/03/04/evt_123.json", cfg.ObjectKey("CARD", "evt_123", at))
	assert.Equal(t, "webhooks/mobile_money/2026/03/04/a_b.json", cfg.ObjectKey("MOBILE_MONEY", "a/b", at))

	cfg.Prefix = ""
	assert.Equal(t, "card/2026/03/04/evt_1.json", cfg.ObjectKey("card", "evt_1", at))
}

func TestLoadConfigRequiresCredentialsWhenEnabled(t *testing.T) {
	t.Setenv("S3_ARCHIVE_ENABLED", "true")
	t.Setenv("S3_ARCHIVE_ACCESS_KEY_ID", "")
	_, err := LoadConfig()
	assert.Error(t, err)

	t.Setenv("S3_ARCHIVE_ACCESS_KEY_ID", "key")
	t.Setenv("S3_ARCHIVE_SECRET_ACCESS_KEY", "secret")
	t.Setenv("S3_ARCHIVE_BUCKET", "archive")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.IsEnabled())
}

func TestNewClientDisabled(t *testing.T) {
	_, err := NewClient(context.Background(), &Config{})
	assert.Error(t, err)
}

func TestArchiveUploadsBody(t *testing.T) {
	var gotMethod, gotPath, gotBody, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(context.Background(), &Config{
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		Region:          "us-east-1",
		BucketName:      "archive",
		EndpointURL:     srv.URL,
		Prefix:          "webhooks",
		Enabled:         true,
	})
	require.NoError(t, err)

	res, err := client.Archive(context.Background(), Entry{
		Provider:   "CARD",
		EventID:    "evt_1",
		EventType:  "checkout.session.completed",
		Body:       []byte(`{"id":"evt_1"}`),
		ReceivedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "webhooks/card/2026/01/02/evt_1.json", res.ObjectKey)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/archive/webhooks/card/2026/01/02/evt_1.json", gotPath)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, `{"id":"evt_1"}`, gotBody)
}
