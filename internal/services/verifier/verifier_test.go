package verifier

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/TrackFlow/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeReplays struct {
	seen map[string]bool
	err  error
}

func (f *fakeReplays) SeenAndRecord(ctx context.Context, messageID string, window time.Duration) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	was := f.seen[messageID]
	f.seen[messageID] = true
	return was, nil
}

const goodBody = `{
	"trackingNumber": "CD-1",
	"events": [
		{"status": "Delivered", "statusCode": "OK", "timestamp": "2026-08-01T10:00:00Z",
		 "location": {"city": "Moscow", "country": "RU"}}
	]
}`

func TestVerify_HappyPath(t *testing.T) {
	v := New("secret", &fakeReplays{}, time.Hour)
	body := []byte(goodBody)

	p, reason, err := v.Verify(context.Background(), body, Sign("secret", body), "msg-1")
	require.NoError(t, err)
	require.Empty(t, reason)
	require.NotNil(t, p)
	require.Equal(t, "CD-1", p.TrackingNumber)
	require.Len(t, p.Events, 1)
	require.Equal(t, "OK", p.Events[0].StatusCode)
	require.Equal(t, time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC), p.Events[0].OccurredAt)
}

func TestVerify_InvalidSignature(t *testing.T) {
	v := New("secret", &fakeReplays{}, time.Hour)
	body := []byte(goodBody)

	for _, sig := range []string{"", "deadbeef", Sign("other-secret", body)} {
		p, reason, err := v.Verify(context.Background(), body, sig, "msg-1")
		require.NoError(t, err)
		require.Nil(t, p)
		require.Equal(t, models.RejectInvalidSignature, reason)
	}
}

func TestVerify_EmptySecretDisablesSignatureOnly(t *testing.T) {
	// Staging-режим: подпись не проверяется, реплей и схема — да.
	v := New("", &fakeReplays{}, time.Hour)
	body := []byte(goodBody)

	p, reason, err := v.Verify(context.Background(), body, "", "msg-1")
	require.NoError(t, err)
	require.Empty(t, reason)
	require.NotNil(t, p)

	_, reason, err = v.Verify(context.Background(), body, "", "msg-1")
	require.NoError(t, err)
	require.Equal(t, models.RejectReplayDetected, reason)

	_, reason, err = v.Verify(context.Background(), []byte(`{"oops":`), "", "msg-2")
	require.NoError(t, err)
	require.Equal(t, models.RejectInvalidSchema, reason)
}

func TestVerify_Replay(t *testing.T) {
	v := New("secret", &fakeReplays{}, time.Hour)
	body := []byte(goodBody)
	sig := Sign("secret", body)

	_, reason, err := v.Verify(context.Background(), body, sig, "msg-1")
	require.NoError(t, err)
	require.Empty(t, reason)

	p, reason, err := v.Verify(context.Background(), body, sig, "msg-1")
	require.NoError(t, err)
	require.Nil(t, p)
	require.Equal(t, models.RejectReplayDetected, reason)
}

func TestVerify_MissingMessageID(t *testing.T) {
	v := New("secret", &fakeReplays{}, time.Hour)
	body := []byte(goodBody)

	_, reason, err := v.Verify(context.Background(), body, Sign("secret", body), "")
	require.NoError(t, err)
	require.Equal(t, models.RejectInvalidSchema, reason)
}

func TestVerify_ReplayStoreDown(t *testing.T) {
	// Отказ инфраструктуры — ошибка, а не reject: перевозчик получит 5xx
	// и повторит доставку.
	boom := errors.New("redis down")
	v := New("secret", &fakeReplays{err: boom}, time.Hour)
	body := []byte(goodBody)

	p, reason, err := v.Verify(context.Background(), body, Sign("secret", body), "msg-1")
	require.ErrorIs(t, err, boom)
	require.Nil(t, p)
	require.Empty(t, reason)
}

func TestVerify_InvalidSchema(t *testing.T) {
	v := New("secret", &fakeReplays{}, time.Hour)

	cases := map[string]string{
		"not json":          `{"trackingNumber":`,
		"no trackingNumber": `{"events":[{"status":"A","statusCode":"B","timestamp":"2026-08-01T10:00:00Z"}]}`,
		"empty events":      `{"trackingNumber":"CD-1","events":[]}`,
		"missing status":    `{"trackingNumber":"CD-1","events":[{"statusCode":"B","timestamp":"2026-08-01T10:00:00Z"}]}`,
		"missing code":      `{"trackingNumber":"CD-1","events":[{"status":"A","timestamp":"2026-08-01T10:00:00Z"}]}`,
		"bad timestamp":     `{"trackingNumber":"CD-1","events":[{"status":"A","statusCode":"B","timestamp":"yesterday"}]}`,
	}
	for name, body := range cases {
		b := []byte(body)
		p, reason, err := v.Verify(context.Background(), b, Sign("secret", b), "msg-"+name)
		require.NoError(t, err, name)
		require.Nil(t, p, name)
		require.Equal(t, models.RejectInvalidSchema, reason, name)
	}
}

func TestSignatureValid(t *testing.T) {
	v := New("secret", nil, 0)
	body := []byte("payload")
	require.True(t, v.SignatureValid(body, Sign("secret", body)))
	require.False(t, v.SignatureValid(body, Sign("wrong", body)))

	open := New("", nil, 0)
	require.True(t, open.SignatureValid(body, "anything"))
}
