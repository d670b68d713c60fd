package signature

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyHMACSHA256(t *testing.T) {
	secret := []byte("s3cr3t")
	body := []byte(`{"hello":"world"}`)
	good := "sha256=" + hmacHex(secret, body)

	assert.True(t, VerifyHMACSHA256(secret, body, good))
	assert.False(t, VerifyHMACSHA256(secret, body, "sha256=deadbeef"))
	assert.False(t, VerifyHMACSHA256(secret, body, ""))
	assert.False(t, VerifyHMACSHA256(secret, []byte("tampered"), good))
}

func TestVerifySlackValidSignature(t *testing.T) {
	secret := []byte("slack-secret")
	body := []byte(`{"type":"event_callback"}`)
	now := time.Unix(1700000000, 0)
	tsHeader := strconv.FormatInt(now.Unix(), 10)

	basestring := "v0:" + tsHeader + ":" + string(body)
	sigHeader := "v0=" + hmacHex(secret, []byte(basestring))

	err := VerifySlack(secret, body, tsHeader, sigHeader, now)
	require.NoError(t, err)
}

func TestVerifySlackRejectsStaleTimestamp(t *testing.T) {
	secret := []byte("slack-secret")
	body := []byte(`{"type":"event_callback"}`)
	requestTime := time.Unix(1700000000, 0)
	tsHeader := strconv.FormatInt(requestTime.Unix(), 10)

	basestring := "v0:" + tsHeader + ":" + string(body)
	sigHeader := "v0=" + hmacHex(secret, []byte(basestring))

	now := requestTime.Add(SlackMaxClockSkew + time.Second)
	err := VerifySlack(secret, body, tsHeader, sigHeader, now)
	require.Error(t, err)
}

func TestVerifySlackRejectsBadSignature(t *testing.T) {
	secret := []byte("slack-secret")
	body := []byte(`{"type":"event_callback"}`)
	now := time.Unix(1700000000, 0)
	tsHeader := strconv.FormatInt(now.Unix(), 10)

	err := VerifySlack(secret, body, tsHeader, "v0=deadbeef", now)
	require.Error(t, err)
}

func TestVerifySlackRejectsMalformedTimestamp(t *testing.T) {
	err := VerifySlack([]byte("s"), []byte("b"), "not-a-number", "v0=x", time.Now())
	require.Error(t, err)
}

func FuzzVerifyHMACSHA256(f *testing.F) {
	f.Add("sha256=abc123", "body")
	f.Fuzz(func(t *testing.T, header, body string) {
		// Must never panic regardless of header/body shape.
		VerifyHMACSHA256([]byte("secret"), []byte(body), header)
	})
}
