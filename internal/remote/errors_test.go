package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindForStatus(t *testing.T) {
	cases := []struct {
		status   int
		expected ErrorKind
	}{
		{200, 0},
		{304, 0},
		{400, KindInvalid},
		{401, KindAuth},
		{403, KindAuth},
		{404, KindNotFound},
		{408, KindNetwork},
		{409, KindInvalid},
		{429, KindRateLimited},
		{500, KindServer},
		{503, KindServer},
	}
	for _, c := range cases {
		assert.Equal(t, c.expected, KindForStatus(c.status), "status %d", c.status)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"conn-reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"conn-refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"dns", &net.DNSError{Err: "no such host", Name: "example.invalid"}, true},
		{"rate-limited", StatusError("pull", 429, nil), true},
		{"server", StatusError("pull", 502, nil), true},
		{"timeout-status", StatusError("pull", 408, nil), true},
		{"auth", StatusError("pull", 401, nil), false},
		{"not-found", NewError(KindNotFound, "get", nil), false},
		{"invalid", StatusError("push", 400, nil), false},
		{"plain", errors.New("boom"), false},
		{"cancelled", context.Canceled, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expected, IsTransient(c.err))
		})
	}
}

func TestErrorSentinels(t *testing.T) {
	err := fmt.Errorf("pull: %w", StatusError("pull", 401, errors.New("expired")))
	assert.ErrorIs(t, err, ErrAuth)
	assert.NotErrorIs(t, err, ErrNotFound)

	var re *Error
	assert.ErrorAs(t, err, &re)
	assert.Equal(t, 401, re.Status)

	assert.ErrorIs(t, NewError(KindNotFound, "get blob", nil), ErrNotFound)
}

func TestErrAuth_NamesRecoveryCommands(t *testing.T) {
	msg := ErrAuth.Error()
	assert.Contains(t, msg, "minisync init --force")
	assert.Contains(t, msg, "minisync-server token")
	assert.NotContains(t, msg, "login")
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify("op", nil))

	err := Classify("push", fmt.Errorf("write: %w", syscall.EPIPE))
	var re *Error
	assert.ErrorAs(t, err, &re)
	assert.Equal(t, KindNetwork, re.Kind)

	plain := errors.New("plain")
	assert.Equal(t, plain, Classify("op", plain))
	assert.Equal(t, context.Canceled, Classify("op", context.Canceled))
}
