package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	resolver := NewStaticResolver(map[string][]string{
		"svc.ca.test":   {"127.0.0.1"},
		"multi.ca.test": {"10.0.0.1", "10.0.0.5"},
	})
	resolver.Fail("broken.ca.test", errors.New("SERVFAIL"))
	v := NewValidator(resolver, time.Second)

	tests := []struct {
		name     string
		claimed  string
		observed string
		want     Outcome
		wantErr  error
	}{
		{"direct match", "svc.ca.test", "127.0.0.1", Accepted, nil},
		{"ipv6 loopback counts as 127.0.0.1", "svc.ca.test", "::1", Accepted, nil},
		{"ipv4-mapped ipv6", "svc.ca.test", "::ffff:127.0.0.1", Accepted, nil},
		{"host and port", "svc.ca.test", "127.0.0.1:54321", Accepted, nil},
		{"case and trailing dot", "SVC.CA.TEST.", "127.0.0.1", Accepted, nil},
		{"one of several", "multi.ca.test", "10.0.0.5", Accepted, nil},
		{"address not listed", "svc.ca.test", "10.0.0.5", Rejected, nil},
		{"unknown name", "nowhere.ca.test", "127.0.0.1", Rejected, ErrNameNotFound},
		{"resolver failure", "broken.ca.test", "127.0.0.1", Rejected, ErrLookupFailed},
		{"empty name", "", "127.0.0.1", Rejected, ErrInvalidName},
		{"bad address", "svc.ca.test", "not-an-ip", Rejected, ErrInvalidAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := v.Validate(context.Background(), tt.claimed, tt.observed)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, res)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome)
			assert.Equal(t, tt.want == Accepted, res.Accepted())
		})
	}
}

func TestValidate_LookupFailuresAreDistinctFromRejection(t *testing.T) {
	resolver := NewStaticResolver(nil)
	v := NewValidator(resolver, time.Second)

	_, err := v.Validate(context.Background(), "missing.ca.test", "127.0.0.1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLookupFailed)

	resolver.Set("missing.ca.test", "192.0.2.1")
	res, err := v.Validate(context.Background(), "missing.ca.test", "127.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Accepted())
	assert.Equal(t, []string{"192.0.2.1"}, res.ResolvedAddresses)
}

type slowResolver struct{}

func (slowResolver) LookupA(ctx context.Context, name string) ([]string, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestValidate_Timeout(t *testing.T) {
	v := NewValidator(slowResolver{}, 50*time.Millisecond)

	start := time.Now()
	_, err := v.Validate(context.Background(), "slow.ca.test", "127.0.0.1")
	assert.ErrorIs(t, err, ErrLookupFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNormalizeAddress(t *testing.T) {
	tests := map[string]string{
		"127.0.0.1":           "127.0.0.1",
		"::1":                 "127.0.0.1",
		"[::1]:443":           "127.0.0.1",
		"::ffff:10.1.2.3":     "10.1.2.3",
		"fe80::1%eth0":        "fe80::1",
		" 192.0.2.10:8080 ":   "192.0.2.10",
		"2001:db8::1":         "2001:db8::1",
		"[2001:db8::1]:10443": "2001:db8::1",
	}
	for in, want := range tests {
		got, err := NormalizeAddress(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := NormalizeAddress("localhost")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}
