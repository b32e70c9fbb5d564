package dnsfixture_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/localca/internal/dnsfixture"
	"github.com/blockadesystems/localca/internal/validation"
)

func startFixture(t *testing.T, fallback string) *dnsfixture.Server {
	t.Helper()
	srv, err := dnsfixture.New("127.0.0.1:0", fallback)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func TestFixture_WithDNSResolver(t *testing.T) {
	srv := startFixture(t, "")
	require.NoError(t, srv.Set("svc.ca.test", "127.0.0.1"))
	require.NoError(t, srv.Set("Other.CA.Test.", "192.0.2.7"))

	resolver := validation.NewDNSResolver(srv.Addr(), 2*time.Second)
	ctx := context.Background()

	addrs, err := resolver.LookupA(ctx, "svc.ca.test")
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1"}, addrs)

	addrs, err = resolver.LookupA(ctx, "other.ca.test")
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.7"}, addrs)

	_, err = resolver.LookupA(ctx, "missing.ca.test")
	assert.ErrorIs(t, err, validation.ErrNameNotFound)
	assert.ErrorIs(t, err, validation.ErrLookupFailed)
}

func TestFixture_Fallback(t *testing.T) {
	srv := startFixture(t, "127.0.0.1")
	resolver := validation.NewDNSResolver(srv.Addr(), 2*time.Second)

	addrs, err := resolver.LookupA(context.Background(), "anything.example")
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1"}, addrs)
}

func TestFixture_ValidatorEndToEnd(t *testing.T) {
	srv := startFixture(t, "")
	require.NoError(t, srv.Set("svc.ca.test", "127.0.0.1"))
	v := validation.NewValidator(validation.NewDNSResolver(srv.Addr(), 2*time.Second), 2*time.Second)

	res, err := v.Validate(context.Background(), "svc.ca.test", "127.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Accepted())

	res, err = v.Validate(context.Background(), "svc.ca.test", "10.0.0.5")
	require.NoError(t, err)
	assert.False(t, res.Accepted())
}

func TestFixture_UnreachableServerIsLookupFailure(t *testing.T) {
	srv := startFixture(t, "127.0.0.1")
	addr := srv.Addr()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	resolver := validation.NewDNSResolver(addr, 200*time.Millisecond)
	_, err := resolver.LookupA(context.Background(), "svc.ca.test")
	assert.ErrorIs(t, err, validation.ErrLookupFailed)
	assert.NotErrorIs(t, err, validation.ErrNameNotFound)
}

func TestNew_RejectsBadAddresses(t *testing.T) {
	_, err := dnsfixture.New("127.0.0.1:0", "not-an-ip")
	assert.Error(t, err)

	srv, err := dnsfixture.New("127.0.0.1:0", "")
	require.NoError(t, err)
	assert.Error(t, srv.Set("svc.ca.test", "::1"))
}
