package capability

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wasmatrix/wasmatrix/internal/apierr"
)

func TestRequiredPermission_KV(t *testing.T) {
	cases := map[string]string{
		"get":    "kv:read",
		"list":   "kv:read",
		"exists": "kv:read",
		"set":    "kv:write",
		"delete": "kv:delete",
	}
	for op, want := range cases {
		got, scoped, err := RequiredPermission(ProviderKV, op, "")
		require.NoError(t, err)
		require.Equal(t, want, got)
		require.Empty(t, scoped)
	}
}

func TestRequiredPermission_HTTP(t *testing.T) {
	generic, scoped, err := RequiredPermission(ProviderHTTP, "request", "example.com")
	require.NoError(t, err)
	require.Equal(t, "http:request", generic)
	require.Equal(t, "http:domain:example.com", scoped)
}

func TestRequiredPermission_Messaging(t *testing.T) {
	generic, scoped, err := RequiredPermission(ProviderMessaging, "publish", "orders")
	require.NoError(t, err)
	require.Equal(t, "msg:publish", generic)
	require.Equal(t, "msg:publish:orders", scoped)
}

func TestEnforce_S3_PermissionDenied(t *testing.T) {
	// S3: capability holds only {kv:read}; instance calls set(k,v).
	assignment := NewAssignment("i1", "cap1", "kv-provider", ProviderKV, []string{"kv:read"})
	err := Enforce(&assignment, StatusRunning, ProviderKV, "set", "")
	require.Error(t, err)
	require.Equal(t, apierr.PermissionDenied, apierr.CodeOf(err))
}

func TestEnforce_GrantedPermissionSucceeds(t *testing.T) {
	assignment := NewAssignment("i1", "cap1", "kv-provider", ProviderKV, []string{"kv:read", "kv:write"})
	err := Enforce(&assignment, StatusRunning, ProviderKV, "set", "")
	require.NoError(t, err)
}

func TestEnforce_NoAssignment(t *testing.T) {
	err := Enforce(nil, StatusRunning, ProviderKV, "get", "")
	require.Error(t, err)
	require.Equal(t, apierr.PermissionDenied, apierr.CodeOf(err))
}

func TestEnforce_DomainScopedRequiresScope(t *testing.T) {
	assignment := NewAssignment("i1", "cap1", "http-provider", ProviderHTTP, []string{"http:request", "http:domain:allowed.example"})
	err := Enforce(&assignment, StatusRunning, ProviderHTTP, "request", "other.example")
	require.Error(t, err)
	require.Equal(t, apierr.PermissionDenied, apierr.CodeOf(err))

	err = Enforce(&assignment, StatusRunning, ProviderHTTP, "request", "allowed.example")
	require.NoError(t, err)
}

func TestEnforce_UnscopedHTTPGrantAllowsAnyDomain(t *testing.T) {
	// No domain-scoped permission present at all: generic permission suffices.
	assignment := NewAssignment("i1", "cap1", "http-provider", ProviderHTTP, []string{"http:request"})
	err := Enforce(&assignment, StatusRunning, ProviderHTTP, "request", "anywhere.example")
	require.NoError(t, err)
}

func TestEnforce_MessagingGenericOnlyAllowsPublishToAnyTopic(t *testing.T) {
	assignment := NewAssignment("i1", "cap1", "msg-provider", ProviderMessaging, []string{"msg:publish"})
	err := Enforce(&assignment, StatusRunning, ProviderMessaging, "publish", "orders")
	require.NoError(t, err)
}

func TestEnforce_MessagingScopedOnlyAllowsMatchingTopic(t *testing.T) {
	assignment := NewAssignment("i1", "cap1", "msg-provider", ProviderMessaging, []string{"msg:publish:orders"})
	err := Enforce(&assignment, StatusRunning, ProviderMessaging, "publish", "orders")
	require.NoError(t, err)
}

func TestEnforce_MessagingScopedOnlyDeniesOtherTopic(t *testing.T) {
	assignment := NewAssignment("i1", "cap1", "msg-provider", ProviderMessaging, []string{"msg:publish:orders"})
	err := Enforce(&assignment, StatusRunning, ProviderMessaging, "publish", "invoices")
	require.Error(t, err)
	require.Equal(t, apierr.PermissionDenied, apierr.CodeOf(err))
}

func TestEnforce_MessagingSubscribeScopedPermission(t *testing.T) {
	assignment := NewAssignment("i1", "cap1", "msg-provider", ProviderMessaging, []string{"msg:subscribe:orders"})
	err := Enforce(&assignment, StatusRunning, ProviderMessaging, "subscribe", "orders")
	require.NoError(t, err)
}

func TestEnforce_ProviderUnavailable(t *testing.T) {
	assignment := NewAssignment("i1", "cap1", "kv-provider", ProviderKV, []string{"kv:read"})
	err := Enforce(&assignment, StatusStopped, ProviderKV, "get", "")
	require.Error(t, err)
	require.Equal(t, apierr.ProviderUnavailable, apierr.CodeOf(err))
}
