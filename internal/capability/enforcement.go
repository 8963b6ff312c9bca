package capability

import (
	"fmt"

	"github.com/wasmatrix/wasmatrix/internal/apierr"
)

// RequiredPermission computes the permission string(s) an operation
// needs, following the Rust reference's PermissionEnforcer mapping.
// domain/topic is the optional domain- or topic-scoped argument (the
// host name for HTTP, the topic for messaging); it is ignored for KV.
//
// HTTP and messaging operations return the generic form, plus the
// scoped form whenever domainOrTopic is non-empty. How the two are
// checked is Enforce's job: HTTP needs the generic form and, when the
// assignment holds any domain-scoped permission, the scoped form too;
// messaging accepts either form (SPEC_FULL §4.5 point 2).
func RequiredPermission(providerType ProviderType, operation string, domainOrTopic string) (generic string, scoped string, err error) {
	switch providerType {
	case ProviderKV:
		switch operation {
		case "get", "list", "exists":
			return "kv:read", "", nil
		case "set":
			return "kv:write", "", nil
		case "delete":
			return "kv:delete", "", nil
		default:
			return "", "", fmt.Errorf("unknown kv operation %q", operation)
		}

	case ProviderHTTP:
		generic = "http:request"
		if domainOrTopic != "" {
			scoped = "http:domain:" + domainOrTopic
		}
		return generic, scoped, nil

	case ProviderMessaging:
		switch operation {
		case "publish":
			generic = "msg:publish"
		case "subscribe":
			generic = "msg:subscribe"
		default:
			return "", "", fmt.Errorf("unknown messaging operation %q", operation)
		}
		if domainOrTopic != "" {
			scoped = generic + ":" + domainOrTopic
		}
		return generic, scoped, nil

	default:
		return "", "", fmt.Errorf("unknown provider type %q", providerType)
	}
}

// Enforce implements SPEC_FULL §4.5's three-step check. assignment
// may be nil, meaning no assignment exists for (instance_id,
// provider_id). providerStatus is the current lifecycle status read
// at invocation time, not cached from assignment time (§9: capability
// enforcement must occur at invocation time).
func Enforce(assignment *Assignment, providerStatus Status, providerType ProviderType, operation string, domainOrTopic string) error {
	if assignment == nil {
		return apierr.New(apierr.PermissionDenied, "no capability assignment for this provider")
	}

	generic, scoped, err := RequiredPermission(providerType, operation, domainOrTopic)
	if err != nil {
		return apierr.New(apierr.PermissionDenied, err.Error())
	}

	// Messaging is satisfied by either the generic permission or the
	// exact topic-scoped one (an OR), per the Rust reference's
	// validate_publish_permission/validate_subscribe_permission. This
	// differs from HTTP, where the generic form is always required and
	// the scoped form is required in addition once any scope is held.
	if providerType == ProviderMessaging {
		if assignment.Has(generic) || (scoped != "" && assignment.Has(scoped)) {
			return checkProviderStatus(providerStatus)
		}
		return apierr.New(apierr.PermissionDenied, fmt.Sprintf("missing permission %q or %q", generic, scoped))
	}

	if generic != "" && !assignment.Has(generic) {
		return apierr.New(apierr.PermissionDenied, fmt.Sprintf("missing permission %q", generic))
	}

	// The scoped form is required in addition whenever the assignment
	// holds *any* domain-/topic-scoped permission for this provider
	// type — an assignment that only grants the generic permission
	// (no scoped entries at all) is not required to also hold a scoped
	// one, but one that grants any scope is held to every call that
	// names a scope.
	prefix := scopePrefix(providerType)
	if prefix != "" && assignment.HasPrefixed(prefix) {
		if scoped == "" || !assignment.Has(scoped) {
			return apierr.New(apierr.PermissionDenied, fmt.Sprintf("missing scoped permission for %q", domainOrTopic))
		}
	}

	return checkProviderStatus(providerStatus)
}

func checkProviderStatus(providerStatus Status) error {
	if providerStatus != StatusRunning {
		return apierr.New(apierr.ProviderUnavailable, "provider is not running")
	}
	return nil
}

func scopePrefix(providerType ProviderType) string {
	switch providerType {
	case ProviderHTTP:
		return "http:domain:"
	default:
		return ""
	}
}
