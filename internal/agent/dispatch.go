package agent

import (
	"github.com/wasmatrix/wasmatrix/internal/capability"
	"github.com/wasmatrix/wasmatrix/internal/capability/httpprovider"
	"github.com/wasmatrix/wasmatrix/internal/capability/messaging"
)

// scopeArgument extracts the domain or topic argument enforcement
// needs from an operation's raw params, one per provider type. KV
// carries no scope argument.
func scopeArgument(providerType capability.ProviderType, operation string, params []byte) (string, error) {
	switch providerType {
	case capability.ProviderHTTP:
		if operation != "request" {
			return "", nil
		}
		return httpprovider.Domain(params)
	case capability.ProviderMessaging:
		if operation != "publish" && operation != "subscribe" {
			return "", nil
		}
		return messaging.Topic(params)
	default:
		return "", nil
	}
}
