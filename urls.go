package hat

import (
	"net/url"
	"strings"
)

const (
	apiVersion = "v2.6"

	// DefaultDomainSuffix is the hosted Hat domain that owner-token URLs are
	// derived from before the token's issuer claim is known.
	DefaultDomainSuffix = "hubofallthings.net"
)

// WithScheme returns the domain with an https scheme, adding one if absent.
// Token issuer claims often omit the scheme.
func WithScheme(domain string) string {
	if strings.Contains(domain, "://") {
		return domain
	}
	return "https://" + domain
}

// UsernameDomain returns the API domain for a hosted Hat username.
func UsernameDomain(username string) string {
	return "https://" + url.PathEscape(strings.ToLower(username)) + "." + DefaultDomainSuffix
}

// OwnerTokenURL returns the owner-token endpoint for a hosted Hat username.
func OwnerTokenURL(username string) string {
	return UsernameDomain(username) + "/users/access_token?username=" + url.QueryEscape(username)
}

// AppTokenURL returns the application-token endpoint for the domain.
func AppTokenURL(domain, appID string) string {
	return WithScheme(domain) + "/api/" + apiVersion + "/applications/" + url.PathEscape(appID) + "/access_token"
}

// PublicKeyURL returns the domain's token verification key endpoint.
func PublicKeyURL(domain string) string {
	return WithScheme(domain) + "/.well-known/jwks"
}

// EndpointURL returns the data URL for a namespace-qualified endpoint.
func EndpointURL(domain, namespace, endpoint string) string {
	segments := []string{}
	for _, segment := range strings.Split(namespace+"/"+endpoint, "/") {
		if segment != "" {
			segments = append(segments, url.PathEscape(segment))
		}
	}
	return DataURL(domain) + "/" + strings.Join(segments, "/")
}

// DataURL returns the batch data endpoint used by PUT and DELETE.
func DataURL(domain string) string {
	return WithScheme(domain) + "/api/" + apiVersion + "/data"
}
