// Package hat provides a Go client for the Hat personal-data-store REST API.
//
// The SDK obtains and verifies bearer tokens, builds namespace-qualified
// endpoint URLs, and dispatches batched CRUD requests whose responses are
// decoded into typed application models.
//
// # Quick Start
//
//	token, err := hat.NewOwnerToken(hat.Credential{
//	    Username: "alice",
//	    Password: os.Getenv("HAT_PASSWORD"),
//	}, hat.TokenConfig{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client, err := hat.NewClient(hat.Config{
//	    Token:     token,
//	    Namespace: "app1",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	records, err := client.Get(ctx, []string{"feed"}, &hat.GetOpts{Take: 10})
package hat

// Version is the SDK version.
const Version = "0.1.0"

// TokenHeader is the request header that carries the raw bearer token.
const TokenHeader = "x-auth-token"
