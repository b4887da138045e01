package mailclient

import (
	"context"

	"golang.org/x/oauth2/clientcredentials"
)

// OAuthTokenProvider obtains bearer tokens via the OAuth2 client
// credentials grant. Tokens are not cached between Token calls.
type OAuthTokenProvider struct {
	source clientcredentials.Config
}

// NewOAuthTokenProvider builds a TokenProvider backed by the client
// credentials grant against tokenURL.
func NewOAuthTokenProvider(clientID, clientSecret, tokenURL string, scopes []string) *OAuthTokenProvider {
	return &OAuthTokenProvider{source: clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}}
}

// Token requests a fresh access token from the token endpoint on every
// call.
func (p *OAuthTokenProvider) Token(ctx context.Context) (string, error) {
	tok, err := p.source.TokenSource(ctx).Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}
