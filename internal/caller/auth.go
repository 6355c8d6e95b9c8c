// Copyright 2025 The Apifuse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package caller

import (
	"context"
	"fmt"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/apifuse/apifuse/pkg/errors"
	"github.com/apifuse/apifuse/pkg/workflow"
)

// credential key aliases accepted for the primary API credential.
var apiKeyAliases = []string{"api_key", "apiKey", "token", "apiToken", "access_token"}

// primaryCredential picks the API credential from the credential map.
func primaryCredential(creds map[string]string) (string, bool) {
	for _, name := range apiKeyAliases {
		if v, ok := creds[name]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func credLookup(creds map[string]string, names ...string) string {
	for _, name := range names {
		if v, ok := creds[name]; ok && v != "" {
			return v
		}
	}
	return ""
}

// applyAuth injects the configured authentication into headers or query
// params. OAUTH2 acquires a client-credentials token out of band and
// injects it as a bearer header.
func applyAuth(ctx context.Context, api *workflow.ApiConfig, creds map[string]string, headers map[string]string, query map[string]string) error {
	switch api.Authentication {
	case "", workflow.AuthNone:
		return nil

	case workflow.AuthHeader:
		if headers["Authorization"] != "" {
			// Header templates already carried the credential.
			return nil
		}
		cred, ok := primaryCredential(creds)
		if !ok {
			return &errors.BindingError{Name: "api_key", Where: "authentication"}
		}
		headers["Authorization"] = "Bearer " + cred
		return nil

	case workflow.AuthQueryParam:
		cred, ok := primaryCredential(creds)
		if !ok {
			return &errors.BindingError{Name: "api_key", Where: "authentication"}
		}
		query["api_key"] = cred
		return nil

	case workflow.AuthOAuth2:
		tokenURL := credLookup(creds, "token_url", "tokenUrl")
		clientID := credLookup(creds, "client_id", "clientId")
		clientSecret := credLookup(creds, "client_secret", "clientSecret")
		if tokenURL == "" || clientID == "" || clientSecret == "" {
			return &errors.BindingError{Name: "client_id/client_secret/token_url", Where: "authentication"}
		}

		conf := &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
		}
		token, err := conf.Token(ctx)
		if err != nil {
			return &errors.NetworkError{
				URL:      tokenURL,
				Attempts: 1,
				Cause:    fmt.Errorf("oauth2 token acquisition: %w", err),
			}
		}
		headers["Authorization"] = "Bearer " + token.AccessToken
		return nil

	default:
		return &errors.ValidationError{
			Field:   "authentication",
			Message: fmt.Sprintf("unknown authentication type %q", api.Authentication),
		}
	}
}

// credentialValues returns every credential value for cache-key masking.
func credentialValues(creds map[string]string) []string {
	values := make([]string, 0, len(creds))
	for _, v := range creds {
		values = append(values, v)
	}
	return values
}
