// Package subgraph talks to the Doma fractional-domain GraphQL service.
package subgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	graphql "github.com/hasura/go-graphql-client"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrMissingAPIKey means the client was constructed without credentials;
// the supervisor treats it as a fatal configuration error.
var ErrMissingAPIKey = errors.New("subgraph API key is required")

const (
	requestTimeout = 20 * time.Second
	minRequestGap  = 100 * time.Millisecond
	pageSize       = 100
)

// TokenSummary is one fractional domain token from the bulk listing.
// CurrentPriceRaw is the upstream's fixed 8-decimal representation and is
// carried as a decimal string, never parsed into a float.
type TokenSummary struct {
	Address          string
	Name             string
	FractionalizedAt int64
	CurrentPriceRaw  string
	TotalSupply      string
	Symbol           string
	Decimals         int
}

// NameDetails is the per-domain metadata used for scoring.
type NameDetails struct {
	ExpiresAt            int64
	ActiveOffersCount    int
	HighestOfferPriceRaw string
	TokenAddress         string
}

// Client queries the Doma subgraph with an API key on every request and a
// floor of 100ms between calls.
type Client struct {
	gql     *graphql.Client
	limiter *rate.Limiter
}

type apiKeyTransport struct {
	key  string
	base http.RoundTripper
}

func (t *apiKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("API-KEY", t.key)
	return t.base.RoundTrip(req)
}

// NewClient builds a subgraph client. An empty API key is refused.
func NewClient(endpoint, apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	httpClient := &http.Client{
		Timeout: requestTimeout,
		Transport: &apiKeyTransport{
			key:  apiKey,
			base: http.DefaultTransport,
		},
	}
	return &Client{
		gql:     graphql.NewClient(endpoint, httpClient),
		limiter: rate.NewLimiter(rate.Every(minRequestGap), 1),
	}, nil
}

const listTokensQuery = `query FractionalTokens($skip: Int!, $take: Int!) {
	fractionalTokens(skip: $skip, take: $take) {
		items {
			address
			name
			fractionalizedAt
			currentPrice
			totalSupply
			params { symbol decimals }
		}
	}
}`

const nameDetailsQuery = `query NameStatistics($name: String!) {
	name(name: $name) {
		expiresAt
		activeOffersCount
		highestOffer { price }
		tokens { address }
	}
}`

type tokenItem struct {
	Address          string      `json:"address"`
	Name             string      `json:"name"`
	FractionalizedAt int64       `json:"fractionalizedAt"`
	CurrentPrice     json.Number `json:"currentPrice"`
	TotalSupply      json.Number `json:"totalSupply"`
	Params           struct {
		Symbol   string `json:"symbol"`
		Decimals int    `json:"decimals"`
	} `json:"params"`
}

type listTokensResponse struct {
	FractionalTokens struct {
		Items []tokenItem `json:"items"`
	} `json:"fractionalTokens"`
}

type nameDetailsResponse struct {
	Name struct {
		ExpiresAt         int64 `json:"expiresAt"`
		ActiveOffersCount int   `json:"activeOffersCount"`
		HighestOffer      *struct {
			Price json.Number `json:"price"`
		} `json:"highestOffer"`
		Tokens []struct {
			Address string `json:"address"`
		} `json:"tokens"`
	} `json:"name"`
}

// exec spaces requests, runs one query, and surfaces GraphQL errors[] as a
// typed failure instead of partial data.
func (c *Client) exec(ctx context.Context, query string, vars map[string]any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	raw, err := c.gql.ExecRaw(ctx, query, vars)
	if err != nil {
		var gqlErrs graphql.Errors
		if errors.As(err, &gqlErrs) {
			return fmt.Errorf("subgraph returned errors: %w", gqlErrs)
		}
		return fmt.Errorf("subgraph request failed: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("subgraph response decode failed: %w", err)
	}
	return nil
}

// ListFractionalTokens pages through the remote collection until a short
// page and returns every token summary.
func (c *Client) ListFractionalTokens(ctx context.Context) ([]TokenSummary, error) {
	var all []TokenSummary
	for skip := 0; ; skip += pageSize {
		var resp listTokensResponse
		err := c.exec(ctx, listTokensQuery, map[string]any{
			"skip": skip,
			"take": pageSize,
		}, &resp)
		if err != nil {
			return nil, err
		}

		for _, item := range resp.FractionalTokens.Items {
			all = append(all, TokenSummary{
				Address:          strings.ToLower(item.Address),
				Name:             item.Name,
				FractionalizedAt: item.FractionalizedAt,
				CurrentPriceRaw:  item.CurrentPrice.String(),
				TotalSupply:      item.TotalSupply.String(),
				Symbol:           item.Params.Symbol,
				Decimals:         item.Params.Decimals,
			})
		}
		if len(resp.FractionalTokens.Items) < pageSize {
			break
		}
	}
	log.Debug().Int("tokens", len(all)).Msg("Fractional token listing fetched")
	return all, nil
}

// GetNameDetails fetches the scoring metadata for one domain name.
func (c *Client) GetNameDetails(ctx context.Context, domainName string) (*NameDetails, error) {
	var resp nameDetailsResponse
	err := c.exec(ctx, nameDetailsQuery, map[string]any{"name": domainName}, &resp)
	if err != nil {
		return nil, err
	}

	details := &NameDetails{
		ExpiresAt:         resp.Name.ExpiresAt,
		ActiveOffersCount: resp.Name.ActiveOffersCount,
	}
	if resp.Name.HighestOffer != nil {
		details.HighestOfferPriceRaw = resp.Name.HighestOffer.Price.String()
	}
	if len(resp.Name.Tokens) > 0 {
		details.TokenAddress = strings.ToLower(resp.Name.Tokens[0].Address)
	}
	return details, nil
}
