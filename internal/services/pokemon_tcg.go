package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/mappy4ever/DexTrends-sub010/internal/metrics"
)

const (
	DefaultPokemonTCGBaseURL = "https://api.pokemontcg.io/v2"
	pokemonTCGTimeout        = 15 * time.Second
)

// ErrRateLimited is returned when the API answers 429.
var ErrRateLimited = errors.New("pokemon tcg API rate limit exceeded")

// PokemonTCGService talks to the pokemontcg.io v2 API. All requests share one limiter.
type PokemonTCGService struct {
	client  *http.Client
	apiKey  string
	baseURL string
	limiter *rate.Limiter
}

func NewPokemonTCGService(apiKey, baseURL string, requestsPerSecond float64) *PokemonTCGService {
	if baseURL == "" {
		baseURL = DefaultPokemonTCGBaseURL
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	return &PokemonTCGService{
		client: &http.Client{
			Timeout: pokemonTCGTimeout,
		},
		apiKey:  apiKey,
		baseURL: baseURL,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

// HasAPIKey reports whether requests are authenticated.
func (s *PokemonTCGService) HasAPIKey() bool {
	return s.apiKey != ""
}

type pokemonSearchResponse struct {
	Data       []pokemonCard `json:"data"`
	TotalCount int           `json:"totalCount"`
	Page       int           `json:"page"`
	PageSize   int           `json:"pageSize"`
	Count      int           `json:"count"`
}

type pokemonCard struct {
	TCGPlayer *pokemonTCGPrice `json:"tcgplayer"`
	Set       pokemonSet       `json:"set"`
	Images    pokemonImages    `json:"images"`
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Number    string           `json:"number"`
	Rarity    string           `json:"rarity"`
	Artist    string           `json:"artist"`
	Supertype string           `json:"supertype"`
	Types     []string         `json:"types"`
}

type pokemonSet struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Series      string `json:"series"`
	ReleaseDate string `json:"releaseDate"`
}

type pokemonImages struct {
	Small string `json:"small"`
	Large string `json:"large"`
}

type pokemonTCGPrice struct {
	Prices    map[string]pokemonPriceSet `json:"prices"`
	URL       string                     `json:"url"`
	UpdatedAt string                     `json:"updatedAt"`
}

// pokemonPriceSet uses 0 for prices the API omitted.
type pokemonPriceSet struct {
	Low       float64 `json:"low"`
	Mid       float64 `json:"mid"`
	High      float64 `json:"high"`
	Market    float64 `json:"market"`
	DirectLow float64 `json:"directLow"`
}

func (c pokemonCard) hasPrices() bool {
	return c.TCGPlayer != nil && len(c.TCGPlayer.Prices) > 0
}

// representativePrice is the holofoil market price, or the highest market price of any
// variant when the card has no holofoil printing.
func (c pokemonCard) representativePrice() float64 {
	if !c.hasPrices() {
		return 0
	}
	if holo, ok := c.TCGPlayer.Prices["holofoil"]; ok && holo.Market > 0 {
		return holo.Market
	}
	best := 0.0
	for _, p := range c.TCGPlayer.Prices {
		if p.Market > best {
			best = p.Market
		}
	}
	return best
}

// SearchCards runs a catalog query such as "set.id:base1 OR set.id:base2".
func (s *PokemonTCGService) SearchCards(ctx context.Context, query string, pageSize int, orderBy string) ([]pokemonCard, error) {
	params := url.Values{}
	params.Set("q", query)
	if pageSize > 0 {
		params.Set("pageSize", strconv.Itoa(pageSize))
	}
	if orderBy != "" {
		params.Set("orderBy", orderBy)
	}

	var searchResp pokemonSearchResponse
	found, err := s.get(ctx, "search", s.baseURL+"/cards?"+params.Encode(), &searchResp)
	if err != nil {
		return nil, fmt.Errorf("failed to search pokemon tcg: %w", err)
	}
	if !found {
		return nil, nil
	}
	return searchResp.Data, nil
}

// GetCard returns nil, nil when the card does not exist.
func (s *PokemonTCGService) GetCard(ctx context.Context, id string) (*pokemonCard, error) {
	var response struct {
		Data pokemonCard `json:"data"`
	}
	found, err := s.get(ctx, "card", s.baseURL+"/cards/"+url.PathEscape(id), &response)
	if err != nil {
		return nil, fmt.Errorf("failed to get card %s from pokemon tcg: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	return &response.Data, nil
}

func (s *PokemonTCGService) get(ctx context.Context, endpoint, reqURL string, out any) (bool, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-Api-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.PokemonTCGRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return false, err
	}
	defer resp.Body.Close()

	metrics.PokemonTCGRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode/100)+"xx").Inc()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.PokemonTCGRateLimited.Inc()
		return false, ErrRateLimited
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("pokemon tcg API returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("failed to decode pokemon tcg response: %w", err)
	}
	return true, nil
}
