// Package lookup queries the Open Food Facts product database by barcode.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "https://world.openfoodfacts.net"

const requestedFields = "product_name,nutriscore_data,nutriments,nutrition_grades,expiration_date,nova-group,nova_group"

var ErrNotFound = errors.New("lookup: product not found")

// FoodProduct is what a lookup contributes to a new product.
type FoodProduct struct {
	Barcode        string   `json:"barcode"`
	ProductName    string   `json:"product_name"`
	Badges         []string `json:"badges,omitempty"`
	ExpirationDate string   `json:"expiration_date,omitempty"`
	NutritionGrade string   `json:"nutrition_grade,omitempty"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type productResponse struct {
	Status  int `json:"status"`
	Product *struct {
		ProductName     string     `json:"product_name"`
		Nutriments      Nutriments `json:"nutriments"`
		NutritionGrades string     `json:"nutrition_grades"`
		ExpirationDate  string     `json:"expiration_date"`
		NovaGroupDash   number     `json:"nova-group"`
		NovaGroup       number     `json:"nova_group"`
		NutriscoreData  *struct {
			Grade string `json:"grade"`
		} `json:"nutriscore_data"`
	} `json:"product"`
}

// Lookup fetches barcode. ErrNotFound is returned when the database has no
// entry for it.
func (c *Client) Lookup(ctx context.Context, barcode string) (FoodProduct, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return FoodProduct{}, errors.New("barcode is required")
	}
	u := fmt.Sprintf("%s/api/v2/product/%s?fields=%s", c.baseURL, url.PathEscape(barcode), requestedFields)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return FoodProduct{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "bestbefore/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return FoodProduct{}, fmt.Errorf("lookup %s: %w", barcode, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return FoodProduct{}, fmt.Errorf("%w: %s", ErrNotFound, barcode)
	}
	if resp.StatusCode != http.StatusOK {
		return FoodProduct{}, fmt.Errorf("lookup %s: unexpected status %d", barcode, resp.StatusCode)
	}

	var body productResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&body); err != nil {
		return FoodProduct{}, fmt.Errorf("decode lookup response: %w", err)
	}
	if body.Status != 1 || body.Product == nil {
		return FoodProduct{}, fmt.Errorf("%w: %s", ErrNotFound, barcode)
	}

	p := body.Product
	nova := p.NovaGroupDash
	if !nova.valid {
		nova = p.NovaGroup
	}
	grade := p.NutritionGrades
	if grade == "" && p.NutriscoreData != nil {
		grade = p.NutriscoreData.Grade
	}
	return FoodProduct{
		Barcode:        barcode,
		ProductName:    p.ProductName,
		Badges:         Badges(p.Nutriments, int(nova.v)),
		ExpirationDate: p.ExpirationDate,
		NutritionGrade: strings.ToLower(grade),
	}, nil
}
