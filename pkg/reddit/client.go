// Package reddit polls subreddits for new submissions and comments and
// emits normalized posts. Authentication uses the OAuth2 password grant
// of a script-type application.
package reddit

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultAuthBaseURL = "https://www.reddit.com"
	defaultAPIBaseURL  = "https://oauth.reddit.com"

	listingLimit = 100

	// tokenSlack refreshes the token a little before it actually expires.
	tokenSlack = time.Minute
)

// Credentials holds the script-app OAuth credentials.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	UserAgent    string
}

// Item is one submission or comment from a listing. Submissions carry
// Title/Selftext, comments carry Body.
type Item struct {
	// Fullname is the globally unique id, e.g. "t3_abc123" for
	// submissions and "t1_def456" for comments.
	Fullname   string  `json:"name"`
	Title      string  `json:"title"`
	Selftext   string  `json:"selftext"`
	Body       string  `json:"body"`
	Author     string  `json:"author"`
	Stickied   bool    `json:"stickied"`
	CreatedUTC float64 `json:"created_utc"`
}

// CreatedAt converts the epoch timestamp to UTC wall time.
func (i Item) CreatedAt() time.Time {
	sec := int64(i.CreatedUTC)
	nsec := int64((i.CreatedUTC - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// Client is a minimal Reddit API client: it authenticates, refreshes the
// token as needed, and fetches new-item listings.
type Client struct {
	creds      Credentials
	httpClient *http.Client

	// Overridable in tests.
	authBaseURL string
	apiBaseURL  string

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a client for the given credentials.
func NewClient(creds Credentials) *Client {
	return &Client{
		creds:       creds,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		authBaseURL: defaultAuthBaseURL,
		apiBaseURL:  defaultAPIBaseURL,
	}
}

// NewSubmissions fetches the newest submissions of the multireddit, e.g.
// "wien+austria", newest-first.
func (c *Client) NewSubmissions(subreddits string) ([]Item, error) {
	return c.listing(fmt.Sprintf("/r/%s/new", subreddits))
}

// NewComments fetches the newest comments of the multireddit,
// newest-first.
func (c *Client) NewComments(subreddits string) ([]Item, error) {
	return c.listing(fmt.Sprintf("/r/%s/comments", subreddits))
}

func (c *Client) listing(path string) ([]Item, error) {
	token, err := c.accessToken()
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s%s?limit=%d", c.apiBaseURL, path, listingLimit)
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create listing request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.creds.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("listing %s returned status %d: %s",
			path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var listing struct {
		Data struct {
			Children []struct {
				Data Item `json:"data"`
			} `json:"children"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("failed to decode listing response: %w", err)
	}

	items := make([]Item, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		items = append(items, child.Data)
	}
	return items, nil
}

// accessToken returns a valid bearer token, requesting a fresh one via
// the password grant when the cached token is missing or near expiry.
func (c *Client) accessToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry.Add(-tokenSlack)) {
		return c.token, nil
	}

	form := url.Values{
		"grant_type": {"password"},
		"username":   {c.creds.Username},
		"password":   {c.creds.Password},
	}
	req, err := http.NewRequest(http.MethodPost,
		c.authBaseURL+"/api/v1/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(c.creds.ClientID, c.creds.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.creds.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token request returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var token struct {
		AccessToken string  `json:"access_token"`
		ExpiresIn   float64 `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("token response contained no access_token")
	}

	c.token = token.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	return c.token, nil
}
