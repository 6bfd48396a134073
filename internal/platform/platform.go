// Package platform looks up messaging-platform profiles so operators can see
// who is behind a platform uid. Lookups are read-only and never feed a
// mutation.
package platform

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clinicops/recon/internal/domain"
)

// MaxConcurrency caps parallel lookups regardless of configuration.
const MaxConcurrency = 10

// Profile is the public profile behind a platform uid.
type Profile struct {
	UserID        string `json:"userId" yaml:"user_id"`
	DisplayName   string `json:"displayName" yaml:"display_name"`
	PictureURL    string `json:"pictureUrl,omitempty" yaml:"picture_url,omitempty"`
	StatusMessage string `json:"statusMessage,omitempty" yaml:"status_message,omitempty"`
	// Unknown is set when the platform has no profile for the uid (the user
	// blocked the account or never followed it).
	Unknown bool `json:"-" yaml:"unknown,omitempty"`
}

// Client calls the platform profile API.
type Client struct {
	http        *resty.Client
	concurrency int
	logger      *zap.Logger
}

// New creates a client against baseURL authenticated with a channel token.
func New(baseURL, token string, concurrency int, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > MaxConcurrency {
		concurrency = MaxConcurrency
	}
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15*time.Second).
		SetRetryCount(0).
		SetAuthToken(token).
		SetHeader("Accept", "application/json")
	return &Client{http: http, concurrency: concurrency, logger: logger}
}

// Profile fetches one profile. A 404 is not an error; it yields a Profile
// with Unknown set.
func (c *Client) Profile(ctx context.Context, uid string) (*Profile, error) {
	var p Profile
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("uid", uid).
		SetResult(&p).
		Get("/v2/bot/profile/{uid}")
	if err != nil {
		return nil, &domain.NetworkError{Op: "GET profile", URL: c.http.BaseURL, Err: err}
	}
	if resp.StatusCode() == http.StatusNotFound {
		return &Profile{UserID: uid, Unknown: true}, nil
	}
	if resp.IsError() {
		return nil, &domain.NetworkError{Op: "GET profile", URL: c.http.BaseURL, StatusCode: resp.StatusCode()}
	}
	if p.UserID == "" {
		p.UserID = uid
	}
	return &p, nil
}

// Profiles looks up every distinct non-blank uid with at most the client's
// concurrency in flight. The first failure cancels the rest.
func (c *Client) Profiles(ctx context.Context, uids []string) (map[string]*Profile, error) {
	distinct := map[string]bool{}
	for _, uid := range uids {
		if !domain.IsBlank(uid) {
			distinct[uid] = true
		}
	}
	todo := make([]string, 0, len(distinct))
	for uid := range distinct {
		todo = append(todo, uid)
	}
	sort.Strings(todo)

	var mu sync.Mutex
	out := make(map[string]*Profile, len(todo))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, uid := range todo {
		g.Go(func() error {
			p, err := c.Profile(ctx, uid)
			if err != nil {
				c.logger.Warn("profile lookup failed", zap.String("platform_uid", uid), zap.Error(err))
				return err
			}
			mu.Lock()
			out[uid] = p
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	c.logger.Debug("looked up profiles", zap.Int("count", len(out)))
	return out, nil
}
