package jobsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autoapply/internal/common"
	"github.com/ternarybob/autoapply/internal/httpclient"
	"github.com/ternarybob/autoapply/internal/models"
)

// Client finds postings either through a JSON search API or, when none is
// configured, by scraping each platform's HTML search page.
type Client struct {
	baseURL    string
	maxResults int
	platforms  map[string]common.PlatformProfile
	client     *http.Client
	retry      *common.RetryPolicy
	logger     arbor.ILogger
}

// searchResponse is the JSON body returned by the search API
type searchResponse struct {
	Jobs []models.JobRef `json:"jobs"`
}

// NewClient creates a job search client
func NewClient(config *common.Config, logger arbor.ILogger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(config.Search.BaseURL, "/"),
		maxResults: config.Search.MaxResults,
		platforms:  config.Platforms,
		client:     httpclient.NewDefaultHTTPClient(common.Duration(config.Search.Timeout, 30*time.Second)),
		retry:      common.NewRetryPolicy(),
		logger:     logger,
	}
}

// WithRetryPolicy replaces the retry policy
func (c *Client) WithRetryPolicy(policy *common.RetryPolicy) *Client {
	c.retry = policy
	return c
}

// SearchJobs returns postings on platform matching criteria, minus excluded companies
func (c *Client) SearchJobs(ctx context.Context, platform string, criteria models.SearchCriteria) ([]models.JobRef, error) {
	platform = strings.ToLower(platform)

	var jobs []models.JobRef
	var err error
	if c.baseURL != "" {
		jobs, err = c.searchAPI(ctx, platform, criteria)
	} else {
		jobs, err = c.searchHTML(ctx, platform, criteria)
	}
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", platform, err)
	}

	filtered := make([]models.JobRef, 0, len(jobs))
	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if job.ExternalID == "" || criteria.Excludes(job.Company) {
			continue
		}
		if job.Platform == "" {
			job.Platform = platform
		}
		if seen[job.Key()] {
			continue
		}
		seen[job.Key()] = true
		filtered = append(filtered, job)
		if c.maxResults > 0 && len(filtered) >= c.maxResults {
			break
		}
	}

	c.logger.Debug().
		Str("platform", platform).
		Strs("keywords", criteria.Keywords).
		Int("found", len(jobs)).
		Int("kept", len(filtered)).
		Msg("Job search complete")

	return filtered, nil
}

func (c *Client) searchAPI(ctx context.Context, platform string, criteria models.SearchCriteria) ([]models.JobRef, error) {
	query := url.Values{}
	query.Set("platform", platform)
	query.Set("keywords", strings.Join(criteria.Keywords, " "))
	if criteria.Location != "" {
		query.Set("location", criteria.Location)
	}
	if criteria.Remote {
		query.Set("remote", "true")
	}
	if criteria.ExperienceLevel != "" {
		query.Set("experience_level", criteria.ExperienceLevel)
	}
	if criteria.PostedWithinDays > 0 {
		query.Set("posted_within_days", strconv.Itoa(criteria.PostedWithinDays))
	}
	if c.maxResults > 0 {
		query.Set("limit", strconv.Itoa(c.maxResults))
	}

	endpoint := c.baseURL + "/search?" + query.Encode()

	var body []byte
	_, err := c.retry.ExecuteWithRetry(ctx, c.logger, func() (int, error) {
		var status int
		var err error
		body, status, err = httpclient.Get(ctx, c.client, endpoint, "application/json")
		return status, err
	})
	if err != nil {
		return nil, err
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	return resp.Jobs, nil
}

func (c *Client) searchHTML(ctx context.Context, platform string, criteria models.SearchCriteria) ([]models.JobRef, error) {
	profile, ok := c.platforms[platform]
	if !ok || profile.SearchPath == "" || profile.ResultSelector == "" {
		return nil, common.NewConfigurationError("platforms."+platform+".search_path", "no search API or HTML search page configured")
	}

	base, err := url.Parse(profile.BaseURL)
	if err != nil {
		return nil, common.NewConfigurationError("platforms."+platform+".base_url", err.Error())
	}

	pageURL, err := base.Parse(profile.SearchPath)
	if err != nil {
		return nil, common.NewConfigurationError("platforms."+platform+".search_path", err.Error())
	}
	query := pageURL.Query()
	query.Set("q", strings.Join(criteria.Keywords, " "))
	if criteria.Location != "" {
		query.Set("location", criteria.Location)
	}
	pageURL.RawQuery = query.Encode()

	var body []byte
	_, err = c.retry.ExecuteWithRetry(ctx, c.logger, func() (int, error) {
		var status int
		var err error
		body, status, err = httpclient.Get(ctx, c.client, pageURL.String(), "text/html")
		return status, err
	})
	if err != nil {
		return nil, err
	}

	return ParseResults(body, platform, profile, base)
}

// ParseResults extracts postings from a search results page
func ParseResults(html []byte, platform string, profile common.PlatformProfile, base *url.URL) ([]models.JobRef, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse search page: %w", err)
	}

	idAttr := profile.ResultIDAttribute
	if idAttr == "" {
		idAttr = "data-job-id"
	}

	var jobs []models.JobRef
	doc.Find(profile.ResultSelector).Each(func(i int, s *goquery.Selection) {
		id, _ := s.Attr(idAttr)
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}

		job := models.JobRef{
			Platform:   platform,
			ExternalID: id,
			Title:      firstNonEmpty(attr(s, "data-title"), text(s, "[data-field=title], h2, h3")),
			Company:    firstNonEmpty(attr(s, "data-company"), text(s, "[data-field=company], .company")),
			Location:   firstNonEmpty(attr(s, "data-location"), text(s, "[data-field=location], .location")),
		}

		if href, ok := s.Find("a[href]").First().Attr("href"); ok {
			if link, err := base.Parse(href); err == nil {
				job.URL = link.String()
			}
		}
		jobs = append(jobs, job)
	})
	return jobs, nil
}

func attr(s *goquery.Selection, name string) string {
	value, _ := s.Attr(name)
	return strings.TrimSpace(value)
}

func text(s *goquery.Selection, selector string) string {
	return strings.TrimSpace(s.Find(selector).First().Text())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
